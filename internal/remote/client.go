package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrorDecoder turns a failed response into an HTTPError. Providers shape
// error bodies differently so each supplies its own decoder.
type ErrorDecoder func(status int, header http.Header, body []byte) *HTTPError

// ClientOptions configures a Client
type ClientOptions struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
	Decoder    ErrorDecoder
}

// Client is a small JSON-over-HTTP client with bounded retries
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	decode     ErrorDecoder
}

// NewClient creates a provider API client. Timeout bounds the wait for
// response headers and each stall while a body is read, so long downloads
// are not cut off while data keeps arriving.
func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = timeout
		httpClient = &http.Client{Transport: transport}
	}
	decode := opts.Decoder
	if decode == nil {
		decode = DecodeError
	}
	return &Client{
		baseURL:    opts.BaseURL,
		token:      opts.Token,
		httpClient: httpClient,
		timeout:    timeout,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		decode:     decode,
	}
}

// BaseURL returns the configured API root
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Backoff builds the bounded exponential policy used for provider calls
func Backoff(maxRetries int, base time.Duration) retry.Backoff {
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(30*time.Second, b)
	return retry.WithMaxRetries(uint64(maxRetries), b)
}

// Request describes one API call
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is JSON encoded unless RawBody is set
	Body    any
	RawBody []byte
}

// DoJSON performs a request and decodes a JSON response into out
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Open(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Open performs a request and returns the successful response with its body
// unread. The caller must close the body. Network errors and 5xx responses
// are retried; every other failure is returned as an *HTTPError. Failures
// are wrapped in a *RetriedError once the retry policy is spent.
func (c *Client) Open(ctx context.Context, req Request) (*http.Response, error) {
	resp, err := c.open(ctx, req)
	if err != nil && ctx.Err() == nil {
		return nil, &RetriedError{Err: err}
	}
	return resp, err
}

func (c *Client) open(ctx context.Context, req Request) (*http.Response, error) {
	bodyBytes := req.RawBody
	if bodyBytes == nil && req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	target := req.URL
	if len(target) > 0 && target[0] == '/' {
		target = c.baseURL + target
	}

	return retry.DoValue(ctx, Backoff(c.maxRetries, c.retryDelay), func(ctx context.Context) (*http.Response, error) {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		attemptCtx, cancel := context.WithCancel(ctx)
		httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, bodyReader)
		if err != nil {
			cancel()
			return nil, err
		}
		if c.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.token)
		}
		if req.Body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		for key, value := range req.Headers {
			httpReq.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, retry.RetryableError(err)
		}
		responded(ctx)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			resp.Body = newIdleBody(resp.Body, c.timeout, cancel)
			return resp, nil
		}

		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		cancel()

		httpErr := c.decode(resp.StatusCode, resp.Header, payload)
		if httpErr.RetryAfter == 0 {
			httpErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
		}
		if httpErr.Transient() {
			return nil, retry.RetryableError(httpErr)
		}
		return nil, httpErr
	})
}

// DecodeError reads the common {"code","message"} and Google style
// {"error":{"code","message","errors":[{"reason"}]}} error bodies.
func DecodeError(status int, _ http.Header, body []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status}

	var google struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Errors  []struct {
				Reason  string `json:"reason"`
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &google); err == nil && google.Error.Message != "" {
		httpErr.Message = google.Error.Message
		httpErr.Code = google.Error.Status
		for _, e := range google.Error.Errors {
			if e.Reason != "" {
				httpErr.Reasons = append(httpErr.Reasons, e.Reason)
			}
		}
		return httpErr
	}

	var plain struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &plain); err == nil && (plain.Code != "" || plain.Message != "") {
		httpErr.Code = plain.Code
		httpErr.Message = plain.Message
		return httpErr
	}

	httpErr.Message = string(bytes.TrimSpace(body))
	return httpErr
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// RetriedError is a failure the client already retried as far as its
// policy allows. Callers should not retry it again.
type RetriedError struct {
	Err error
}

func (e *RetriedError) Error() string {
	return e.Err.Error()
}

func (e *RetriedError) Unwrap() error {
	return e.Err
}

// Retried reports whether err went through a client retry loop
func Retried(err error) bool {
	var retried *RetriedError
	return errors.As(err, &retried)
}

type responseHookKey struct{}

// WithResponseHook returns a context whose requests call fn once a
// response arrives, before the body is read. Holders of a concurrency
// slot use it to give the slot back while a large body streams.
func WithResponseHook(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, responseHookKey{}, fn)
}

func responded(ctx context.Context) {
	if fn, ok := ctx.Value(responseHookKey{}).(func()); ok {
		fn()
	}
}

// idleBody cancels a streaming response that stalls for longer than idle
type idleBody struct {
	io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	cancel context.CancelFunc
}

func newIdleBody(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleBody {
	return &idleBody{
		ReadCloser: body,
		idle:       idle,
		timer:      time.AfterFunc(idle, cancel),
		cancel:     cancel,
	}
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.timer.Reset(b.idle)
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
