// Package agent talks to a push-notifying remote agent: changes arrive over
// a websocket feed and content is fetched over plain HTTP.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/remote"
)

// Options configures a Client
type Options struct {
	BaseURL string
	// Secret is sent verbatim in the Authorization header
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
	// ReconnectDelay is the first wait after the feed drops
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the wait between reconnect attempts
	MaxReconnectDelay time.Duration
}

// Client downloads files from an agent and listens to its change feed
type Client struct {
	http    *remote.Client
	baseURL string
	secret  string
	opts    Options
}

// New creates a Client
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("agent base url is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = time.Minute
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		http: remote.NewClient(remote.ClientOptions{
			BaseURL:    base,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
			HTTPClient: opts.HTTPClient,
		}),
		baseURL: base,
		secret:  opts.Secret,
		opts:    opts,
	}, nil
}

// Provider exposes the client's capabilities
func (c *Client) Provider() *remote.Provider {
	return &remote.Provider{
		Name:    account.ProviderAgent,
		Content: c,
	}
}

func (c *Client) headers(acct account.Account, p string) map[string]string {
	return map[string]string{
		"Authorization": acct.Credential(c.secret),
		"blogID":        acct.RemoteID(),
		"pathBase64":    base64.StdEncoding.EncodeToString([]byte(p)),
	}
}

// Download fetches a file by path. The agent reports the file's mtime in
// the modifiedTime response header.
func (c *Client) Download(ctx context.Context, acct account.Account, change remote.ChangeRecord) (*remote.Content, error) {
	resp, err := c.http.Open(ctx, remote.Request{
		Method:  http.MethodGet,
		URL:     "/download",
		Headers: c.headers(acct, change.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", change.Path, err)
	}
	return &remote.Content{
		Body:         resp.Body,
		ModifiedTime: ParseTime(resp.Header.Get("modifiedTime")),
	}, nil
}

// Export is not offered by agents
func (c *Client) Export(context.Context, account.Account, remote.ChangeRecord, string) (*remote.Content, error) {
	return nil, fmt.Errorf("%w: agent export", remote.ErrUnsupported)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	http.TimeFormat,
	time.RFC1123Z,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
}

// ParseTime reads a timestamp in epoch milliseconds or one of the common
// text layouts. Unparseable values return the zero time.
func ParseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.UnixMilli(int64(f)).UTC()
	}
	// Date.toString() output carries a trailing zone name
	if i := strings.Index(v, " ("); i > 0 {
		v = v[:i]
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
