// Package dropbox reads cursor-based change feeds and file content from the
// Dropbox HTTP API.
package dropbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/remote"
)

const (
	DefaultBaseURL    = "https://api.dropboxapi.com/2"
	DefaultContentURL = "https://content.dropboxapi.com/2"
)

// Options configures a Client
type Options struct {
	BaseURL    string
	ContentURL string
	// Token is used for accounts without their own credential
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Client talks to the Dropbox API
type Client struct {
	api     *remote.Client
	content *remote.Client
	token   string
}

// New creates a Client
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.ContentURL == "" {
		opts.ContentURL = DefaultContentURL
	}
	clientOpts := func(base string) remote.ClientOptions {
		return remote.ClientOptions{
			BaseURL:    base,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
			HTTPClient: opts.HTTPClient,
			Decoder:    decodeError,
		}
	}
	return &Client{
		api:     remote.NewClient(clientOpts(opts.BaseURL)),
		content: remote.NewClient(clientOpts(opts.ContentURL)),
		token:   opts.Token,
	}
}

// Provider exposes the client's capabilities
func (c *Client) Provider() *remote.Provider {
	return &remote.Provider{
		Name:    account.ProviderDropbox,
		Delta:   c,
		Content: c,
		NewHash: NewContentHash,
	}
}

type metadata struct {
	Tag            string    `json:".tag"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PathLower      string    `json:"path_lower"`
	PathDisplay    string    `json:"path_display"`
	ContentHash    string    `json:"content_hash"`
	Rev            string    `json:"rev"`
	ServerModified time.Time `json:"server_modified"`
	Size           int64     `json:"size"`
}

type listFolderResult struct {
	Entries []metadata `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

func (c *Client) headers(acct account.Account) map[string]string {
	return map[string]string{"Authorization": "Bearer " + acct.Credential(c.token)}
}

// List performs a recursive listing including deleted entries. An empty
// path lists the whole account.
func (c *Client) List(ctx context.Context, acct account.Account, path string) (remote.DeltaPage, error) {
	var out listFolderResult
	err := c.api.DoJSON(ctx, remote.Request{
		Method:  http.MethodPost,
		URL:     "/files/list_folder",
		Headers: c.headers(acct),
		Body: map[string]any{
			"path":            path,
			"recursive":       true,
			"include_deleted": true,
		},
	}, &out)
	if err != nil {
		return remote.DeltaPage{}, mapError(err)
	}
	return out.page(), nil
}

// Continue returns the changes since cursor
func (c *Client) Continue(ctx context.Context, acct account.Account, cursor string) (remote.DeltaPage, error) {
	var out listFolderResult
	err := c.api.DoJSON(ctx, remote.Request{
		Method:  http.MethodPost,
		URL:     "/files/list_folder/continue",
		Headers: c.headers(acct),
		Body:    map[string]string{"cursor": cursor},
	}, &out)
	if err != nil {
		return remote.DeltaPage{}, mapError(err)
	}
	return out.page(), nil
}

// Root resolves the account's root folder
func (c *Client) Root(ctx context.Context, acct account.Account) (remote.RootInfo, error) {
	if acct.RootID == "" {
		return remote.RootInfo{PathLower: "/", PathDisplay: "/"}, nil
	}
	var out metadata
	err := c.api.DoJSON(ctx, remote.Request{
		Method:  http.MethodPost,
		URL:     "/files/get_metadata",
		Headers: c.headers(acct),
		Body:    map[string]string{"path": acct.RootID},
	}, &out)
	if err != nil {
		return remote.RootInfo{}, mapError(err)
	}
	if out.Tag != "folder" {
		return remote.RootInfo{}, fmt.Errorf("%w: root %s is a %s", remote.ErrNotFound, acct.RootID, out.Tag)
	}
	return remote.RootInfo{ID: out.ID, PathLower: out.PathLower, PathDisplay: out.PathDisplay}, nil
}

// Download streams a file by id
func (c *Client) Download(ctx context.Context, acct account.Account, change remote.ChangeRecord) (*remote.Content, error) {
	target := change.ResourceID
	if target == "" {
		return nil, fmt.Errorf("dropbox download of %s needs a resource id", change.Path)
	}
	arg, err := json.Marshal(map[string]string{"path": target})
	if err != nil {
		return nil, err
	}

	headers := c.headers(acct)
	headers["Dropbox-API-Arg"] = string(arg)
	resp, err := c.content.Open(ctx, remote.Request{
		Method:  http.MethodPost,
		URL:     "/files/download",
		Headers: headers,
	})
	if err != nil {
		return nil, mapError(err)
	}

	content := &remote.Content{Body: resp.Body}
	var result metadata
	if raw := resp.Header.Get("Dropbox-API-Result"); raw != "" && json.Unmarshal([]byte(raw), &result) == nil {
		content.ModifiedTime = result.ServerModified
	}
	return content, nil
}

// Export is not offered for Dropbox files
func (c *Client) Export(context.Context, account.Account, remote.ChangeRecord, string) (*remote.Content, error) {
	return nil, fmt.Errorf("%w: dropbox export", remote.ErrUnsupported)
}

func (r listFolderResult) page() remote.DeltaPage {
	entries := make([]remote.DeltaEntry, 0, len(r.Entries))
	for _, m := range r.Entries {
		entries = append(entries, remote.DeltaEntry{
			Tag:            remote.EntryTag(m.Tag),
			ID:             m.ID,
			PathLower:      m.PathLower,
			PathDisplay:    m.PathDisplay,
			ContentHash:    m.ContentHash,
			Rev:            m.Rev,
			ServerModified: m.ServerModified,
			Size:           m.Size,
		})
	}
	return remote.DeltaPage{Entries: entries, Cursor: r.Cursor, HasMore: r.HasMore}
}

// decodeError reads Dropbox {"error_summary": "...", "error": {...}} bodies
func decodeError(status int, header http.Header, body []byte) *remote.HTTPError {
	var payload struct {
		Summary string `json:"error_summary"`
		Error   struct {
			RetryAfter int `json:"retry_after"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Summary == "" {
		return remote.DecodeError(status, header, body)
	}
	return &remote.HTTPError{
		StatusCode: status,
		Code:       payload.Summary,
		Message:    payload.Summary,
		RetryAfter: time.Duration(payload.Error.RetryAfter) * time.Second,
	}
}

// mapError translates 409 endpoint errors into the remote sentinels
func mapError(err error) error {
	var httpErr *remote.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusConflict {
		return err
	}
	switch {
	case strings.HasPrefix(httpErr.Code, "reset"):
		return fmt.Errorf("%w: %w", remote.ErrCursorReset, err)
	case strings.Contains(httpErr.Code, "not_found"):
		return fmt.Errorf("%w: %w", remote.ErrNotFound, err)
	}
	return err
}
