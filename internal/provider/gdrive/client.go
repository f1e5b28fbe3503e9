// Package gdrive polls Google Drive resources for revisions and streams or
// exports their content.
package gdrive

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/remote"
)

const (
	DefaultBaseURL = "https://www.googleapis.com/drive/v3"
	DefaultDocsURL = "https://docs.googleapis.com/v1"

	FolderMimeType   = "application/vnd.google-apps.folder"
	DocumentMimeType = "application/vnd.google-apps.document"
	nativeMimePrefix = "application/vnd.google-apps."

	// DocumentExt marks exported documents so the build step can find them
	DocumentExt = ".gdoc"

	// maxDepth bounds the parent walk when resolving paths
	maxDepth = 64
	// maxRecentPages bounds a cold-start listing
	maxRecentPages = 10
)

const fileFields = "id,name,mimeType,md5Checksum,modifiedTime,parents,trashed,size,version"

// Options configures a Client
type Options struct {
	BaseURL string
	DocsURL string
	// Token is used for accounts without their own credential
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Client talks to the Drive and Docs APIs
type Client struct {
	drive *remote.Client
	docs  *remote.Client
	token string
}

// New creates a Client
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.DocsURL == "" {
		opts.DocsURL = DefaultDocsURL
	}
	clientOpts := func(base string) remote.ClientOptions {
		return remote.ClientOptions{
			BaseURL:    base,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
			HTTPClient: opts.HTTPClient,
		}
	}
	return &Client{
		drive: remote.NewClient(clientOpts(opts.BaseURL)),
		docs:  remote.NewClient(clientOpts(opts.DocsURL)),
		token: opts.Token,
	}
}

// Provider exposes the client's capabilities
func (c *Client) Provider() *remote.Provider {
	return &remote.Provider{
		Name:      account.ProviderGDrive,
		Revisions: c,
		Metadata:  c,
		Recent:    c,
		Content:   c,
		NewHash:   md5.New,
	}
}

type file struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	MD5Checksum  string    `json:"md5Checksum"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Parents      []string  `json:"parents"`
	Trashed      bool      `json:"trashed"`
	Size         int64     `json:"size,string"`
	Version      int64     `json:"version,string"`
}

// TypeOf maps a Drive mime type onto a local resource type
func TypeOf(mimeType string) remote.ResourceType {
	switch {
	case mimeType == FolderMimeType:
		return remote.TypeFolder
	case mimeType == DocumentMimeType:
		return remote.TypeConvertible
	case strings.HasPrefix(mimeType, nativeMimePrefix):
		return remote.TypeNative
	default:
		return remote.TypeFile
	}
}

func (c *Client) headers(acct account.Account) map[string]string {
	return map[string]string{"Authorization": "Bearer " + acct.Credential(c.token)}
}

func (c *Client) getFile(ctx context.Context, acct account.Account, id, fields string) (file, error) {
	var out file
	q := url.Values{"fields": {fields}, "supportsAllDrives": {"true"}}
	err := c.drive.DoJSON(ctx, remote.Request{
		Method:  http.MethodGet,
		URL:     "/files/" + url.PathEscape(id) + "?" + q.Encode(),
		Headers: c.headers(acct),
	}, &out)
	return out, err
}

// Revision returns the current revision of a resource. Documents are read
// through the Docs API, other files through their Drive version.
func (c *Client) Revision(ctx context.Context, acct account.Account, resourceID string) (remote.Revision, error) {
	var doc struct {
		DocumentID string `json:"documentId"`
		RevisionID string `json:"revisionId"`
	}
	err := c.docs.DoJSON(ctx, remote.Request{
		Method:  http.MethodGet,
		URL:     "/documents/" + url.PathEscape(resourceID) + "?fields=documentId,revisionId",
		Headers: c.headers(acct),
	}, &doc)
	if err == nil {
		return remote.Revision{ResourceID: resourceID, Revision: doc.RevisionID}, nil
	}
	// 400 means the id is not a document
	if status := remote.StatusCode(err); status != http.StatusBadRequest && status != http.StatusNotFound {
		return remote.Revision{}, err
	}

	f, err := c.getFile(ctx, acct, resourceID, "id,md5Checksum,modifiedTime,version,trashed")
	if err != nil {
		return remote.Revision{}, err
	}
	if f.Trashed {
		return remote.Revision{}, fmt.Errorf("%w: %s is trashed", remote.ErrNotFound, resourceID)
	}
	rev := f.MD5Checksum
	if rev == "" && f.Version > 0 {
		rev = fmt.Sprintf("v%d", f.Version)
	}
	return remote.Revision{ResourceID: resourceID, Revision: rev, ModifiedTime: f.ModifiedTime}, nil
}

// Metadata resolves a resource and its path below the account root folder.
// Trashed resources and resources outside the root report ErrNotFound.
func (c *Client) Metadata(ctx context.Context, acct account.Account, resourceID string) (remote.ChangeRecord, error) {
	f, err := c.getFile(ctx, acct, resourceID, fileFields)
	if err != nil {
		return remote.ChangeRecord{}, err
	}
	if f.Trashed {
		return remote.ChangeRecord{}, fmt.Errorf("%w: %s is trashed", remote.ErrNotFound, resourceID)
	}

	p, err := c.resolvePath(ctx, acct, f, nil)
	if err != nil {
		return remote.ChangeRecord{}, err
	}

	change := c.toChange(f)
	change.Path = p
	return change, nil
}

// localName is the file name a resource is stored under
func localName(f file) string {
	if TypeOf(f.MimeType) == remote.TypeConvertible && !strings.HasSuffix(strings.ToLower(f.Name), DocumentExt) {
		return f.Name + DocumentExt
	}
	return f.Name
}

// resolvePath walks the parents of f up to the account root. Parents
// fetched along the way are kept in folders when it is non-nil.
func (c *Client) resolvePath(ctx context.Context, acct account.Account, f file, folders map[string]file) (string, error) {
	if f.ID == acct.RootID {
		return "/", nil
	}
	segments := []string{localName(f)}
	parents := f.Parents
	for depth := 0; ; depth++ {
		if len(parents) == 0 {
			if acct.RootID == "" {
				// The top-level drive folder itself is not part of the path
				segments = segments[:len(segments)-1]
				break
			}
			return "", fmt.Errorf("%w: %s is outside the account folder", remote.ErrNotFound, f.ID)
		}
		if depth >= maxDepth {
			return "", fmt.Errorf("folder nesting deeper than %d", maxDepth)
		}
		if parents[0] == acct.RootID {
			break
		}
		parent, cached := folders[parents[0]]
		if !cached {
			var err error
			parent, err = c.getFile(ctx, acct, parents[0], "id,name,parents,trashed")
			if err != nil {
				return "", err
			}
			if folders != nil {
				folders[parents[0]] = parent
			}
		}
		if parent.Trashed {
			return "", fmt.Errorf("%w: parent %s is trashed", remote.ErrNotFound, parent.ID)
		}
		segments = append(segments, parent.Name)
		parents = parent.Parents
	}

	var b strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		b.WriteString("/")
		b.WriteString(segments[i])
	}
	return remote.CleanPath(b.String()), nil
}

// Recent lists resources below the account root modified after since.
// The listing spans everything the credential can see, so each result is
// resolved against the root and the ones outside it are dropped.
func (c *Client) Recent(ctx context.Context, acct account.Account, since time.Time) ([]remote.ChangeRecord, error) {
	query := fmt.Sprintf("modifiedTime > '%s' and trashed = false", since.UTC().Format(time.RFC3339))
	folders := make(map[string]file)
	var out []remote.ChangeRecord
	pageToken := ""
	for page := 0; page < maxRecentPages; page++ {
		q := url.Values{
			"q":                         {query},
			"fields":                    {"nextPageToken,files(" + fileFields + ")"},
			"orderBy":                   {"modifiedTime desc"},
			"pageSize":                  {"100"},
			"includeItemsFromAllDrives": {"true"},
			"supportsAllDrives":         {"true"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var list struct {
			Files         []file `json:"files"`
			NextPageToken string `json:"nextPageToken"`
		}
		err := c.drive.DoJSON(ctx, remote.Request{
			Method:  http.MethodGet,
			URL:     "/files?" + q.Encode(),
			Headers: c.headers(acct),
		}, &list)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent files: %w", err)
		}
		for _, f := range list.Files {
			if f.MimeType == FolderMimeType {
				continue
			}
			p, err := c.resolvePath(ctx, acct, f, folders)
			if errors.Is(err, remote.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s: %w", f.ID, err)
			}
			change := c.toChange(f)
			change.Path = p
			out = append(out, change)
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	return out, nil
}

// Download streams a binary file
func (c *Client) Download(ctx context.Context, acct account.Account, change remote.ChangeRecord) (*remote.Content, error) {
	if change.ResourceID == "" {
		return nil, errors.New("drive download needs a resource id")
	}
	resp, err := c.drive.Open(ctx, remote.Request{
		Method:  http.MethodGet,
		URL:     "/files/" + url.PathEscape(change.ResourceID) + "?alt=media&supportsAllDrives=true",
		Headers: c.headers(acct),
	})
	if err != nil {
		return nil, err
	}
	return &remote.Content{Body: resp.Body}, nil
}

// Export converts a native document into mimeType
func (c *Client) Export(ctx context.Context, acct account.Account, change remote.ChangeRecord, mimeType string) (*remote.Content, error) {
	if change.ResourceID == "" {
		return nil, errors.New("drive export needs a resource id")
	}
	q := url.Values{"mimeType": {mimeType}}
	resp, err := c.drive.Open(ctx, remote.Request{
		Method:  http.MethodGet,
		URL:     "/files/" + url.PathEscape(change.ResourceID) + "/export?" + q.Encode(),
		Headers: c.headers(acct),
	})
	if err != nil {
		return nil, err
	}
	return &remote.Content{Body: resp.Body}, nil
}

func (c *Client) toChange(f file) remote.ChangeRecord {
	change := remote.ChangeRecord{
		Kind:         remote.KindModified,
		ResourceID:   f.ID,
		Checksum:     f.MD5Checksum,
		MimeType:     f.MimeType,
		ModifiedTime: f.ModifiedTime,
		Type:         TypeOf(f.MimeType),
		Size:         f.Size,
	}
	if f.Version > 0 {
		change.Revision = fmt.Sprintf("v%d", f.Version)
	}
	if len(f.Parents) > 0 {
		change.ContainerID = f.Parents[0]
	}
	return change
}
