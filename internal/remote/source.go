package remote

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/vonshlovens/remotesync/internal/account"
)

// EntryTag classifies a delta listing entry
type EntryTag string

const (
	TagFile    EntryTag = "file"
	TagFolder  EntryTag = "folder"
	TagDeleted EntryTag = "deleted"
)

// DeltaEntry is one row of a cursor-based listing
type DeltaEntry struct {
	Tag            EntryTag
	ID             string
	PathLower      string
	PathDisplay    string
	ContentHash    string
	Rev            string
	ServerModified time.Time
	Size           int64
}

// DeltaPage is one page of a cursor-based listing
type DeltaPage struct {
	Entries []DeltaEntry
	Cursor  string
	HasMore bool
}

// RootInfo describes the folder an account is scoped to
type RootInfo struct {
	ID          string
	PathLower   string
	PathDisplay string
}

// DeltaSource is implemented by providers with cursor-based change feeds
type DeltaSource interface {
	// List performs a recursive listing of path including deleted entries
	List(ctx context.Context, acct account.Account, path string) (DeltaPage, error)
	// Continue returns changes since cursor, or ErrCursorReset
	Continue(ctx context.Context, acct account.Account, cursor string) (DeltaPage, error)
	// Root resolves the account root folder, or ErrNotFound
	Root(ctx context.Context, acct account.Account) (RootInfo, error)
}

// Revision is the current content revision of a polled resource
type Revision struct {
	ResourceID   string
	Revision     string
	ModifiedTime time.Time
}

// RevisionSource is implemented by providers that are polled for changes
type RevisionSource interface {
	Revision(ctx context.Context, acct account.Account, resourceID string) (Revision, error)
}

// MetadataSource resolves a resource id into a change record whose Path is
// relative to the account root
type MetadataSource interface {
	Metadata(ctx context.Context, acct account.Account, resourceID string) (ChangeRecord, error)
}

// RecentSource lists resources modified since a point in time
type RecentSource interface {
	Recent(ctx context.Context, acct account.Account, since time.Time) ([]ChangeRecord, error)
}

// Content is a streamed resource body
type Content struct {
	Body io.ReadCloser
	// ModifiedTime overrides the change record's time when the provider
	// reports it with the content
	ModifiedTime time.Time
}

// ContentSource streams resource bodies
type ContentSource interface {
	Download(ctx context.Context, acct account.Account, change ChangeRecord) (*Content, error)
	// Export converts a provider-native document into mimeType
	Export(ctx context.Context, acct account.Account, change ChangeRecord, mimeType string) (*Content, error)
}

// Provider bundles the capabilities of one storage provider. Capabilities a
// provider lacks are nil.
type Provider struct {
	Name          account.Provider
	Delta         DeltaSource
	Revisions     RevisionSource
	Metadata      MetadataSource
	Recent        RecentSource
	Content       ContentSource
	NewHash       func() hash.Hash
	IsRateLimited RateLimitPredicate
}

// RateLimited applies the provider predicate, falling back to the default
func (p *Provider) RateLimited(err error) bool {
	if p.IsRateLimited != nil {
		return p.IsRateLimited(err)
	}
	return DefaultRateLimitPredicate(err)
}

// Hasher returns a new content hash for local checksums
func (p *Provider) Hasher() hash.Hash {
	if p.NewHash != nil {
		return p.NewHash()
	}
	return sha256.New()
}

// Providers maps provider names to their implementation
type Providers map[account.Provider]*Provider

// For returns the provider serving acct
func (ps Providers) For(acct account.Account) (*Provider, error) {
	p, ok := ps[acct.Provider]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: no provider %q registered", ErrUnsupported, acct.Provider)
	}
	return p, nil
}
