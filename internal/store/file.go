package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type accountState struct {
	Cursor   string                `json:"cursor,omitempty"`
	LastSync *time.Time            `json:"last_sync,omitempty"`
	Paths    map[string]string     `json:"paths"`
	Files    map[string]*FileState `json:"files"`
}

type lease struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type fileStateDoc struct {
	Accounts map[string]*accountState `json:"accounts"`
	Leases   map[string]*lease        `json:"leases,omitempty"`
}

// FileStore keeps sync state in memory and persists it as a JSON document.
// With an empty path it never touches disk.
type FileStore struct {
	filePath string
	mu       sync.RWMutex
	state    *fileStateDoc
	dirty    bool
}

// NewMemoryStore creates a store that lives only in process memory
func NewMemoryStore() *FileStore {
	return &FileStore{state: newFileStateDoc()}
}

// NewFileStore creates a store backed by a JSON file
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	fs := &FileStore{filePath: path, state: newFileStateDoc()}
	if err := fs.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state file: %w", err)
	}
	return fs, nil
}

func newFileStateDoc() *fileStateDoc {
	return &fileStateDoc{
		Accounts: make(map[string]*accountState),
		Leases:   make(map[string]*lease),
	}
}

// load reads state from disk
func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		return err
	}

	doc := newFileStateDoc()
	if err := json.Unmarshal(data, doc); err != nil {
		return err
	}
	if doc.Accounts == nil {
		doc.Accounts = make(map[string]*accountState)
	}
	if doc.Leases == nil {
		doc.Leases = make(map[string]*lease)
	}
	for _, acct := range doc.Accounts {
		if acct.Paths == nil {
			acct.Paths = make(map[string]string)
		}
		if acct.Files == nil {
			acct.Files = make(map[string]*FileState)
		}
	}

	fs.state = doc
	return nil
}

// save persists state to disk atomically; callers hold fs.mu
func (fs *FileStore) save() error {
	if fs.filePath == "" || !fs.dirty {
		return nil
	}

	data, err := json.MarshalIndent(fs.state, "", "  ")
	if err != nil {
		return err
	}

	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.filePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	fs.dirty = false
	return nil
}

func (fs *FileStore) account(accountID string) *accountState {
	acct, ok := fs.state.Accounts[accountID]
	if !ok {
		acct = &accountState{
			Paths: make(map[string]string),
			Files: make(map[string]*FileState),
		}
		fs.state.Accounts[accountID] = acct
	}
	return acct
}

func (fs *FileStore) mutate(fn func()) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn()
	fs.dirty = true
	if err := fs.save(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Migrate is a no-op for file state
func (fs *FileStore) Migrate(context.Context) error { return nil }

// Close flushes pending state
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.save()
}

// Cursor returns the stored cursor, or "" when none is stored
func (fs *FileStore) Cursor(_ context.Context, accountID string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if acct, ok := fs.state.Accounts[accountID]; ok {
		return acct.Cursor, nil
	}
	return "", nil
}

// SetCursor replaces the stored cursor
func (fs *FileStore) SetCursor(_ context.Context, accountID, cursor string) error {
	return fs.mutate(func() { fs.account(accountID).Cursor = cursor })
}

// ResetCursor clears the cursor, forcing a full listing
func (fs *FileStore) ResetCursor(ctx context.Context, accountID string) error {
	return fs.SetCursor(ctx, accountID, "")
}

// MarkSynced records the completion time of a pass
func (fs *FileStore) MarkSynced(_ context.Context, accountID string, at time.Time) error {
	return fs.mutate(func() { fs.account(accountID).LastSync = &at })
}

// PathFor returns the local path mapped to a resource id
func (fs *FileStore) PathFor(_ context.Context, accountID, resourceID string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if acct, ok := fs.state.Accounts[accountID]; ok {
		if p, ok := acct.Paths[resourceID]; ok {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// SetPath stores a resource id to path association
func (fs *FileStore) SetPath(_ context.Context, accountID, resourceID, path string) error {
	return fs.mutate(func() { fs.account(accountID).Paths[resourceID] = path })
}

// RemovePath drops a resource id mapping
func (fs *FileStore) RemovePath(_ context.Context, accountID, resourceID string) error {
	return fs.mutate(func() { delete(fs.account(accountID).Paths, resourceID) })
}

// RecordFile stores the remote state behind a local file
func (fs *FileStore) RecordFile(_ context.Context, accountID string, st FileState) error {
	return fs.mutate(func() {
		copied := st
		fs.account(accountID).Files[st.Path] = &copied
	})
}

// FileState returns the recorded state of a local path
func (fs *FileStore) FileState(_ context.Context, accountID, path string) (FileState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if acct, ok := fs.state.Accounts[accountID]; ok {
		if st, ok := acct.Files[path]; ok {
			return *st, nil
		}
	}
	return FileState{}, ErrNotFound
}

// RemoveFile drops the recorded state of a path and everything below it
func (fs *FileStore) RemoveFile(_ context.Context, accountID, path string) error {
	prefix := strings.TrimSuffix(path, "/") + "/"
	return fs.mutate(func() {
		files := fs.account(accountID).Files
		for p := range files {
			if p == path || strings.HasPrefix(p, prefix) {
				delete(files, p)
			}
		}
	})
}

// TryAcquireLease takes the account lease if it is free or expired
func (fs *FileStore) TryAcquireLease(_ context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if cur, ok := fs.state.Leases[accountID]; ok && cur.Token != token && cur.ExpiresAt.After(now) {
		return false, nil
	}
	fs.state.Leases[accountID] = &lease{Token: token, ExpiresAt: now.Add(ttl)}
	fs.dirty = true
	return true, fs.save()
}

// RenewLease extends a lease still held with token
func (fs *FileStore) RenewLease(_ context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur, ok := fs.state.Leases[accountID]
	if !ok || cur.Token != token || !cur.ExpiresAt.After(now) {
		return false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	fs.dirty = true
	return true, fs.save()
}

// ReleaseLease frees a lease held with token
func (fs *FileStore) ReleaseLease(_ context.Context, accountID, token string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if cur, ok := fs.state.Leases[accountID]; ok && cur.Token == token {
		delete(fs.state.Leases, accountID)
		fs.dirty = true
	}
	return fs.save()
}

// Status returns the current sync status of an account
func (fs *FileStore) Status(_ context.Context, accountID string) (Status, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	status := Status{AccountID: accountID}
	if acct, ok := fs.state.Accounts[accountID]; ok {
		status.Cursor = acct.Cursor
		status.Files = len(acct.Files)
		status.Mappings = len(acct.Paths)
		status.LastSync = acct.LastSync
	}
	if l, ok := fs.state.Leases[accountID]; ok && l.ExpiresAt.After(time.Now()) {
		expiry := l.ExpiresAt
		status.LockHeld = true
		status.LockExpiry = &expiry
	}
	return status, nil
}
