package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores sync state in a single local database file
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (creating if needed) a SQLite state database
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer keeps lease upserts serialized
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate applies pending migrations
func (s *SQLite) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, "sqlite3", "migrations/sqlite", "goose_db_version")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

// Cursor returns the stored cursor, or "" when none is stored
func (s *SQLite) Cursor(ctx context.Context, accountID string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, "SELECT cursor FROM sync_cursors WHERE account_id = ?", accountID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor replaces the stored cursor
func (s *SQLite) SetCursor(ctx context.Context, accountID, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, accountID, cursor, millis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	return nil
}

// ResetCursor clears the cursor, forcing a full listing
func (s *SQLite) ResetCursor(ctx context.Context, accountID string) error {
	return s.SetCursor(ctx, accountID, "")
}

// MarkSynced records the completion time of a pass
func (s *SQLite) MarkSynced(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, last_synced_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET last_synced_at = excluded.last_synced_at, updated_at = excluded.updated_at
	`, accountID, millis(at), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	return nil
}

// PathFor returns the local path mapped to a resource id
func (s *SQLite) PathFor(ctx context.Context, accountID, resourceID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		"SELECT path FROM resource_paths WHERE account_id = ? AND resource_id = ?",
		accountID, resourceID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read path mapping: %w", err)
	}
	return path, nil
}

// SetPath stores a resource id to path association
func (s *SQLite) SetPath(ctx context.Context, accountID, resourceID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_paths (account_id, resource_id, path, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, resource_id) DO UPDATE SET path = excluded.path, updated_at = excluded.updated_at
	`, accountID, resourceID, path, millis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to store path mapping: %w", err)
	}
	return nil
}

// RemovePath drops a resource id mapping
func (s *SQLite) RemovePath(ctx context.Context, accountID, resourceID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM resource_paths WHERE account_id = ? AND resource_id = ?", accountID, resourceID)
	return err
}

// RecordFile stores the remote state behind a local file
func (s *SQLite) RecordFile(ctx context.Context, accountID string, st FileState) error {
	var remoteModified any
	if !st.RemoteModified.IsZero() {
		remoteModified = millis(st.RemoteModified)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_states (account_id, path, resource_id, checksum, remote_modified, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, path) DO UPDATE SET
			resource_id = excluded.resource_id,
			checksum = excluded.checksum,
			remote_modified = excluded.remote_modified,
			synced_at = excluded.synced_at
	`, accountID, st.Path, st.ResourceID, st.Checksum, remoteModified, millis(st.SyncedAt))
	if err != nil {
		return fmt.Errorf("failed to record file state: %w", err)
	}
	return nil
}

// FileState returns the recorded state of a local path
func (s *SQLite) FileState(ctx context.Context, accountID, path string) (FileState, error) {
	st := FileState{Path: path}
	var remoteModified, syncedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT resource_id, checksum, remote_modified, synced_at
		FROM file_states WHERE account_id = ? AND path = ?
	`, accountID, path).Scan(&st.ResourceID, &st.Checksum, &remoteModified, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileState{}, ErrNotFound
	}
	if err != nil {
		return FileState{}, fmt.Errorf("failed to read file state: %w", err)
	}
	st.RemoteModified = fromMillis(remoteModified)
	st.SyncedAt = fromMillis(syncedAt)
	return st, nil
}

// RemoveFile drops the recorded state of a path and everything below it
func (s *SQLite) RemoveFile(ctx context.Context, accountID, path string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM file_states WHERE account_id = ? AND (path = ? OR path LIKE ? ESCAPE '\\')",
		accountID, path, likePrefix(path))
	return err
}

// TryAcquireLease takes the account lease if it is free or expired
func (s *SQLite) TryAcquireLease(ctx context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_locks (account_id, token, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_locks.expires_at <= excluded.acquired_at OR sync_locks.token = excluded.token
	`, accountID, token, millis(now), millis(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewLease extends a lease still held with token
func (s *SQLite) RenewLease(ctx context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_locks SET expires_at = ? WHERE account_id = ? AND token = ? AND expires_at > ?",
		millis(now.Add(ttl)), accountID, token, millis(now))
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease frees a lease held with token
func (s *SQLite) ReleaseLease(ctx context.Context, accountID, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_locks WHERE account_id = ? AND token = ?", accountID, token)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Status returns the current sync status of an account
func (s *SQLite) Status(ctx context.Context, accountID string) (Status, error) {
	status := Status{AccountID: accountID}

	var lastSync sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT cursor, last_synced_at FROM sync_cursors WHERE account_id = ?", accountID).
		Scan(&status.Cursor, &lastSync)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return status, fmt.Errorf("failed to read cursor: %w", err)
	}
	if t := fromMillis(lastSync); !t.IsZero() {
		status.LastSync = &t
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM file_states WHERE account_id = ?", accountID).Scan(&status.Files); err != nil {
		return status, fmt.Errorf("failed to count files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM resource_paths WHERE account_id = ?", accountID).Scan(&status.Mappings); err != nil {
		return status, fmt.Errorf("failed to count mappings: %w", err)
	}

	var expires sql.NullInt64
	err = s.db.QueryRowContext(ctx, "SELECT expires_at FROM sync_locks WHERE account_id = ?", accountID).Scan(&expires)
	if err == nil {
		if t := fromMillis(expires); t.After(time.Now()) {
			status.LockHeld = true
			status.LockExpiry = &t
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return status, fmt.Errorf("failed to read lock state: %w", err)
	}

	return status, nil
}

// likePrefix returns a LIKE pattern matching every path below dir
func likePrefix(dir string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSuffix(dir, "/"))
	return escaped + "/%"
}
