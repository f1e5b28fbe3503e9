package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Postgres stores sync state in a PostgreSQL schema
type Postgres struct {
	Pool   *pgxpool.Pool
	Schema string
}

// NewPostgres creates a connection pool scoped to schema
func NewPostgres(ctx context.Context, dsn, schema string) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	if schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema + ",public"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"schema", schema)

	return &Postgres{Pool: pool, Schema: schema}, nil
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	if p.Pool != nil {
		p.Pool.Close()
		slog.Info("database connection closed")
	}
	return nil
}

// Migrate creates the schema and applies pending migrations
func (p *Postgres) Migrate(ctx context.Context) error {
	if p.Schema != "" {
		if _, err := p.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{p.Schema}.Sanitize())); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", p.Schema, err)
		}
	}

	db := stdlib.OpenDBFromPool(p.Pool)
	defer db.Close()

	table := "goose_db_version"
	if p.Schema != "" {
		table = p.Schema + ".goose_db_version"
	}
	return runMigrations(ctx, db, "postgres", "migrations/postgres", table)
}

// Cursor returns the stored cursor, or "" when none is stored
func (p *Postgres) Cursor(ctx context.Context, accountID string) (string, error) {
	var cursor string
	err := p.Pool.QueryRow(ctx, "SELECT cursor FROM sync_cursors WHERE account_id = $1", accountID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor replaces the stored cursor
func (p *Postgres) SetCursor(ctx context.Context, accountID, cursor string) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO sync_cursors (account_id, cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = NOW()
	`, accountID, cursor)
	if err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	return nil
}

// ResetCursor clears the cursor, forcing a full listing
func (p *Postgres) ResetCursor(ctx context.Context, accountID string) error {
	return p.SetCursor(ctx, accountID, "")
}

// MarkSynced records the completion time of a pass
func (p *Postgres) MarkSynced(ctx context.Context, accountID string, at time.Time) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO sync_cursors (account_id, last_synced_at, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = NOW()
	`, accountID, at)
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	return nil
}

// PathFor returns the local path mapped to a resource id
func (p *Postgres) PathFor(ctx context.Context, accountID, resourceID string) (string, error) {
	var path string
	err := p.Pool.QueryRow(ctx,
		"SELECT path FROM resource_paths WHERE account_id = $1 AND resource_id = $2",
		accountID, resourceID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read path mapping: %w", err)
	}
	return path, nil
}

// SetPath stores a resource id to path association
func (p *Postgres) SetPath(ctx context.Context, accountID, resourceID, path string) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO resource_paths (account_id, resource_id, path, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, resource_id) DO UPDATE SET
			path = EXCLUDED.path,
			updated_at = NOW()
	`, accountID, resourceID, path)
	if err != nil {
		return fmt.Errorf("failed to store path mapping: %w", err)
	}
	return nil
}

// RemovePath drops a resource id mapping
func (p *Postgres) RemovePath(ctx context.Context, accountID, resourceID string) error {
	_, err := p.Pool.Exec(ctx,
		"DELETE FROM resource_paths WHERE account_id = $1 AND resource_id = $2",
		accountID, resourceID)
	return err
}

// RecordFile stores the remote state behind a local file
func (p *Postgres) RecordFile(ctx context.Context, accountID string, st FileState) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO file_states (account_id, path, resource_id, checksum, remote_modified, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, path) DO UPDATE SET
			resource_id = EXCLUDED.resource_id,
			checksum = EXCLUDED.checksum,
			remote_modified = EXCLUDED.remote_modified,
			synced_at = EXCLUDED.synced_at
	`, accountID, st.Path, st.ResourceID, st.Checksum, nullTime(st.RemoteModified), st.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to record file state: %w", err)
	}
	return nil
}

// FileState returns the recorded state of a local path
func (p *Postgres) FileState(ctx context.Context, accountID, path string) (FileState, error) {
	st := FileState{Path: path}
	var remoteModified *time.Time
	err := p.Pool.QueryRow(ctx, `
		SELECT resource_id, checksum, remote_modified, synced_at
		FROM file_states WHERE account_id = $1 AND path = $2
	`, accountID, path).Scan(&st.ResourceID, &st.Checksum, &remoteModified, &st.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FileState{}, ErrNotFound
	}
	if err != nil {
		return FileState{}, fmt.Errorf("failed to read file state: %w", err)
	}
	if remoteModified != nil {
		st.RemoteModified = *remoteModified
	}
	return st, nil
}

// RemoveFile drops the recorded state of a path and everything below it
func (p *Postgres) RemoveFile(ctx context.Context, accountID, path string) error {
	_, err := p.Pool.Exec(ctx,
		"DELETE FROM file_states WHERE account_id = $1 AND (path = $2 OR path LIKE $3 ESCAPE '\\')",
		accountID, path, likePrefix(path))
	return err
}

// TryAcquireLease takes the account lease if it is free or expired
func (p *Postgres) TryAcquireLease(ctx context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := p.Pool.Exec(ctx, `
		INSERT INTO sync_locks (account_id, token, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			token = EXCLUDED.token,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE sync_locks.expires_at <= $3 OR sync_locks.token = $2
	`, accountID, token, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RenewLease extends a lease still held with token
func (p *Postgres) RenewLease(ctx context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := p.Pool.Exec(ctx,
		"UPDATE sync_locks SET expires_at = $3 WHERE account_id = $1 AND token = $2 AND expires_at > $4",
		accountID, token, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease frees a lease held with token
func (p *Postgres) ReleaseLease(ctx context.Context, accountID, token string) error {
	_, err := p.Pool.Exec(ctx, "DELETE FROM sync_locks WHERE account_id = $1 AND token = $2", accountID, token)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Status returns the current sync status of an account
func (p *Postgres) Status(ctx context.Context, accountID string) (Status, error) {
	status := Status{AccountID: accountID}

	err := p.Pool.QueryRow(ctx,
		"SELECT cursor, last_synced_at FROM sync_cursors WHERE account_id = $1",
		accountID).Scan(&status.Cursor, &status.LastSync)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return status, fmt.Errorf("failed to read cursor: %w", err)
	}

	if err := p.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM file_states WHERE account_id = $1", accountID).Scan(&status.Files); err != nil {
		return status, fmt.Errorf("failed to count files: %w", err)
	}
	if err := p.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM resource_paths WHERE account_id = $1", accountID).Scan(&status.Mappings); err != nil {
		return status, fmt.Errorf("failed to count mappings: %w", err)
	}

	var expires time.Time
	err = p.Pool.QueryRow(ctx, "SELECT expires_at FROM sync_locks WHERE account_id = $1", accountID).Scan(&expires)
	if err == nil && expires.After(time.Now()) {
		status.LockHeld = true
		status.LockExpiry = &expires
	} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		slog.Warn("failed to read lock state", "account", accountID, "error", err)
	}

	return status, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
