package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// snapshotVersionKey is the meta_kv row holding the current snapshot
// version counter. The counter is a build number, not a content hash.
const snapshotVersionKey = "snapshot_version"

// GetMeta returns the value for key, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT v FROM meta_kv WHERE k = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta inserts or replaces the value for key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meta_kv (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// AllMeta returns every key/value pair.
func (s *Store) AllMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT k, v FROM meta_kv`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta rows: %w", err)
	}
	return out, nil
}

// CurrentSnapshotVersion returns the last assigned snapshot version,
// or 0 if none has ever been built.
func (s *Store) CurrentSnapshotVersion(ctx context.Context) (int64, error) {
	v, err := s.GetMeta(ctx, snapshotVersionKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt snapshot version %q: %w", v, err)
	}
	return n, nil
}

// NextSnapshotVersion atomically increments and returns the snapshot
// version counter. Monotonicity survives restarts because the counter
// is persisted, and concurrent callers are serialized by the row lock.
func (s *Store) NextSnapshotVersion(ctx context.Context) (int64, error) {
	var v string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO meta_kv (k, v) VALUES ($1, '1')
		ON CONFLICT (k) DO UPDATE SET v = ((meta_kv.v)::bigint + 1)::text
		RETURNING v`, snapshotVersionKey).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next snapshot version: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt snapshot version %q: %w", v, err)
	}
	return n, nil
}
