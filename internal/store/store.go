// Package store is the persistence layer over PostgreSQL. It owns the
// committed order/label state the import pipeline writes and the snapshot
// builder reads. All methods are safe for concurrent use; each statement
// is independently atomic unless noted otherwise.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store provides access to the order mapping, label file, print event
// and meta key/value tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for transaction management.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// schemaDDL creates all tables. Every statement is idempotent so that
// EnsureSchema can be called from multiple startup paths concurrently
// with the snapshot builder.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS order_mapping (
		order_id    text PRIMARY KEY,
		tracking_no text NOT NULL,
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_mapping_tracking ON order_mapping (tracking_no)`,
	`CREATE TABLE IF NOT EXISTS tracking_file (
		tracking_no       text PRIMARY KEY,
		file_path         text NOT NULL,
		size_bytes        bigint NOT NULL DEFAULT 0,
		content_hash      text NOT NULL DEFAULT '',
		uploaded_at       timestamptz NOT NULL DEFAULT now(),
		print_status      text NOT NULL DEFAULT 'not_printed',
		print_count       integer NOT NULL DEFAULT 0,
		first_print_time  timestamptz,
		last_print_time   timestamptz,
		last_print_client text
	)`,
	`CREATE TABLE IF NOT EXISTS print_events (
		id             bigserial PRIMARY KEY,
		order_id       text,
		tracking_no    text NOT NULL,
		result         text NOT NULL,
		host           text,
		client_version text,
		printer_name   text,
		pdf_sha256     text,
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_print_events_tracking ON print_events (tracking_no)`,
	`CREATE TABLE IF NOT EXISTS meta_kv (
		k      text PRIMARY KEY,
		v      text NOT NULL DEFAULT '',
		remark text NOT NULL DEFAULT ''
	)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
// Both service startup and the snapshot builder call this, so a rebuild
// triggered before startup finished can never read from missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
