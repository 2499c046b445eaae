package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Print statuses for a label file.
const (
	StatusNotPrinted = "not_printed"
	StatusPrinted    = "printed"
	StatusReprinted  = "reprinted"
)

// LabelFile is one stored label PDF keyed by tracking number.
// Re-importing the same tracking number replaces the file content
// but preserves the print aggregates.
type LabelFile struct {
	TrackingNo      string     `json:"tracking_no"`
	Path            string     `json:"file_path"`
	SizeBytes       int64      `json:"size_bytes"`
	ContentHash     string     `json:"content_hash"`
	UploadedAt      time.Time  `json:"uploaded_at"`
	PrintStatus     string     `json:"print_status"`
	PrintCount      int        `json:"print_count"`
	FirstPrintTime  *time.Time `json:"first_print_time,omitempty"`
	LastPrintTime   *time.Time `json:"last_print_time,omitempty"`
	LastPrintClient string     `json:"last_print_client,omitempty"`
}

// UpsertLabelFile inserts or replaces the stored file for f.TrackingNo.
// Content fields (path, size, hash) are replaced; print aggregates are kept.
func (s *Store) UpsertLabelFile(ctx context.Context, f LabelFile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracking_file (tracking_no, file_path, size_bytes, content_hash, uploaded_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tracking_no)
		DO UPDATE SET file_path = EXCLUDED.file_path,
		              size_bytes = EXCLUDED.size_bytes,
		              content_hash = EXCLUDED.content_hash,
		              uploaded_at = now()`,
		f.TrackingNo, f.Path, f.SizeBytes, f.ContentHash)
	if err != nil {
		return fmt.Errorf("upsert label file %s: %w", f.TrackingNo, err)
	}
	return nil
}

// GetLabelFile returns the stored file for trackingNo, or ErrNotFound.
func (s *Store) GetLabelFile(ctx context.Context, trackingNo string) (*LabelFile, error) {
	f, err := scanLabelFile(s.pool.QueryRow(ctx, `
		SELECT tracking_no, file_path, size_bytes, content_hash, uploaded_at,
		       print_status, print_count, first_print_time, last_print_time, last_print_client
		FROM tracking_file WHERE tracking_no = $1`, trackingNo))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get label file %s: %w", trackingNo, err)
	}
	return f, nil
}

// AllLabelFiles returns every stored file row for the snapshot builder.
func (s *Store) AllLabelFiles(ctx context.Context) ([]LabelFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tracking_no, file_path, size_bytes, content_hash, uploaded_at,
		       print_status, print_count, first_print_time, last_print_time, last_print_client
		FROM tracking_file`)
	if err != nil {
		return nil, fmt.Errorf("query label files: %w", err)
	}
	defer rows.Close()

	var out []LabelFile
	for rows.Next() {
		f, err := scanLabelFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan label file: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("label file rows: %w", err)
	}
	return out, nil
}

// ListLabelFiles returns a page of stored files, newest first, optionally
// filtered by tracking number substring and print status.
func (s *Store) ListLabelFiles(ctx context.Context, q, status string, page, pageSize int) ([]LabelFile, int64, error) {
	if page < 1 {
		page = 1
	}
	where := ""
	args := []any{}
	if q != "" {
		args = append(args, "%"+q+"%")
		where = fmt.Sprintf(" WHERE tracking_no ILIKE $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		if where == "" {
			where = fmt.Sprintf(" WHERE print_status = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND print_status = $%d", len(args))
		}
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tracking_file"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count label files: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT tracking_no, file_path, size_bytes, content_hash, uploaded_at,
		       print_status, print_count, first_print_time, last_print_time, last_print_client
		FROM tracking_file%s
		ORDER BY uploaded_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list label files: %w", err)
	}
	defer rows.Close()

	out := make([]LabelFile, 0, pageSize)
	for rows.Next() {
		f, err := scanLabelFile(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan label file: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("label file rows: %w", err)
	}
	return out, total, nil
}

func scanLabelFile(row pgx.Row) (*LabelFile, error) {
	var f LabelFile
	var first, last pgtype.Timestamptz
	var client pgtype.Text
	if err := row.Scan(&f.TrackingNo, &f.Path, &f.SizeBytes, &f.ContentHash, &f.UploadedAt,
		&f.PrintStatus, &f.PrintCount, &first, &last, &client); err != nil {
		return nil, err
	}
	if first.Valid {
		t := first.Time
		f.FirstPrintTime = &t
	}
	if last.Valid {
		t := last.Time
		f.LastPrintTime = &t
	}
	if client.Valid {
		f.LastPrintClient = client.String
	}
	return &f, nil
}
