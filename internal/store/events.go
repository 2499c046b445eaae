package store

import (
	"context"
	"fmt"
	"time"
)

// PrintReport is a print outcome reported by a remote print client.
type PrintReport struct {
	OrderID       string `json:"order_id,omitempty"`
	TrackingNo    string `json:"tracking_no"`
	Result        string `json:"result"`
	Host          string `json:"host,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	PrinterName   string `json:"printer_name,omitempty"`
	PdfSHA256     string `json:"pdf_sha256,omitempty"`
}

// PrintEvent is a persisted PrintReport.
type PrintEvent struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	PrintReport
}

// RecordPrint appends a print event and updates the aggregate print state
// on the tracking_file row in one transaction. A report for a tracking
// number with no stored file creates a placeholder row, mirroring labels
// printed from a zip the server never unpacked itself.
func (s *Store) RecordPrint(ctx context.Context, r PrintReport) (*LabelFile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin record print: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO print_events (order_id, tracking_no, result, host, client_version, printer_name, pdf_sha256)
		VALUES (NULLIF($1, ''), $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''))`,
		r.OrderID, r.TrackingNo, r.Result, r.Host, r.ClientVersion, r.PrinterName, r.PdfSHA256)
	if err != nil {
		return nil, fmt.Errorf("insert print event: %w", err)
	}

	host := r.Host
	if host == "" {
		host = "client"
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tracking_file (tracking_no, file_path, print_status, print_count,
		                           first_print_time, last_print_time, last_print_client)
		VALUES ($1, $1 || '.pdf', $2, 1, now(), now(), $3)
		ON CONFLICT (tracking_no)
		DO UPDATE SET print_count = tracking_file.print_count + 1,
		              print_status = CASE WHEN tracking_file.print_count = 0 THEN $2 ELSE $4 END,
		              first_print_time = COALESCE(tracking_file.first_print_time, now()),
		              last_print_time = now(),
		              last_print_client = $3`,
		r.TrackingNo, StatusPrinted, host, StatusReprinted)
	if err != nil {
		return nil, fmt.Errorf("update print aggregate: %w", err)
	}

	f, err := scanLabelFile(tx.QueryRow(ctx, `
		SELECT tracking_no, file_path, size_bytes, content_hash, uploaded_at,
		       print_status, print_count, first_print_time, last_print_time, last_print_client
		FROM tracking_file WHERE tracking_no = $1`, r.TrackingNo))
	if err != nil {
		return nil, fmt.Errorf("read print aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit record print: %w", err)
	}
	return f, nil
}

// RecentPrintEvents returns the most recent print events, newest first.
func (s *Store) RecentPrintEvents(ctx context.Context, limit int) ([]PrintEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(order_id, ''), tracking_no, result, COALESCE(host, ''),
		       COALESCE(client_version, ''), COALESCE(printer_name, ''), COALESCE(pdf_sha256, ''), created_at
		FROM print_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query print events: %w", err)
	}
	defer rows.Close()

	var out []PrintEvent
	for rows.Next() {
		var e PrintEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.TrackingNo, &e.Result, &e.Host,
			&e.ClientVersion, &e.PrinterName, &e.PdfSHA256, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan print event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("print event rows: %w", err)
	}
	return out, nil
}
