package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Order is one order id to tracking number mapping.
// Last write wins on order_id.
type Order struct {
	OrderID    string    `json:"order_id"`
	TrackingNo string    `json:"tracking_no"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UpsertOrder inserts or replaces the mapping for orderID.
func (s *Store) UpsertOrder(ctx context.Context, orderID, trackingNo string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_mapping (order_id, tracking_no, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (order_id)
		DO UPDATE SET tracking_no = EXCLUDED.tracking_no, updated_at = now()`,
		orderID, trackingNo)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder returns the mapping for orderID, or ErrNotFound.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx, `
		SELECT order_id, tracking_no, updated_at
		FROM order_mapping WHERE order_id = $1`, orderID).
		Scan(&o.OrderID, &o.TrackingNo, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &o, nil
}

// AllOrders returns every mapping row. The snapshot builder uses this;
// the table is small enough (one row per order) that no paging is needed.
func (s *Store) AllOrders(ctx context.Context) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, tracking_no, updated_at FROM order_mapping`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.OrderID, &o.TrackingNo, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders rows: %w", err)
	}
	return out, nil
}

// ListOrders returns a page of mappings, newest first, optionally
// filtered by an order id substring.
func (s *Store) ListOrders(ctx context.Context, q string, page, pageSize int) ([]Order, int64, error) {
	if page < 1 {
		page = 1
	}
	where := ""
	args := []any{}
	if q != "" {
		where = " WHERE order_id ILIKE $1"
		args = append(args, "%"+q+"%")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM order_mapping"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT order_id, tracking_no, updated_at FROM order_mapping%s
		ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0, pageSize)
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.OrderID, &o.TrackingNo, &o.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("orders rows: %w", err)
	}
	return out, total, nil
}
