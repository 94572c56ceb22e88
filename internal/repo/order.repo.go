package repo

import (
	"context"
	"database/sql"
	"time"

	"escrow-payments/internal/domain"
)

// OrderRepo reads the fulfillment state of orders. The escrow manager only
// reads it; CreateOrder and UpdateOrderStatus serve the storefront side.
type OrderRepo interface {
	FindById(ctx context.Context, id string) (*domain.Order, error)
	// ListIDsByStatus returns the ids of orders currently in status.
	ListIDsByStatus(ctx context.Context, status domain.OrderStatus) ([]string, error)
	CreateOrder(ctx context.Context, order *domain.Order) error
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus, at time.Time) error
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

func (r *orderRepo) FindById(ctx context.Context, id string) (*domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, customer_id, status, created_at, updated_at FROM orders WHERE id = $1", id,
	).Scan(&order.ID, &order.CustomerID, &status, &order.CreatedAt, &order.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatus(status)
	return &order, nil
}

func (r *orderRepo) ListIDsByStatus(ctx context.Context, status domain.OrderStatus) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM orders WHERE status = $1", string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *orderRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO orders (id, customer_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		order.ID, order.CustomerID, string(order.Status), order.CreatedAt, order.UpdatedAt)
	return err
}

func (r *orderRepo) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3", string(status), at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
