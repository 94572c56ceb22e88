package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrow-payments/internal/domain"
)

// MemoryOrderRepo is an in-process order store for tests and the simulator.
type MemoryOrderRepo struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewMemoryOrderRepo() *MemoryOrderRepo {
	return &MemoryOrderRepo{orders: make(map[string]*domain.Order)}
}

var _ OrderRepo = (*MemoryOrderRepo)(nil)

func (m *MemoryOrderRepo) FindById(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryOrderRepo) ListIDsByStatus(ctx context.Context, status domain.OrderStatus) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, o := range m.orders {
		if o.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryOrderRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryOrderRepo) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return sql.ErrNoRows
	}
	o.Status = status
	o.UpdatedAt = at
	return nil
}
