package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrow-payments/internal/domain"
)

// MemoryEscrowRepo keeps escrow payments in process memory. It backs tests
// and the simulator and honours the same conditional-update contract as
// the Postgres repo.
type MemoryEscrowRepo struct {
	mu       sync.RWMutex
	payments map[string]*domain.EscrowPayment
}

func NewMemoryEscrowRepo() *MemoryEscrowRepo {
	return &MemoryEscrowRepo{payments: make(map[string]*domain.EscrowPayment)}
}

var _ EscrowRepo = (*MemoryEscrowRepo)(nil)

func clonePayment(p *domain.EscrowPayment) *domain.EscrowPayment {
	cp := *p
	cp.Metadata = p.Metadata.Clone()
	return &cp
}

func (m *MemoryEscrowRepo) Create(ctx context.Context, p *domain.EscrowPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.ID]; exists {
		return fmt.Errorf("escrow payment %s already exists", p.ID)
	}
	for _, existing := range m.payments {
		if existing.GatewayReference == p.GatewayReference {
			return fmt.Errorf("gateway reference %s already in use", p.GatewayReference)
		}
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryEscrowRepo) FindById(ctx context.Context, id string) (*domain.EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return clonePayment(p), nil
}

func (m *MemoryEscrowRepo) FindByReference(ctx context.Context, reference string) (*domain.EscrowPayment, error) {
	return m.findFirst(func(p *domain.EscrowPayment) bool { return p.GatewayReference == reference }), nil
}

func (m *MemoryEscrowRepo) FindByTransferReference(ctx context.Context, reference string) (*domain.EscrowPayment, error) {
	return m.findFirst(func(p *domain.EscrowPayment) bool {
		return p.TransferReference != "" && p.TransferReference == reference
	}), nil
}

func (m *MemoryEscrowRepo) findFirst(match func(*domain.EscrowPayment) bool) *domain.EscrowPayment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if match(p) {
			return clonePayment(p)
		}
	}
	return nil
}

func (m *MemoryEscrowRepo) filter(match func(*domain.EscrowPayment) bool, limit int) []*domain.EscrowPayment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.EscrowPayment
	for _, p := range m.payments {
		if match(p) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryEscrowRepo) ListByOrder(ctx context.Context, orderID string) ([]*domain.EscrowPayment, error) {
	out := m.filter(func(p *domain.EscrowPayment) bool { return p.OrderID == orderID }, 0)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *MemoryEscrowRepo) ListByStatusForOrders(ctx context.Context, status domain.EscrowStatus, orderIDs []string) ([]*domain.EscrowPayment, error) {
	want := make(map[string]struct{}, len(orderIDs))
	for _, id := range orderIDs {
		want[id] = struct{}{}
	}
	return m.filter(func(p *domain.EscrowPayment) bool {
		_, ok := want[p.OrderID]
		return ok && p.Status == status
	}, 0), nil
}

func (m *MemoryEscrowRepo) ListPendingInitializedBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return m.filter(func(p *domain.EscrowPayment) bool {
		return p.Status == domain.EscrowPending && p.AuthorizationURL != "" && p.UpdatedAt.Before(before)
	}, limit), nil
}

func (m *MemoryEscrowRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return m.filter(func(p *domain.EscrowPayment) bool {
		return p.IsExpired(now)
	}, limit), nil
}

func (m *MemoryEscrowRepo) ListTransferAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return m.filter(func(p *domain.EscrowPayment) bool {
		return p.Status == domain.EscrowPaid && p.TransferReference != "" &&
			p.TransferAttemptedAt != nil && p.TransferAttemptedAt.Before(before)
	}, limit), nil
}

func (m *MemoryEscrowRepo) ListRefundAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return m.filter(func(p *domain.EscrowPayment) bool {
		return (p.Status == domain.EscrowPaid || p.Status == domain.EscrowReleased) &&
			p.RefundAttemptedAt != nil && p.RefundAttemptedAt.Before(before)
	}, limit), nil
}

func (m *MemoryEscrowRepo) RecordInitialization(ctx context.Context, id, authorizationURL string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.Status != domain.EscrowPending {
		return domain.ErrStatusConflict
	}
	p.AuthorizationURL = authorizationURL
	p.UpdatedAt = at
	return nil
}

func (m *MemoryEscrowRepo) ClaimTransfer(ctx context.Context, id, prevReference, reference string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.Status != domain.EscrowPaid || p.TransferReference != prevReference || p.RefundAttemptedAt != nil {
		return domain.ErrStatusConflict
	}
	p.TransferReference = reference
	p.TransferAttemptedAt = &at
	p.UpdatedAt = at
	return nil
}

func (m *MemoryEscrowRepo) AbandonTransfer(ctx context.Context, id, reference string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.Status != domain.EscrowPaid || p.TransferReference == "" || p.TransferReference != reference {
		return domain.ErrStatusConflict
	}
	p.TransferAttemptedAt = nil
	p.UpdatedAt = at
	return nil
}

func (m *MemoryEscrowRepo) ClaimRefund(ctx context.Context, id string, c RefundClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.Status != c.Status || p.TransferReference != c.TransferReference || !sameTime(p.RefundAttemptedAt, c.PrevAttempt) {
		return domain.ErrStatusConflict
	}
	at := c.At
	p.RefundAttemptedAt = &at
	p.UpdatedAt = at
	return nil
}

func (m *MemoryEscrowRepo) ClearRefundClaim(ctx context.Context, id string, attempt time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || (p.Status != domain.EscrowPaid && p.Status != domain.EscrowReleased) || !sameTime(p.RefundAttemptedAt, &attempt) {
		return domain.ErrStatusConflict
	}
	p.RefundAttemptedAt = nil
	p.UpdatedAt = at
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (m *MemoryEscrowRepo) Transition(ctx context.Context, id string, t Transition) (*domain.EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, domain.ErrStatusConflict
	}
	matched := false
	for _, s := range t.From {
		if p.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, domain.ErrStatusConflict
	}

	at := t.At
	switch t.To {
	case domain.EscrowPaid:
		p.PaidAt = &at
		p.GatewayTransactionID = t.GatewayTransactionID
	case domain.EscrowReleased:
		p.ReleasedAt = &at
		p.ReleaseReason = t.Reason
	case domain.EscrowRefunded:
		p.RefundedAt = &at
		p.RefundReason = t.Reason
		p.RefundReference = t.RefundReference
	case domain.EscrowFailed:
		p.FailedAt = &at
		p.FailureReason = t.Reason
	default:
		return nil, fmt.Errorf("transition to %s is not allowed", t.To)
	}
	p.Status = t.To
	p.UpdatedAt = at
	return clonePayment(p), nil
}

func (m *MemoryEscrowRepo) Totals(ctx context.Context) ([]domain.StatusTotal, error) {
	return domain.TotalsOf(m.filter(func(*domain.EscrowPayment) bool { return true }, 0)), nil
}
