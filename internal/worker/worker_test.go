package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrow-payments/internal/domain"
	"escrow-payments/internal/infrastructure/payment"
	"escrow-payments/internal/logging"
	"escrow-payments/internal/repo"
	"escrow-payments/internal/service"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	escrow   service.EscrowService
	gateway  *payment.MockGateway
	payments *repo.MemoryEscrowRepo
	orders   *repo.MemoryOrderRepo
	clock    *clock
	opts     service.Options
}

func newEnv(t *testing.T, mock payment.MockOptions) *env {
	t.Helper()
	e := &env{
		gateway:  payment.NewMockGateway(mock),
		payments: repo.NewMemoryEscrowRepo(),
		orders:   repo.NewMemoryOrderRepo(),
		clock:    &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	e.opts = service.Options{
		DefaultMerchantAccount: "RCP_merchant",
		GatewayTimeout:         time.Second,
		ExpirePending:          true,
		Now:                    e.clock.Now,
	}
	e.escrow = e.serviceOver(e.payments)
	return e
}

func (e *env) serviceOver(payments repo.EscrowRepo) service.EscrowService {
	return service.NewEscrowService(payments, e.orders, e.gateway, e.opts, logging.Discard())
}

func (e *env) reconciler() *ReconciliationWorker {
	w := NewReconciliationWorker(e.payments, e.escrow, time.Minute, 10*time.Minute, logging.Discard())
	w.now = e.clock.Now
	return w
}

// initialized creates an escrow payment for a new order and hands it to the
// gateway.
func (e *env) initialized(t *testing.T, orderID string, status domain.OrderStatus) *domain.EscrowPayment {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now()
	require.NoError(t, e.orders.CreateOrder(ctx, &domain.Order{ID: orderID, CustomerID: "c", Status: status, CreatedAt: now, UpdatedAt: now}))
	p, err := e.escrow.CreateEscrowPayment(ctx, service.CreateEscrowRequest{
		OrderID: orderID, CustomerID: "c", Amount: decimal.RequireFromString("25.00"), Currency: "GHS",
	})
	require.NoError(t, err)
	_, err = e.escrow.ProcessEscrowPayment(ctx, p.ID, "buyer@example.com", "")
	require.NoError(t, err)
	return p
}

func (e *env) paid(t *testing.T, orderID string, status domain.OrderStatus) *domain.EscrowPayment {
	t.Helper()
	p := e.initialized(t, orderID, status)
	require.NoError(t, e.gateway.CompletePayment(p.GatewayReference))
	res, err := e.escrow.VerifyPayment(context.Background(), p.GatewayReference)
	require.NoError(t, err)
	require.True(t, res.Success)
	return p
}

func (e *env) statusOf(t *testing.T, id string) domain.EscrowStatus {
	t.Helper()
	p, err := e.escrow.GetEscrowPaymentStatus(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Status
}

func TestReconciliation_SettlesPhantomTransfer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, payment.MockOptions{TimeoutRate: 100})
	p := e.paid(t, "order_1", domain.OrderDelivered)

	_, err := e.escrow.ReleaseEscrowPayment(ctx, p.ID, "")
	require.Error(t, err, "transfer response is lost")
	assert.Equal(t, domain.EscrowPaid, e.statusOf(t, p.ID))

	w := e.reconciler()
	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.TransfersSettled, "attempt is not stale yet")

	e.clock.Advance(15 * time.Minute)
	report, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TransfersSettled)
	assert.Equal(t, domain.EscrowReleased, e.statusOf(t, p.ID))
}

func TestReconciliation_DeclinedTransferIsNotReselected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, payment.MockOptions{DeclineRate: 100})
	p := e.paid(t, "order_1", domain.OrderDelivered)

	_, err := e.escrow.ReleaseEscrowPayment(ctx, p.ID, "")
	require.Error(t, err)

	w := e.reconciler()
	for i := 0; i < 3; i++ {
		e.clock.Advance(15 * time.Minute)
		report, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.TransfersSettled)
		assert.Zero(t, report.Errors)
	}
	stale, err := e.payments.ListTransferAttemptsBefore(ctx, e.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Equal(t, domain.EscrowPaid, e.statusOf(t, p.ID))
}

// failingRefundRepo loses every write that would mark a payment refunded.
type failingRefundRepo struct {
	*repo.MemoryEscrowRepo
}

func (r failingRefundRepo) Transition(ctx context.Context, id string, t repo.Transition) (*domain.EscrowPayment, error) {
	if t.To == domain.EscrowRefunded {
		return nil, errors.New("connection reset by peer")
	}
	return r.MemoryEscrowRepo.Transition(ctx, id, t)
}

func TestReconciliation_SettlesUnbookedRefund(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, payment.MockOptions{})
	p := e.paid(t, "order_1", domain.OrderDelivered)

	broken := e.serviceOver(failingRefundRepo{e.payments})
	_, err := broken.RefundEscrowPayment(ctx, p.ID, "")
	require.Error(t, err)
	assert.Equal(t, domain.EscrowPaid, e.statusOf(t, p.ID))
	assert.Zero(t, e.escrow.AutoReleaseEscrowPayments(ctx).Eligible, "a refunded payment is never released")

	w := e.reconciler()
	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RefundsSettled, "attempt is not stale yet")

	e.clock.Advance(15 * time.Minute)
	report, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RefundsSettled)
	assert.Zero(t, report.TransfersSettled)
	assert.Equal(t, domain.EscrowRefunded, e.statusOf(t, p.ID))
}

func TestReconciliation_RecoversGhostPayment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, payment.MockOptions{})
	p := e.initialized(t, "order_1", domain.OrderPending)
	require.NoError(t, e.gateway.CompletePayment(p.GatewayReference))

	e.clock.Advance(15 * time.Minute)
	report, err := e.reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PaymentsRecovered)
	assert.Equal(t, domain.EscrowPaid, e.statusOf(t, p.ID))
}

func TestReconciliation_ExpiresAbandonedPayment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, payment.MockOptions{})
	abandoned := e.initialized(t, "order_1", domain.OrderPending)
	e.gateway.AbandonPayment(abandoned.GatewayReference)
	late := e.initialized(t, "order_2", domain.OrderPending)

	e.clock.Advance(domain.DefaultHoldWindow + time.Hour)
	require.NoError(t, e.gateway.CompletePayment(late.GatewayReference))

	report, err := e.reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.PaymentsRecovered)
	assert.Zero(t, report.Errors)
	assert.Equal(t, domain.EscrowFailed, e.statusOf(t, abandoned.ID))
	assert.Equal(t, domain.EscrowPaid, e.statusOf(t, late.ID))
}

func TestAutoReleaseWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, payment.MockOptions{})
	delivered := e.paid(t, "order_1", domain.OrderDelivered)
	shipped := e.paid(t, "order_2", domain.OrderShipped)

	w := NewAutoReleaseWorker(e.escrow, time.Minute, logging.Discard())
	report := w.RunOnce(ctx)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Released)
	assert.Empty(t, report.Failures)

	assert.Equal(t, domain.EscrowReleased, e.statusOf(t, delivered.ID))
	assert.Equal(t, domain.EscrowPaid, e.statusOf(t, shipped.ID))

	require.NoError(t, e.orders.UpdateOrderStatus(ctx, "order_2", domain.OrderDelivered, e.clock.Now()))
	report = w.RunOnce(ctx)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, domain.EscrowReleased, e.statusOf(t, shipped.ID))
}

func TestAutoReleaseWorker_StopsOnCancel(t *testing.T) {
	e := newEnv(t, payment.MockOptions{})
	w := NewAutoReleaseWorker(e.escrow, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
