package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrow-payments/internal/domain"
)

// testEscrowRepos runs the behaviour every EscrowRepo and OrderRepo pair
// must share, whatever the storage.
func testEscrowRepos(t *testing.T, newRepos func(t *testing.T) (EscrowRepo, OrderRepo)) {
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	seed := func(t *testing.T, orders OrderRepo, status domain.OrderStatus) string {
		t.Helper()
		id := uuid.NewString()
		require.NoError(t, orders.CreateOrder(context.Background(), &domain.Order{
			ID: id, CustomerID: "cust-1", Status: status, CreatedAt: base, UpdatedAt: base,
		}))
		return id
	}
	newPayment := func(orderID, amount string, created time.Time) *domain.EscrowPayment {
		id := uuid.NewString()
		return &domain.EscrowPayment{
			ID:               id,
			OrderID:          orderID,
			CustomerID:       "cust-1",
			Amount:           decimal.RequireFromString(amount),
			Currency:         "GHS",
			Status:           domain.EscrowPending,
			GatewayReference: "escrow_" + orderID + "_" + id[:8],
			Metadata:         domain.Metadata{MerchantAccount: "RCP_1"},
			CreatedAt:        created,
			UpdatedAt:        created,
			ExpiresAt:        created.Add(domain.DefaultHoldWindow),
		}
	}

	t.Run("create and find", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		p := newPayment(seed(t, orders, domain.OrderPending), "25.50", base)
		require.NoError(t, payments.Create(ctx, p))

		got, err := payments.FindById(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, p.Amount.Equal(got.Amount))
		assert.Equal(t, domain.EscrowPending, got.Status)
		assert.Equal(t, "RCP_1", got.Metadata.MerchantAccount)
		assert.True(t, p.ExpiresAt.Equal(got.ExpiresAt))

		byRef, err := payments.FindByReference(ctx, p.GatewayReference)
		require.NoError(t, err)
		require.NotNil(t, byRef)
		assert.Equal(t, p.ID, byRef.ID)

		missing, err := payments.FindById(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("order row may come later", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		p := newPayment(uuid.NewString(), "12.00", base)
		require.NoError(t, payments.Create(ctx, p))

		require.NoError(t, orders.CreateOrder(ctx, &domain.Order{
			ID: p.OrderID, CustomerID: "cust-1", Status: domain.OrderPending, CreatedAt: base, UpdatedAt: base,
		}))
		attempts, err := payments.ListByOrder(ctx, p.OrderID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, p.ID, attempts[0].ID)
	})

	t.Run("duplicate reference rejected", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		orderID := seed(t, orders, domain.OrderPending)
		p := newPayment(orderID, "10.00", base)
		require.NoError(t, payments.Create(ctx, p))

		dup := newPayment(orderID, "10.00", base)
		dup.GatewayReference = p.GatewayReference
		assert.Error(t, payments.Create(ctx, dup))
	})

	t.Run("list by order newest first", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		orderID := seed(t, orders, domain.OrderPending)
		first := newPayment(orderID, "10.00", base)
		second := newPayment(orderID, "10.00", base.Add(time.Minute))
		require.NoError(t, payments.Create(ctx, first))
		require.NoError(t, payments.Create(ctx, second))

		list, err := payments.ListByOrder(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID)
		assert.Equal(t, first.ID, list[1].ID)
	})

	t.Run("transition is conditional", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		p := newPayment(seed(t, orders, domain.OrderPending), "40.00", base)
		require.NoError(t, payments.Create(ctx, p))

		paidAt := base.Add(time.Hour)
		got, err := payments.Transition(ctx, p.ID, Transition{
			From:                 []domain.EscrowStatus{domain.EscrowPending},
			To:                   domain.EscrowPaid,
			At:                   paidAt,
			GatewayTransactionID: "txn_1",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.EscrowPaid, got.Status)
		require.NotNil(t, got.PaidAt)
		assert.True(t, paidAt.Equal(*got.PaidAt))
		assert.Equal(t, "txn_1", got.GatewayTransactionID)

		_, err = payments.Transition(ctx, p.ID, Transition{
			From: []domain.EscrowStatus{domain.EscrowPending},
			To:   domain.EscrowFailed,
			At:   paidAt,
		})
		assert.ErrorIs(t, err, domain.ErrStatusConflict)

		got, err = payments.Transition(ctx, p.ID, Transition{
			From:            domain.AllowedFrom(domain.EscrowRefunded),
			To:              domain.EscrowRefunded,
			At:              paidAt.Add(time.Hour),
			Reason:          "Refund requested",
			RefundReference: "rfd_1",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.EscrowRefunded, got.Status)
		assert.Equal(t, "Refund requested", got.RefundReason)
		assert.Equal(t, "rfd_1", got.RefundReference)
	})

	t.Run("claim transfer", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		p := newPayment(seed(t, orders, domain.OrderDelivered), "15.00", base)
		require.NoError(t, payments.Create(ctx, p))

		// Only paid records can be claimed.
		assert.ErrorIs(t, payments.ClaimTransfer(ctx, p.ID, "", "tr_1", base), domain.ErrStatusConflict)

		_, err := payments.Transition(ctx, p.ID, Transition{
			From: []domain.EscrowStatus{domain.EscrowPending}, To: domain.EscrowPaid, At: base,
		})
		require.NoError(t, err)

		attempt := base.Add(time.Minute)
		require.NoError(t, payments.ClaimTransfer(ctx, p.ID, "", "tr_1", attempt))
		assert.ErrorIs(t, payments.ClaimTransfer(ctx, p.ID, "", "tr_2", attempt), domain.ErrStatusConflict)
		require.NoError(t, payments.ClaimTransfer(ctx, p.ID, "tr_1", "tr_2", attempt))

		got, err := payments.FindByTransferReference(ctx, "tr_2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, p.ID, got.ID)

		stale, err := payments.ListTransferAttemptsBefore(ctx, attempt.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, p.ID, stale[0].ID)

		stale, err = payments.ListTransferAttemptsBefore(ctx, attempt, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		assert.ErrorIs(t, payments.AbandonTransfer(ctx, p.ID, "tr_1", attempt), domain.ErrStatusConflict)
		require.NoError(t, payments.AbandonTransfer(ctx, p.ID, "tr_2", attempt.Add(time.Second)))
		got, err = payments.FindById(ctx, p.ID)
		require.NoError(t, err)
		assert.Nil(t, got.TransferAttemptedAt)
		assert.Equal(t, "tr_2", got.TransferReference)

		stale, err = payments.ListTransferAttemptsBefore(ctx, attempt.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		// The abandoned reference is still the one a new claim must replace.
		require.NoError(t, payments.ClaimTransfer(ctx, p.ID, "tr_2", "tr_3", attempt.Add(time.Minute)))
	})

	t.Run("claim refund", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		p := newPayment(seed(t, orders, domain.OrderDelivered), "15.00", base)
		require.NoError(t, payments.Create(ctx, p))
		_, err := payments.Transition(ctx, p.ID, Transition{
			From: []domain.EscrowStatus{domain.EscrowPending}, To: domain.EscrowPaid, At: base,
		})
		require.NoError(t, err)

		attempt := base.Add(time.Minute)
		claim := RefundClaim{Status: domain.EscrowPaid, At: attempt}
		assert.ErrorIs(t, payments.ClaimRefund(ctx, p.ID, RefundClaim{Status: domain.EscrowReleased, At: attempt}), domain.ErrStatusConflict)
		require.NoError(t, payments.ClaimRefund(ctx, p.ID, claim))
		assert.ErrorIs(t, payments.ClaimRefund(ctx, p.ID, claim), domain.ErrStatusConflict, "second claim must name the first")

		// A refund claim blocks any transfer claim.
		assert.ErrorIs(t, payments.ClaimTransfer(ctx, p.ID, "", "tr_1", attempt), domain.ErrStatusConflict)

		stale, err := payments.ListRefundAttemptsBefore(ctx, attempt.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, p.ID, stale[0].ID)
		require.NotNil(t, stale[0].RefundAttemptedAt)
		assert.True(t, attempt.Equal(*stale[0].RefundAttemptedAt))

		stale, err = payments.ListRefundAttemptsBefore(ctx, attempt, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		retry := attempt.Add(time.Hour)
		require.NoError(t, payments.ClaimRefund(ctx, p.ID, RefundClaim{Status: domain.EscrowPaid, PrevAttempt: &attempt, At: retry}))

		assert.ErrorIs(t, payments.ClearRefundClaim(ctx, p.ID, attempt, retry), domain.ErrStatusConflict)
		require.NoError(t, payments.ClearRefundClaim(ctx, p.ID, retry, retry))
		got, err := payments.FindById(ctx, p.ID)
		require.NoError(t, err)
		assert.Nil(t, got.RefundAttemptedAt)
		require.NoError(t, payments.ClaimTransfer(ctx, p.ID, "", "tr_1", retry))
	})

	t.Run("pending sweeps", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		orderID := seed(t, orders, domain.OrderPending)
		initialized := newPayment(orderID, "10.00", base)
		fresh := newPayment(orderID, "10.00", base)
		require.NoError(t, payments.Create(ctx, initialized))
		require.NoError(t, payments.Create(ctx, fresh))
		require.NoError(t, payments.RecordInitialization(ctx, initialized.ID, "https://checkout.test/x", base))

		ghosts, err := payments.ListPendingInitializedBefore(ctx, base.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, ghosts, 1)
		assert.Equal(t, initialized.ID, ghosts[0].ID)

		expired, err := payments.ListExpiredPending(ctx, base.Add(domain.DefaultHoldWindow+time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, expired, 2)

		expired, err = payments.ListExpiredPending(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("paid for delivered orders", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		delivered := seed(t, orders, domain.OrderDelivered)
		shipped := seed(t, orders, domain.OrderShipped)
		for _, orderID := range []string{delivered, shipped} {
			p := newPayment(orderID, "12.00", base)
			require.NoError(t, payments.Create(ctx, p))
			_, err := payments.Transition(ctx, p.ID, Transition{
				From: []domain.EscrowStatus{domain.EscrowPending}, To: domain.EscrowPaid, At: base,
			})
			require.NoError(t, err)
		}

		ids, err := orders.ListIDsByStatus(ctx, domain.OrderDelivered)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{delivered}, ids)

		eligible, err := payments.ListByStatusForOrders(ctx, domain.EscrowPaid, ids)
		require.NoError(t, err)
		require.Len(t, eligible, 1)
		assert.Equal(t, delivered, eligible[0].OrderID)
	})

	t.Run("totals", func(t *testing.T) {
		payments, orders := newRepos(t)
		ctx := context.Background()
		orderID := seed(t, orders, domain.OrderPending)
		for _, amount := range []string{"1.10", "2.20"} {
			require.NoError(t, payments.Create(ctx, newPayment(orderID, amount, base)))
		}
		failed := newPayment(orderID, "9.90", base)
		require.NoError(t, payments.Create(ctx, failed))
		_, err := payments.Transition(ctx, failed.ID, Transition{
			From: []domain.EscrowStatus{domain.EscrowPending}, To: domain.EscrowFailed, At: base, Reason: "expired",
		})
		require.NoError(t, err)

		totals, err := payments.Totals(ctx)
		require.NoError(t, err)
		byStatus := make(map[domain.EscrowStatus]domain.StatusTotal)
		for _, tot := range totals {
			byStatus[tot.Status] = tot
		}
		assert.Equal(t, 2, byStatus[domain.EscrowPending].Count)
		assert.Equal(t, "3.30", byStatus[domain.EscrowPending].Amount.StringFixed(2))
		assert.Equal(t, 1, byStatus[domain.EscrowFailed].Count)
		assert.Equal(t, "9.90", byStatus[domain.EscrowFailed].Amount.StringFixed(2))
	})

	t.Run("order status update", func(t *testing.T) {
		_, orders := newRepos(t)
		ctx := context.Background()
		id := seed(t, orders, domain.OrderShipped)
		require.NoError(t, orders.UpdateOrderStatus(ctx, id, domain.OrderDelivered, base.Add(time.Hour)))

		o, err := orders.FindById(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, domain.OrderDelivered, o.Status)
	})
}
