package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrow-payments/internal/domain"
)

// Transition describes a conditional status change. The update applies only
// while the stored status is one of From.
type Transition struct {
	From []domain.EscrowStatus
	To   domain.EscrowStatus
	At   time.Time
	// Reason is stored as release, refund or failure reason depending on To.
	Reason string
	// GatewayTransactionID is stored on the move to paid.
	GatewayTransactionID string
	// RefundReference is stored on the move to refunded.
	RefundReference string
}

// RefundClaim describes a conditional refund attempt. It applies only while
// the record is still in Status with the given transfer reference and its
// refund attempt timestamp still equals PrevAttempt.
type RefundClaim struct {
	Status            domain.EscrowStatus
	TransferReference string
	PrevAttempt       *time.Time
	At                time.Time
}

type EscrowRepo interface {
	Create(ctx context.Context, payment *domain.EscrowPayment) error
	// FindById returns nil, nil when no record has the id.
	FindById(ctx context.Context, id string) (*domain.EscrowPayment, error)
	// FindByReference looks up the record by its gateway reference; nil, nil when absent.
	FindByReference(ctx context.Context, reference string) (*domain.EscrowPayment, error)
	FindByTransferReference(ctx context.Context, reference string) (*domain.EscrowPayment, error)
	// ListByOrder returns every attempt for the order, newest first.
	ListByOrder(ctx context.Context, orderID string) ([]*domain.EscrowPayment, error)
	ListByStatusForOrders(ctx context.Context, status domain.EscrowStatus, orderIDs []string) ([]*domain.EscrowPayment, error)
	// ListPendingInitializedBefore returns pending records handed to the gateway before t.
	ListPendingInitializedBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*domain.EscrowPayment, error)
	// ListTransferAttemptsBefore returns paid records with a transfer attempt older than t.
	ListTransferAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error)
	// ListRefundAttemptsBefore returns paid or released records with an
	// unbooked refund attempt older than t.
	ListRefundAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error)

	// RecordInitialization stores the redirect URL of a pending record.
	RecordInitialization(ctx context.Context, id, authorizationURL string, at time.Time) error
	// ClaimTransfer replaces prevReference with reference on a paid record
	// that has no refund attempt. It returns domain.ErrStatusConflict when
	// another caller got there first.
	ClaimTransfer(ctx context.Context, id, prevReference, reference string, at time.Time) error
	// AbandonTransfer clears the attempt time of a transfer known to have
	// had no effect. The reference is kept so the gateway can still be asked
	// about it.
	AbandonTransfer(ctx context.Context, id, reference string, at time.Time) error
	// ClaimRefund records a refund attempt, or domain.ErrStatusConflict.
	ClaimRefund(ctx context.Context, id string, c RefundClaim) error
	// ClearRefundClaim drops a refund attempt the gateway rejected.
	ClearRefundClaim(ctx context.Context, id string, attempt time.Time, at time.Time) error
	// Transition applies t and returns the updated record, or
	// domain.ErrStatusConflict when the stored status is not in t.From.
	Transition(ctx context.Context, id string, t Transition) (*domain.EscrowPayment, error)
	Totals(ctx context.Context) ([]domain.StatusTotal, error)
}

type escrowRepo struct {
	db *sql.DB
}

func NewEscrowRepo(db *sql.DB) EscrowRepo {
	return &escrowRepo{db: db}
}

const escrowColumns = `id, order_id, customer_id, amount, currency, status,
	paystack_reference, authorization_url, metadata, created_at, updated_at, expires_at,
	paid_at, gateway_transaction_id, transfer_reference, transfer_attempted_at,
	released_at, release_reason, refunded_at, refund_reason, refund_reference,
	failed_at, failure_reason, refund_attempted_at`

func (r *escrowRepo) Create(ctx context.Context, p *domain.EscrowPayment) error {
	query := `INSERT INTO escrow_payments (
		id, order_id, customer_id, amount, currency, status,
		paystack_reference, metadata, created_at, updated_at, expires_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.OrderID, p.CustomerID, p.Amount, p.Currency, string(p.Status),
		p.GatewayReference, p.Metadata, p.CreatedAt, p.UpdatedAt, p.ExpiresAt,
	)
	return err
}

func (r *escrowRepo) FindById(ctx context.Context, id string) (*domain.EscrowPayment, error) {
	return r.findOne(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE id = $1`, id)
}

func (r *escrowRepo) FindByReference(ctx context.Context, reference string) (*domain.EscrowPayment, error) {
	return r.findOne(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE paystack_reference = $1`, reference)
}

func (r *escrowRepo) FindByTransferReference(ctx context.Context, reference string) (*domain.EscrowPayment, error) {
	return r.findOne(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE transfer_reference = $1`, reference)
}

func (r *escrowRepo) findOne(ctx context.Context, query string, arg any) (*domain.EscrowPayment, error) {
	p, err := scanEscrow(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *escrowRepo) ListByOrder(ctx context.Context, orderID string) ([]*domain.EscrowPayment, error) {
	return r.query(ctx, `SELECT `+escrowColumns+` FROM escrow_payments
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC`, orderID)
}

func (r *escrowRepo) ListByStatusForOrders(ctx context.Context, status domain.EscrowStatus, orderIDs []string) ([]*domain.EscrowPayment, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	return r.query(ctx, `SELECT `+escrowColumns+` FROM escrow_payments
		WHERE status = $1 AND order_id = ANY($2)
		ORDER BY created_at`, string(status), orderIDs)
}

func (r *escrowRepo) ListPendingInitializedBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return r.query(ctx, `SELECT `+escrowColumns+` FROM escrow_payments
		WHERE status = 'pending' AND authorization_url IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
}

func (r *escrowRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return r.query(ctx, `SELECT `+escrowColumns+` FROM escrow_payments
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

func (r *escrowRepo) ListTransferAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return r.query(ctx, `SELECT `+escrowColumns+` FROM escrow_payments
		WHERE status = 'paid' AND transfer_reference IS NOT NULL AND transfer_attempted_at < $1
		ORDER BY transfer_attempted_at
		LIMIT $2`, before, limit)
}

func (r *escrowRepo) ListRefundAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]*domain.EscrowPayment, error) {
	return r.query(ctx, `SELECT `+escrowColumns+` FROM escrow_payments
		WHERE status IN ('paid', 'released') AND refund_attempted_at < $1
		ORDER BY refund_attempted_at
		LIMIT $2`, before, limit)
}

func (r *escrowRepo) RecordInitialization(ctx context.Context, id, authorizationURL string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET authorization_url = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`, id, authorizationURL, at)
	return affectedOne(res, err)
}

func (r *escrowRepo) ClaimTransfer(ctx context.Context, id, prevReference, reference string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET transfer_reference = $3, transfer_attempted_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'paid' AND refund_attempted_at IS NULL
		  AND COALESCE(transfer_reference, '') = $2`, id, prevReference, reference, at)
	return affectedOne(res, err)
}

func (r *escrowRepo) AbandonTransfer(ctx context.Context, id, reference string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET transfer_attempted_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'paid' AND transfer_reference = $2`, id, reference, at)
	return affectedOne(res, err)
}

func (r *escrowRepo) ClaimRefund(ctx context.Context, id string, c RefundClaim) error {
	var prev sql.NullTime
	if c.PrevAttempt != nil {
		prev = sql.NullTime{Time: *c.PrevAttempt, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET refund_attempted_at = $5, updated_at = $5
		WHERE id = $1 AND status = $2
		  AND COALESCE(transfer_reference, '') = $3
		  AND refund_attempted_at IS NOT DISTINCT FROM $4`,
		id, string(c.Status), c.TransferReference, prev, c.At)
	return affectedOne(res, err)
}

func (r *escrowRepo) ClearRefundClaim(ctx context.Context, id string, attempt time.Time, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET refund_attempted_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('paid', 'released') AND refund_attempted_at = $2`, id, attempt, at)
	return affectedOne(res, err)
}

func (r *escrowRepo) Transition(ctx context.Context, id string, t Transition) (*domain.EscrowPayment, error) {
	if len(t.From) == 0 {
		return nil, fmt.Errorf("transition to %s: no source status", t.To)
	}
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	args := []any{id, from, string(t.To), t.At}
	set := []string{"status = $3", "updated_at = $4"}
	switch t.To {
	case domain.EscrowPaid:
		args = append(args, nullString(t.GatewayTransactionID))
		set = append(set, "paid_at = $4", "gateway_transaction_id = $5")
	case domain.EscrowReleased:
		args = append(args, nullString(t.Reason))
		set = append(set, "released_at = $4", "release_reason = $5")
	case domain.EscrowRefunded:
		args = append(args, nullString(t.Reason), nullString(t.RefundReference))
		set = append(set, "refunded_at = $4", "refund_reason = $5", "refund_reference = $6")
	case domain.EscrowFailed:
		args = append(args, nullString(t.Reason))
		set = append(set, "failed_at = $4", "failure_reason = $5")
	default:
		return nil, fmt.Errorf("transition to %s is not allowed", t.To)
	}

	query := `UPDATE escrow_payments SET ` + strings.Join(set, ", ") + `
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + escrowColumns

	p, err := scanEscrow(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *escrowRepo) Totals(ctx context.Context) ([]domain.StatusTotal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		FROM escrow_payments
		GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.StatusTotal
	for rows.Next() {
		var (
			t      domain.StatusTotal
			status string
		)
		if err := rows.Scan(&status, &t.Count, &t.Amount); err != nil {
			return nil, err
		}
		t.Status = domain.EscrowStatus(status)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (r *escrowRepo) query(ctx context.Context, query string, args ...any) ([]*domain.EscrowPayment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*domain.EscrowPayment
	for rows.Next() {
		p, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*domain.EscrowPayment, error) {
	var (
		p                                          domain.EscrowPayment
		status                                     string
		authURL, gatewayTxnID, transferRef         sql.NullString
		releaseReason, refundReason, refundRef     sql.NullString
		failureReason                              sql.NullString
		paidAt, transferAt, releasedAt, refundedAt sql.NullTime
		failedAt, refundAttemptAt                  sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.Amount, &p.Currency, &status,
		&p.GatewayReference, &authURL, &p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt,
		&paidAt, &gatewayTxnID, &transferRef, &transferAt,
		&releasedAt, &releaseReason, &refundedAt, &refundReason, &refundRef,
		&failedAt, &failureReason, &refundAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.EscrowStatus(status)
	p.AuthorizationURL = authURL.String
	p.GatewayTransactionID = gatewayTxnID.String
	p.TransferReference = transferRef.String
	p.ReleaseReason = releaseReason.String
	p.RefundReason = refundReason.String
	p.RefundReference = refundRef.String
	p.FailureReason = failureReason.String
	p.PaidAt = timePtr(paidAt)
	p.TransferAttemptedAt = timePtr(transferAt)
	p.ReleasedAt = timePtr(releasedAt)
	p.RefundedAt = timePtr(refundedAt)
	p.FailedAt = timePtr(failedAt)
	p.RefundAttemptedAt = timePtr(refundAttemptAt)
	return &p, nil
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
