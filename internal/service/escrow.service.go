package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrow-payments/internal/config"
	"escrow-payments/internal/domain"
	"escrow-payments/internal/infrastructure/payment"
	"escrow-payments/internal/logging"
	"escrow-payments/internal/metrics"
	"escrow-payments/internal/repo"
	"escrow-payments/internal/retry"
	"escrow-payments/internal/syncutil"
	"escrow-payments/internal/traces"
)

const (
	DefaultReleaseReason      = "Manual release"
	AutoReleaseReason         = "Order delivered - auto-release"
	ReconciledReleaseReason   = "Transfer confirmed by reconciliation"
	ReconciledRefundReason    = "Refund confirmed by reconciliation"
	DefaultRefundReason       = "Refund requested"
	DefaultCancelReason       = "Cancelled"
	ExpiredReason             = "expired"
	defaultSweepConcurrency   = 4
	ledgerWriteAttempts       = 3
	ledgerWriteBaseDelay      = 200 * time.Millisecond
	claimLeaseMargin          = 30 * time.Second
	msgTransferInProgress     = "Transfer in progress"
	msgRefundInProgress       = "Refund in progress"
	msgRefundPending          = "Refund submitted, awaiting confirmation"
	msgTransferPending        = "Transfer submitted, awaiting confirmation"
	msgNoMerchantAccount      = "No merchant account configured for escrow payment"
	msgExpired                = "Escrow payment has expired"
	msgAlreadyPaid            = "Escrow payment has already been paid"
	msgAmountMismatch         = "verified amount does not match escrow payment"
	msgReferenceNotFound      = "Escrow payment not found for reference"
	msgPreviousTransferFailed = "Previous transfer attempt failed"
)

// Options configures the escrow manager. It replaces a process-wide
// singleton: build it once from config and pass it in.
type Options struct {
	HoldWindow             time.Duration
	DefaultMerchantAccount string
	CallbackURL            string
	TransferSource         string
	DefaultCurrency        string
	GatewayTimeout         time.Duration
	// ClaimLease is how long a transfer or refund attempt is treated as in
	// flight by other callers. Zero means GatewayTimeout plus a margin.
	ClaimLease time.Duration
	// MaxAmount caps a single escrow payment. Zero means no cap.
	MaxAmount decimal.Decimal
	// ExpirePending moves abandoned pending payments to failed.
	ExpirePending    bool
	SweepConcurrency int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HoldWindow:             cfg.HoldWindow,
		DefaultMerchantAccount: cfg.DefaultMerchantAccount,
		CallbackURL:            cfg.CallbackURL,
		TransferSource:         cfg.TransferSource,
		DefaultCurrency:        cfg.DefaultCurrency,
		GatewayTimeout:         cfg.GatewayTimeout,
		ClaimLease:             cfg.ClaimLease,
		MaxAmount:              cfg.MaxEscrowAmount,
		ExpirePending:          cfg.ExpirePending,
	}
}

type CreateEscrowRequest struct {
	OrderID    string          `json:"orderId"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Metadata   domain.Metadata `json:"metadata"`
}

// PaymentResult is the outcome of initializing or verifying a payment.
type PaymentResult struct {
	Success          bool                `json:"success"`
	AuthorizationURL string              `json:"authorizationUrl,omitempty"`
	AccessCode       string              `json:"accessCode,omitempty"`
	Reference        string              `json:"reference,omitempty"`
	Status           domain.EscrowStatus `json:"status,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// EscrowReleaseResult is the outcome of a release or refund. Success is
// false without an error when the gateway accepted a transfer that has not
// settled yet.
type EscrowReleaseResult struct {
	Success       bool                  `json:"success"`
	TransactionID string                `json:"transactionId,omitempty"`
	Payment       *domain.EscrowPayment `json:"escrowPayment,omitempty"`
	Error         string                `json:"error,omitempty"`
}

type SweepFailure struct {
	EscrowID string `json:"escrowId"`
	Error    string `json:"error"`
}

// SweepReport summarises one auto-release run.
type SweepReport struct {
	Eligible int            `json:"eligible"`
	Released int            `json:"released"`
	Pending  int            `json:"pending"`
	Failures []SweepFailure `json:"failures"`
	Error    string         `json:"error,omitempty"`
}

// EscrowService is the only component allowed to change the status of an
// escrow payment.
type EscrowService interface {
	CreateEscrowPayment(ctx context.Context, req CreateEscrowRequest) (*domain.EscrowPayment, error)
	ProcessEscrowPayment(ctx context.Context, escrowID, customerEmail, callbackURL string) (*PaymentResult, error)
	VerifyPayment(ctx context.Context, reference string) (*PaymentResult, error)
	ReleaseEscrowPayment(ctx context.Context, escrowID, reason string) (*EscrowReleaseResult, error)
	RefundEscrowPayment(ctx context.Context, escrowID, reason string) (*EscrowReleaseResult, error)
	CancelEscrowPayment(ctx context.Context, escrowID, reason string) (*domain.EscrowPayment, error)
	// ConfirmTransfer settles a release from a transfer reference, as
	// reported by a webhook. The gateway is always re-queried.
	ConfirmTransfer(ctx context.Context, transferReference string) (*EscrowReleaseResult, error)
	// ReconcileTransfer settles the outstanding transfer attempt of a paid record.
	ReconcileTransfer(ctx context.Context, escrowID string) (*EscrowReleaseResult, error)
	// ReconcileRefund books a refund attempt the gateway has already settled.
	ReconcileRefund(ctx context.Context, escrowID string) (*EscrowReleaseResult, error)
	// ExpireEscrowPayment applies the expiry policy to one pending record.
	ExpireEscrowPayment(ctx context.Context, escrowID string) (*domain.EscrowPayment, error)
	AutoReleaseEscrowPayments(ctx context.Context) SweepReport
	// GetEscrowPaymentStatus returns nil, nil when no record has the id.
	GetEscrowPaymentStatus(ctx context.Context, escrowID string) (*domain.EscrowPayment, error)
	GetEscrowPaymentsByOrder(ctx context.Context, orderID string) ([]*domain.EscrowPayment, error)
	GetPaymentStats(ctx context.Context) (*domain.PaymentStats, error)
}

type escrowService struct {
	payments repo.EscrowRepo
	orders   repo.OrderRepo
	gateway  payment.Gateway
	opts     Options
	logger   *slog.Logger
	locks    *syncutil.ShardedMutex
}

func NewEscrowService(
	payments repo.EscrowRepo,
	orders repo.OrderRepo,
	gateway payment.Gateway,
	opts Options,
	logger *slog.Logger,
) EscrowService {
	if opts.HoldWindow <= 0 {
		opts.HoldWindow = domain.DefaultHoldWindow
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = config.DefaultCurrency
	}
	if opts.TransferSource == "" {
		opts.TransferSource = config.DefaultTransferSource
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = defaultSweepConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = opts.GatewayTimeout + claimLeaseMargin
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &escrowService{
		payments: payments,
		orders:   orders,
		gateway:  gateway,
		opts:     opts,
		logger:   logger,
		locks:    &syncutil.ShardedMutex{},
	}
}

func (s *escrowService) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *escrowService) log(ctx context.Context) *slog.Logger {
	return logging.L(ctx, s.logger)
}

func (s *escrowService) CreateEscrowPayment(ctx context.Context, req CreateEscrowRequest) (*domain.EscrowPayment, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.opts.DefaultCurrency
	}
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now()
	id := uuid.NewString()
	p := &domain.EscrowPayment{
		ID:               id,
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           domain.EscrowPending,
		GatewayReference: gatewayReference(req.OrderID, now, id),
		Metadata:         req.Metadata.Clone(),
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(s.opts.HoldWindow),
	}

	if err := s.payments.Create(ctx, p); err != nil {
		s.log(ctx).Error("failed to create escrow payment", "orderId", p.OrderID, "error", err)
		return nil, domain.PersistenceErr(err)
	}

	metrics.CreatedTotal.Inc()
	s.log(ctx).Info("escrow payment created",
		"escrowId", p.ID, "orderId", p.OrderID, "amount", p.Amount.StringFixed(2), "currency", p.Currency)
	return p, nil
}

func (s *escrowService) validateCreate(req CreateEscrowRequest) error {
	switch {
	case req.OrderID == "":
		return domain.ValidationErr("orderId is required")
	case req.CustomerID == "":
		return domain.ValidationErr("customerId is required")
	case !req.Amount.IsPositive():
		return domain.ValidationErr("amount must be greater than zero")
	case !req.Amount.Equal(req.Amount.Round(2)):
		return domain.ValidationErr(domain.ErrAmountPrecision.Error())
	case s.opts.MaxAmount.IsPositive() && req.Amount.GreaterThan(s.opts.MaxAmount):
		return domain.ValidationErr("amount exceeds the maximum of " + s.opts.MaxAmount.StringFixed(2))
	case len(req.Currency) != 3:
		return domain.ValidationErr("currency must be a three-letter code")
	}
	return nil
}

// gatewayReference is unique per attempt: the order and creation time
// identify it for humans, the id suffix breaks same-millisecond ties.
func gatewayReference(orderID string, at time.Time, id string) string {
	return fmt.Sprintf("escrow_%s_%d_%s", orderID, at.UnixMilli(), id[:8])
}

func transferReference(escrowID string, at time.Time, prev string) string {
	ms := at.UnixMilli()
	ref := fmt.Sprintf("escrow_%s_transfer_%d", escrowID, ms)
	if ref == prev {
		ref = fmt.Sprintf("escrow_%s_transfer_%d", escrowID, ms+1)
	}
	return ref
}

func (s *escrowService) ProcessEscrowPayment(ctx context.Context, escrowID, customerEmail, callbackURL string) (result *PaymentResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Process", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	if _, perr := mail.ParseAddress(customerEmail); perr != nil {
		return nil, domain.ValidationErr("a valid customer email is required")
	}

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	p, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.EscrowPending {
		return nil, s.reject(ctx, "process", p, domain.MsgNotPending)
	}
	if p.IsExpired(s.now()) {
		return nil, s.reject(ctx, "process", p, msgExpired)
	}
	if callbackURL == "" {
		callbackURL = s.opts.CallbackURL
	}

	meta := map[string]string{
		"escrowId":   p.ID,
		"orderId":    p.OrderID,
		"customerId": p.CustomerID,
	}
	for k, v := range p.Metadata.Extra {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	initRes, err := s.gateway.Initialize(gctx, payment.InitializeRequest{
		AmountMinor: p.AmountMinor(),
		Currency:    p.Currency,
		Email:       customerEmail,
		Reference:   p.GatewayReference,
		CallbackURL: callbackURL,
		Metadata:    meta,
	})
	if err != nil {
		s.log(ctx).Warn("payment initialization failed", "escrowId", p.ID, "reference", p.GatewayReference, "error", err)
		return nil, domain.GatewayErr(payment.MessageOf(err), err)
	}

	if err := s.payments.RecordInitialization(ctx, p.ID, initRes.AuthorizationURL, s.now()); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotPending, err)
		}
		return nil, domain.PersistenceErr(err)
	}

	s.log(ctx).Info("payment initialized", "escrowId", p.ID, "reference", p.GatewayReference)
	return &PaymentResult{
		Success:          true,
		AuthorizationURL: initRes.AuthorizationURL,
		AccessCode:       initRes.AccessCode,
		Reference:        p.GatewayReference,
		Status:           domain.EscrowPending,
	}, nil
}

func (s *escrowService) VerifyPayment(ctx context.Context, reference string) (result *PaymentResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Verify", traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, domain.ValidationErr("reference is required")
	}

	found, err := s.payments.FindByReference(ctx, reference)
	if err != nil {
		return nil, domain.PersistenceErr(err)
	}
	if found == nil {
		return nil, domain.NotFoundErr(msgReferenceNotFound)
	}

	unlock := s.locks.Lock(found.ID)
	defer unlock()

	p, err := s.load(ctx, found.ID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case domain.EscrowPaid, domain.EscrowReleased, domain.EscrowRefunded:
		// Already confirmed; repeat verifications are no-ops.
		return &PaymentResult{Success: true, Reference: reference, Status: p.Status}, nil
	case domain.EscrowFailed:
		return nil, s.reject(ctx, "verify", p, domain.MsgNotPending)
	}

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	res, err := s.gateway.Verify(gctx, reference)
	if err != nil {
		return nil, domain.GatewayErr(payment.MessageOf(err), err)
	}
	if !res.Succeeded() {
		return &PaymentResult{
			Success:   false,
			Reference: reference,
			Status:    p.Status,
			Error:     domain.SanitizeGatewayMessage("Payment not completed: " + res.Status),
		}, nil
	}
	if res.AmountMinor != p.AmountMinor() || (res.Currency != "" && !strings.EqualFold(res.Currency, p.Currency)) {
		s.log(ctx).Error("verified transaction does not match escrow payment",
			"escrowId", p.ID, "reference", reference,
			"expectedMinor", p.AmountMinor(), "gotMinor", res.AmountMinor,
			"expectedCurrency", p.Currency, "gotCurrency", res.Currency)
		return nil, domain.GatewayErr(msgAmountMismatch, nil)
	}

	updated, err := s.apply(ctx, p, repo.Transition{
		To:                   domain.EscrowPaid,
		At:                   s.now(),
		GatewayTransactionID: res.TransactionID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotPending, err)
		}
		return nil, domain.PersistenceErr(err)
	}

	s.log(ctx).Info("payment verified", "escrowId", p.ID, "reference", reference, "status", updated.Status)
	return &PaymentResult{Success: true, Reference: reference, Status: updated.Status}, nil
}

func (s *escrowService) ReleaseEscrowPayment(ctx context.Context, escrowID, reason string) (result *EscrowReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	if reason == "" {
		reason = DefaultReleaseReason
	}

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	p, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.EscrowPaid {
		return nil, s.reject(ctx, "release", p, domain.MsgNotPaid)
	}
	if p.RefundAttemptedAt != nil {
		return nil, s.reject(ctx, "release", p, msgRefundInProgress)
	}

	recipient := p.Metadata.MerchantAccount
	if recipient == "" {
		recipient = s.opts.DefaultMerchantAccount
	}
	if recipient == "" {
		return nil, domain.ValidationErr(msgNoMerchantAccount)
	}

	if p.TransferReference != "" {
		prev, err := s.checkTransfer(ctx, p)
		if err != nil {
			return nil, err
		}
		switch {
		case prev == nil && s.claimLive(p.TransferAttemptedAt):
			// Another caller may still be waiting on the gateway.
			return nil, domain.GatewayErr(msgTransferInProgress, nil)
		case prev == nil:
		case prev.Succeeded():
			return s.finishRelease(ctx, p, reason, prev.TransferCode)
		case prev.InFlight():
			return nil, domain.GatewayErr(msgTransferInProgress, nil)
		}
	}

	now := s.now()
	ref := transferReference(p.ID, now, p.TransferReference)
	if err := s.payments.ClaimTransfer(ctx, p.ID, p.TransferReference, ref, now); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotPaid, err)
		}
		return nil, domain.PersistenceErr(err)
	}
	p.TransferReference = ref
	p.TransferAttemptedAt = &now

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	res, err := s.gateway.Transfer(gctx, payment.TransferRequest{
		Source:      s.opts.TransferSource,
		AmountMinor: p.AmountMinor(),
		Currency:    p.Currency,
		Recipient:   recipient,
		Reason:      reason,
		Reference:   ref,
	})
	if err != nil {
		s.log(ctx).Warn("transfer failed", "escrowId", p.ID, "reference", ref, "error", err)
		if payment.IsRejected(err) {
			s.abandonTransfer(ctx, p)
		}
		return nil, domain.GatewayErr(payment.MessageOf(err), err)
	}

	switch {
	case res.Succeeded():
		return s.finishRelease(ctx, p, reason, res.TransferCode)
	case res.InFlight():
		s.log(ctx).Info("transfer awaiting confirmation", "escrowId", p.ID, "reference", ref, "status", res.Status)
		return &EscrowReleaseResult{Success: false, TransactionID: res.TransferCode, Payment: p, Error: msgTransferPending}, nil
	default:
		s.abandonTransfer(ctx, p)
		return nil, domain.GatewayErr("transfer "+res.Status, nil)
	}
}

// claimLive reports whether an attempt started at attemptedAt may still be
// in progress on another caller.
func (s *escrowService) claimLive(attemptedAt *time.Time) bool {
	return attemptedAt != nil && s.now().Sub(*attemptedAt) < s.opts.ClaimLease
}

// abandonTransfer marks the record's transfer attempt as having had no
// effect so it is neither treated as in flight nor reconciled again.
func (s *escrowService) abandonTransfer(ctx context.Context, p *domain.EscrowPayment) {
	if p.TransferReference == "" {
		return
	}
	if err := s.payments.AbandonTransfer(ctx, p.ID, p.TransferReference, s.now()); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
		s.log(ctx).Warn("failed to clear transfer attempt", "escrowId", p.ID, "transferReference", p.TransferReference, "error", err)
		return
	}
	p.TransferAttemptedAt = nil
}

// checkTransfer asks the gateway about the record's outstanding transfer
// attempt. A nil result means the gateway has not seen the reference; a
// non-nil result that neither succeeded nor is in flight failed for good.
func (s *escrowService) checkTransfer(ctx context.Context, p *domain.EscrowPayment) (*payment.TransferResult, error) {
	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()

	res, err := s.gateway.VerifyTransfer(gctx, p.TransferReference)
	if errors.Is(err, payment.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.GatewayErr(payment.MessageOf(err), err)
	}
	return res, nil
}

// finishRelease records a transfer that has already moved funds. The
// ledger write is retried; if it still fails the record stays paid with its
// transfer reference and reconciliation picks it up.
func (s *escrowService) finishRelease(ctx context.Context, p *domain.EscrowPayment, reason, transferCode string) (*EscrowReleaseResult, error) {
	var updated *domain.EscrowPayment
	err := retry.Do(ctx, ledgerWriteAttempts, ledgerWriteBaseDelay, func() error {
		var err error
		updated, err = s.apply(ctx, p, repo.Transition{To: domain.EscrowReleased, At: s.now(), Reason: reason})
		if errors.Is(err, domain.ErrStatusConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.log(ctx).Error("CRITICAL: transfer completed but escrow payment not marked released",
			"escrowId", p.ID, "transferReference", p.TransferReference, "transferCode", transferCode, "error", err)
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotPaid, err)
		}
		return nil, domain.PersistenceErr(err)
	}

	s.log(ctx).Info("escrow payment released", "escrowId", p.ID, "transferReference", p.TransferReference)
	return &EscrowReleaseResult{Success: true, TransactionID: transferCode, Payment: updated}, nil
}

func (s *escrowService) ConfirmTransfer(ctx context.Context, transferReference string) (*EscrowReleaseResult, error) {
	if transferReference == "" {
		return nil, domain.ValidationErr("transfer reference is required")
	}
	p, err := s.payments.FindByTransferReference(ctx, transferReference)
	if err != nil {
		return nil, domain.PersistenceErr(err)
	}
	if p == nil {
		return nil, domain.NotFoundErr(msgReferenceNotFound)
	}
	return s.ReconcileTransfer(ctx, p.ID)
}

func (s *escrowService) ReconcileTransfer(ctx context.Context, escrowID string) (result *EscrowReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReconcileTransfer", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	p, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.EscrowReleased {
		return &EscrowReleaseResult{Success: true, Payment: p}, nil
	}
	if p.Status != domain.EscrowPaid || p.TransferReference == "" {
		return nil, s.reject(ctx, "reconcile_transfer", p, domain.MsgNotPaid)
	}

	res, err := s.checkTransfer(ctx, p)
	if err != nil {
		return nil, err
	}
	switch {
	case res == nil && s.claimLive(p.TransferAttemptedAt):
		return &EscrowReleaseResult{Success: false, Payment: p, Error: msgTransferPending}, nil
	case res == nil:
	case res.Succeeded():
		return s.finishRelease(ctx, p, ReconciledReleaseReason, res.TransferCode)
	case res.InFlight():
		return &EscrowReleaseResult{Success: false, TransactionID: res.TransferCode, Payment: p, Error: msgTransferPending}, nil
	}
	s.abandonTransfer(ctx, p)
	return &EscrowReleaseResult{Success: false, Payment: p, Error: msgPreviousTransferFailed}, nil
}

func (s *escrowService) RefundEscrowPayment(ctx context.Context, escrowID, reason string) (result *EscrowReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	if reason == "" {
		reason = DefaultRefundReason
	}

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	p, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(p.Status, domain.EscrowRefunded) {
		return nil, s.reject(ctx, "refund", p, domain.MsgNotRefundable)
	}

	// A paid record may have a transfer out. Settle it first so the refund
	// is booked against the right status.
	if p.Status == domain.EscrowPaid && p.TransferReference != "" {
		prev, err := s.checkTransfer(ctx, p)
		if err != nil {
			return nil, err
		}
		switch {
		case prev == nil && s.claimLive(p.TransferAttemptedAt):
			return nil, domain.InvalidStateErr(msgTransferInProgress, nil)
		case prev == nil:
		case prev.InFlight():
			return nil, domain.InvalidStateErr(msgTransferInProgress, nil)
		case prev.Succeeded():
			released, err := s.finishRelease(ctx, p, ReconciledReleaseReason, prev.TransferCode)
			if err != nil {
				return nil, err
			}
			p = released.Payment
		}
	}

	// An earlier attempt may have refunded the customer without the ledger
	// recording it. Never send a second refund for it.
	if p.RefundAttemptedAt != nil {
		settled, err := s.refundSettled(ctx, p)
		if err != nil {
			return nil, err
		}
		if settled {
			return s.finishRefund(ctx, p, reason, "")
		}
		if s.claimLive(p.RefundAttemptedAt) {
			return nil, domain.InvalidStateErr(msgRefundInProgress, nil)
		}
	}

	firstAttempt := p.RefundAttemptedAt == nil
	now := s.now()
	if err := s.payments.ClaimRefund(ctx, p.ID, repo.RefundClaim{
		Status:            p.Status,
		TransferReference: p.TransferReference,
		PrevAttempt:       p.RefundAttemptedAt,
		At:                now,
	}); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotRefundable, err)
		}
		return nil, domain.PersistenceErr(err)
	}
	p.RefundAttemptedAt = &now

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	res, err := s.gateway.Refund(gctx, payment.RefundRequest{
		TransactionReference: p.GatewayReference,
		AmountMinor:          p.AmountMinor(),
		Reason:               reason,
	})
	if err != nil {
		s.log(ctx).Warn("refund failed", "escrowId", p.ID, "reference", p.GatewayReference, "error", err)
		// A rejected first attempt moved nothing. A rejected retry may be
		// the gateway refusing a refund that already happened, so its claim
		// stays for reconciliation.
		if firstAttempt && payment.IsRejected(err) {
			if cerr := s.payments.ClearRefundClaim(ctx, p.ID, now, s.now()); cerr != nil {
				s.log(ctx).Warn("failed to clear refund attempt", "escrowId", p.ID, "error", cerr)
			}
		}
		return nil, domain.GatewayErr(payment.MessageOf(err), err)
	}
	return s.finishRefund(ctx, p, reason, res.RefundID)
}

// refundSettled reports whether the gateway shows the record's payment as
// reversed.
func (s *escrowService) refundSettled(ctx context.Context, p *domain.EscrowPayment) (bool, error) {
	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()

	res, err := s.gateway.Verify(gctx, p.GatewayReference)
	if errors.Is(err, payment.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.GatewayErr(payment.MessageOf(err), err)
	}
	return res.Status == payment.TxnReversed, nil
}

// finishRefund records a refund the gateway has completed. Like
// finishRelease, a failed write leaves the refund attempt on the record for
// reconciliation.
func (s *escrowService) finishRefund(ctx context.Context, p *domain.EscrowPayment, reason, refundID string) (*EscrowReleaseResult, error) {
	var updated *domain.EscrowPayment
	err := retry.Do(ctx, ledgerWriteAttempts, ledgerWriteBaseDelay, func() error {
		var err error
		updated, err = s.apply(ctx, p, repo.Transition{
			To:              domain.EscrowRefunded,
			At:              s.now(),
			Reason:          reason,
			RefundReference: refundID,
		})
		if errors.Is(err, domain.ErrStatusConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.log(ctx).Error("CRITICAL: refund completed but escrow payment not marked refunded",
			"escrowId", p.ID, "refundId", refundID, "error", err)
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotRefundable, err)
		}
		return nil, domain.PersistenceErr(err)
	}

	s.log(ctx).Info("escrow payment refunded", "escrowId", p.ID, "refundId", refundID)
	return &EscrowReleaseResult{Success: true, TransactionID: refundID, Payment: updated}, nil
}

func (s *escrowService) ReconcileRefund(ctx context.Context, escrowID string) (result *EscrowReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReconcileRefund", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	p, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.EscrowRefunded {
		return &EscrowReleaseResult{Success: true, TransactionID: p.RefundReference, Payment: p}, nil
	}
	if !domain.CanTransition(p.Status, domain.EscrowRefunded) || p.RefundAttemptedAt == nil {
		return nil, s.reject(ctx, "reconcile_refund", p, domain.MsgNotRefundable)
	}

	settled, err := s.refundSettled(ctx, p)
	if err != nil {
		return nil, err
	}
	if !settled {
		return &EscrowReleaseResult{Success: false, Payment: p, Error: msgRefundPending}, nil
	}
	return s.finishRefund(ctx, p, ReconciledRefundReason, "")
}

func (s *escrowService) CancelEscrowPayment(ctx context.Context, escrowID, reason string) (*domain.EscrowPayment, error) {
	if reason == "" {
		reason = DefaultCancelReason
	}

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	p, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.EscrowPending {
		return nil, s.reject(ctx, "cancel", p, domain.MsgNotPending)
	}

	paid, err := s.settleIfPaid(ctx, p)
	if err != nil {
		return nil, err
	}
	if paid != nil {
		return nil, domain.InvalidStateErr(msgAlreadyPaid, nil)
	}
	return s.fail(ctx, p, reason)
}

func (s *escrowService) ExpireEscrowPayment(ctx context.Context, escrowID string) (*domain.EscrowPayment, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	p, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !p.IsExpired(s.now()) {
		return p, nil
	}

	paid, err := s.settleIfPaid(ctx, p)
	if err != nil {
		return nil, err
	}
	if paid != nil {
		return paid, nil
	}
	if !s.opts.ExpirePending {
		return p, nil
	}
	return s.fail(ctx, p, ExpiredReason)
}

// settleIfPaid re-verifies a pending record that was handed to the gateway
// and moves it to paid when the customer did pay. It returns nil when the
// record is still unpaid.
func (s *escrowService) settleIfPaid(ctx context.Context, p *domain.EscrowPayment) (*domain.EscrowPayment, error) {
	if p.AuthorizationURL == "" {
		return nil, nil
	}

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	res, err := s.gateway.Verify(gctx, p.GatewayReference)
	if errors.Is(err, payment.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.GatewayErr(payment.MessageOf(err), err)
	}
	if !res.Succeeded() || res.AmountMinor != p.AmountMinor() {
		return nil, nil
	}

	updated, err := s.apply(ctx, p, repo.Transition{
		To:                   domain.EscrowPaid,
		At:                   s.now(),
		GatewayTransactionID: res.TransactionID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotPending, err)
		}
		return nil, domain.PersistenceErr(err)
	}
	s.log(ctx).Info("late payment recovered", "escrowId", p.ID, "reference", p.GatewayReference)
	return updated, nil
}

func (s *escrowService) fail(ctx context.Context, p *domain.EscrowPayment, reason string) (*domain.EscrowPayment, error) {
	updated, err := s.apply(ctx, p, repo.Transition{To: domain.EscrowFailed, At: s.now(), Reason: reason})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.InvalidStateErr(domain.MsgNotPending, err)
		}
		return nil, domain.PersistenceErr(err)
	}
	s.log(ctx).Info("escrow payment failed", "escrowId", p.ID, "reason", reason)
	return updated, nil
}

func (s *escrowService) AutoReleaseEscrowPayments(ctx context.Context) SweepReport {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease")
	defer span.End()
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("auto_release").Observe(time.Since(start).Seconds()) }()

	report := SweepReport{Failures: []SweepFailure{}}

	orderIDs, err := s.orders.ListIDsByStatus(ctx, domain.OrderDelivered)
	if err != nil {
		s.log(ctx).Error("auto-release: failed to list delivered orders", "error", err)
		report.Error = domain.MsgPersistenceFail
		return report
	}
	candidates, err := s.payments.ListByStatusForOrders(ctx, domain.EscrowPaid, orderIDs)
	if err != nil {
		s.log(ctx).Error("auto-release: failed to list paid escrow payments", "error", err)
		report.Error = domain.MsgPersistenceFail
		return report
	}
	eligible := candidates[:0]
	for _, p := range candidates {
		if p.RefundAttemptedAt == nil {
			eligible = append(eligible, p)
		}
	}
	candidates = eligible
	report.Eligible = len(candidates)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.SweepConcurrency)
	for _, p := range candidates {
		g.Go(func() error {
			res, err := s.ReleaseEscrowPayment(ctx, p.ID, AutoReleaseReason)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				s.log(ctx).Warn("auto-release failed", "escrowId", p.ID, "orderId", p.OrderID, "error", err)
				report.Failures = append(report.Failures, SweepFailure{EscrowID: p.ID, Error: domain.PublicMessage(err)})
				metrics.SweepRecordsTotal.WithLabelValues("auto_release", "failed").Inc()
			case res.Success:
				report.Released++
				metrics.SweepRecordsTotal.WithLabelValues("auto_release", "released").Inc()
			default:
				report.Pending++
				metrics.SweepRecordsTotal.WithLabelValues("auto_release", "pending").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].EscrowID < report.Failures[j].EscrowID })
	if report.Eligible > 0 {
		s.log(ctx).Info("auto-release sweep finished",
			"eligible", report.Eligible, "released", report.Released, "pending", report.Pending, "failed", len(report.Failures))
	}
	return report
}

func (s *escrowService) GetEscrowPaymentStatus(ctx context.Context, escrowID string) (*domain.EscrowPayment, error) {
	p, err := s.payments.FindById(ctx, escrowID)
	if err != nil {
		return nil, domain.PersistenceErr(err)
	}
	return p, nil
}

func (s *escrowService) GetEscrowPaymentsByOrder(ctx context.Context, orderID string) ([]*domain.EscrowPayment, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, domain.ValidationErr("orderId is required")
	}
	payments, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, domain.PersistenceErr(err)
	}
	if payments == nil {
		payments = []*domain.EscrowPayment{}
	}
	return payments, nil
}

func (s *escrowService) GetPaymentStats(ctx context.Context) (*domain.PaymentStats, error) {
	totals, err := s.payments.Totals(ctx)
	if err != nil {
		return nil, domain.PersistenceErr(err)
	}
	stats := domain.StatsFromTotals(totals)
	return &stats, nil
}

// load re-reads the record so no transition acts on stale state.
func (s *escrowService) load(ctx context.Context, escrowID string) (*domain.EscrowPayment, error) {
	if strings.TrimSpace(escrowID) == "" {
		return nil, domain.ValidationErr("escrowId is required")
	}
	p, err := s.payments.FindById(ctx, escrowID)
	if err != nil {
		return nil, domain.PersistenceErr(err)
	}
	if p == nil {
		return nil, domain.NotFoundErr(domain.MsgNotFound)
	}
	return p, nil
}

// apply writes t conditioned on the status p was read in.
func (s *escrowService) apply(ctx context.Context, p *domain.EscrowPayment, t repo.Transition) (*domain.EscrowPayment, error) {
	t.From = []domain.EscrowStatus{p.Status}
	updated, err := s.payments.Transition(ctx, p.ID, t)
	if err != nil {
		return nil, err
	}
	metrics.Transition(string(p.Status), string(t.To))
	return updated, nil
}

func (s *escrowService) reject(ctx context.Context, operation string, p *domain.EscrowPayment, msg string) error {
	metrics.RejectedTotal.WithLabelValues(operation).Inc()
	s.log(ctx).Warn("escrow operation rejected", "operation", operation, "escrowId", p.ID, "status", p.Status)
	return domain.InvalidStateErr(msg, nil)
}

func (s *escrowService) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.GatewayTimeout)
}
