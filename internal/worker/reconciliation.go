package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escrow-payments/internal/domain"
	"escrow-payments/internal/metrics"
	"escrow-payments/internal/repo"
	"escrow-payments/internal/service"
)

const reconcileBatchSize = 100

// ReconcileReport counts what one reconciliation run fixed.
type ReconcileReport struct {
	TransfersSettled  int
	RefundsSettled    int
	PaymentsRecovered int
	Expired           int
	Errors            int
}

func (r ReconcileReport) Total() int {
	return r.TransfersSettled + r.RefundsSettled + r.PaymentsRecovered + r.Expired
}

// ReconciliationWorker brings the ledger back in line with the gateway:
// transfers and refunds that moved funds without a ledger entry, payments completed
// without a verify call, and pending records past their hold window.
type ReconciliationWorker struct {
	payments   repo.EscrowRepo
	escrow     service.EscrowService
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciliationWorker(
	payments repo.EscrowRepo,
	escrow service.EscrowService,
	interval time.Duration,
	staleAfter time.Duration,
	logger *slog.Logger,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		payments:   payments,
		escrow:     escrow,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With("worker", "reconciliation"),
		now:        time.Now,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logger.Info("reconciliation worker started", "interval", rw.interval, "staleAfter", rw.staleAfter)

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			rw.safeRun(ctx)
		}
	}
}

func (rw *ReconciliationWorker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			rw.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := rw.RunOnce(ctx); err != nil {
		rw.logger.Error("reconciliation failed", "error", err)
	}
}

// RunOnce performs a single reconciliation pass.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) (ReconcileReport, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("reconciliation").Observe(time.Since(start).Seconds()) }()

	var report ReconcileReport
	now := rw.now()
	cutoff := now.Add(-rw.staleAfter)

	transfers, err := rw.payments.ListTransferAttemptsBefore(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return report, fmt.Errorf("list transfer attempts: %w", err)
	}
	refunds, err := rw.payments.ListRefundAttemptsBefore(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return report, fmt.Errorf("list refund attempts: %w", err)
	}
	ghosts, err := rw.payments.ListPendingInitializedBefore(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale pending payments: %w", err)
	}

	for _, p := range transfers {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := rw.escrow.ReconcileTransfer(ctx, p.ID)
		switch {
		case err != nil:
			rw.fail(&report, "transfer", p, err)
		case res.Success:
			report.TransfersSettled++
			rw.logger.Warn("found released transfer without ledger entry, fixed",
				"escrowId", p.ID, "transferReference", p.TransferReference)
			metrics.SweepRecordsTotal.WithLabelValues("reconciliation", "transfer_settled").Inc()
		}
	}

	for _, p := range refunds {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := rw.escrow.ReconcileRefund(ctx, p.ID)
		switch {
		case err != nil:
			rw.fail(&report, "refund", p, err)
		case res.Success:
			report.RefundsSettled++
			rw.logger.Warn("found refund without ledger entry, fixed", "escrowId", p.ID, "reference", p.GatewayReference)
			metrics.SweepRecordsTotal.WithLabelValues("reconciliation", "refund_settled").Inc()
		}
	}

	for _, p := range ghosts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := rw.escrow.VerifyPayment(ctx, p.GatewayReference)
		switch {
		case err != nil:
			rw.fail(&report, "verify", p, err)
		case res.Success:
			report.PaymentsRecovered++
			rw.logger.Warn("found ghost payment, marked paid", "escrowId", p.ID, "reference", p.GatewayReference)
			metrics.SweepRecordsTotal.WithLabelValues("reconciliation", "payment_recovered").Inc()
		}
	}

	// Listed after the ghost pass so recovered payments are not seen twice.
	expired, err := rw.payments.ListExpiredPending(ctx, now, reconcileBatchSize)
	if err != nil {
		return report, fmt.Errorf("list expired payments: %w", err)
	}
	metrics.ReconciliationStuckRecords.Set(float64(len(transfers) + len(refunds) + len(ghosts) + len(expired)))

	for _, p := range expired {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		updated, err := rw.escrow.ExpireEscrowPayment(ctx, p.ID)
		if err != nil {
			rw.fail(&report, "expire", p, err)
			continue
		}
		switch updated.Status {
		case domain.EscrowFailed:
			report.Expired++
			rw.logger.Info("abandoned payment expired", "escrowId", p.ID, "orderId", p.OrderID)
			metrics.SweepRecordsTotal.WithLabelValues("reconciliation", "expired").Inc()
		case domain.EscrowPaid:
			report.PaymentsRecovered++
			metrics.SweepRecordsTotal.WithLabelValues("reconciliation", "payment_recovered").Inc()
		}
	}

	if report.Total() > 0 || report.Errors > 0 {
		rw.logger.Info("reconciliation finished",
			"transfersSettled", report.TransfersSettled,
			"refundsSettled", report.RefundsSettled,
			"paymentsRecovered", report.PaymentsRecovered,
			"expired", report.Expired,
			"errors", report.Errors)
	}
	return report, nil
}

func (rw *ReconciliationWorker) fail(report *ReconcileReport, step string, p *domain.EscrowPayment, err error) {
	report.Errors++
	rw.logger.Warn("reconciliation step failed", "step", step, "escrowId", p.ID, "error", err)
	metrics.SweepRecordsTotal.WithLabelValues("reconciliation", "error").Inc()
}
