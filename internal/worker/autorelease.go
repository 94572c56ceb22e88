package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escrow-payments/internal/service"
)

// AutoReleaseWorker runs the auto-release sweep on a fixed schedule. The
// sweep itself lives in the escrow service and is not self-scheduling.
type AutoReleaseWorker struct {
	escrow   service.EscrowService
	interval time.Duration
	logger   *slog.Logger
}

func NewAutoReleaseWorker(escrow service.EscrowService, interval time.Duration, logger *slog.Logger) *AutoReleaseWorker {
	return &AutoReleaseWorker{
		escrow:   escrow,
		interval: interval,
		logger:   logger.With("worker", "auto_release"),
	}
}

func (w *AutoReleaseWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("auto-release worker started", "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("auto-release worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep and returns its report.
func (w *AutoReleaseWorker) RunOnce(ctx context.Context) (report service.SweepReport) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in auto-release sweep", "panic", fmt.Sprint(r))
			report.Error = "sweep aborted"
		}
	}()

	report = w.escrow.AutoReleaseEscrowPayments(ctx)
	for _, f := range report.Failures {
		w.logger.Warn("escrow payment not released", "escrowId", f.EscrowID, "error", f.Error)
	}
	if report.Error != "" {
		w.logger.Error("auto-release sweep could not run", "error", report.Error)
	}
	return report
}
