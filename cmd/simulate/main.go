// Command simulate drives escrow lifecycles against a flaky in-process
// gateway and shows the reconciliation worker settling phantom transfers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrow-payments/internal/domain"
	"escrow-payments/internal/infrastructure/payment"
	"escrow-payments/internal/logging"
	"escrow-payments/internal/repo"
	"escrow-payments/internal/service"
	"escrow-payments/internal/worker"
)

func main() {
	var (
		orders      = flag.Int("orders", 20, "number of escrow lifecycles to run")
		declineRate = flag.Int("decline-rate", 10, "percent of transfers declined by the gateway")
		timeoutRate = flag.Int("timeout-rate", 20, "percent of transfers that time out after moving funds")
		abandonRate = flag.Int("abandon-rate", 10, "percent of customers that never pay")
		logLevel    = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	logger := logging.New(*logLevel, "text")
	ctx := context.Background()

	gateway := payment.NewMockGateway(payment.MockOptions{
		DeclineRate: *declineRate,
		TimeoutRate: *timeoutRate,
		Latency:     5 * time.Millisecond,
		Secret:      "simulation",
	})
	payments := repo.NewMemoryEscrowRepo()
	orderRepo := repo.NewMemoryOrderRepo()
	escrow := service.NewEscrowService(payments, orderRepo, gateway, service.Options{
		DefaultMerchantAccount: "RCP_simulation",
		DefaultCurrency:        "GHS",
		GatewayTimeout:         2 * time.Second,
		ExpirePending:          true,
	}, logger)

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", *orders)
	for i := 0; i < *orders; i++ {
		if err := runLifecycle(ctx, i, gateway, orderRepo, escrow, *abandonRate); err != nil {
			fmt.Printf("[%d] FAILED: %v\n", i+1, err)
		}
	}

	fmt.Println("--- AUTO-RELEASE SWEEP ---")
	report := escrow.AutoReleaseEscrowPayments(ctx)
	fmt.Printf("eligible=%d released=%d awaiting=%d failed=%d\n",
		report.Eligible, report.Released, report.Pending, len(report.Failures))
	for _, f := range report.Failures {
		fmt.Printf("    %s: %s\n", f.EscrowID, f.Error)
	}

	printStats(ctx, escrow, "BEFORE RECONCILIATION")

	// Zero staleness so every outstanding attempt is checked right away.
	reconciler := worker.NewReconciliationWorker(payments, escrow, time.Second, 0, logger)
	rec, err := reconciler.RunOnce(ctx)
	if err != nil {
		slog.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("--- RECONCILIATION: transfers settled=%d payments recovered=%d expired=%d errors=%d ---\n",
		rec.TransfersSettled, rec.PaymentsRecovered, rec.Expired, rec.Errors)

	// Declined transfers are retried on the next sweep.
	report = escrow.AutoReleaseEscrowPayments(ctx)
	fmt.Printf("retry sweep: eligible=%d released=%d failed=%d\n", report.Eligible, report.Released, len(report.Failures))

	printStats(ctx, escrow, "AFTER RECONCILIATION")
}

func runLifecycle(
	ctx context.Context,
	i int,
	gateway *payment.MockGateway,
	orders *repo.MemoryOrderRepo,
	escrow service.EscrowService,
	abandonRate int,
) error {
	now := time.Now()
	order := &domain.Order{
		ID:         uuid.NewString(),
		CustomerID: fmt.Sprintf("customer-%d", i%5),
		Status:     domain.OrderDelivered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := orders.CreateOrder(ctx, order); err != nil {
		return err
	}

	amount := decimal.NewFromInt(int64(10 + i)).Add(decimal.RequireFromString("0.99"))
	p, err := escrow.CreateEscrowPayment(ctx, service.CreateEscrowRequest{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Amount:     amount,
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	res, err := escrow.ProcessEscrowPayment(ctx, p.ID, fmt.Sprintf("%s@example.com", order.CustomerID), "")
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	fmt.Printf("[%d] escrow %s amount %s ... ", i+1, p.ID[:8], amount.StringFixed(2))
	if rand.IntN(100) < abandonRate {
		gateway.AbandonPayment(res.Reference)
		fmt.Println("ABANDONED")
		return nil
	}
	if err := gateway.CompletePayment(res.Reference); err != nil {
		return err
	}
	verified, err := escrow.VerifyPayment(ctx, res.Reference)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	fmt.Printf("verified=%t\n", verified.Success)
	return nil
}

func printStats(ctx context.Context, escrow service.EscrowService, title string) {
	stats, err := escrow.GetPaymentStats(ctx)
	if err != nil {
		slog.Error("stats failed", "error", err)
		return
	}
	fmt.Printf("--- %s ---\n", title)
	fmt.Printf("total=%d pending=%s paid=%s released=%s refunded=%s failed=%s\n",
		stats.TotalEscrowPayments,
		stats.PendingAmount.StringFixed(2),
		stats.PaidAmount.StringFixed(2),
		stats.ReleasedAmount.StringFixed(2),
		stats.RefundedAmount.StringFixed(2),
		stats.FailedAmount.StringFixed(2),
	)
}
