package domain

import "github.com/shopspring/decimal"

// StatusTotal is the count and amount sum of the records in one status.
type StatusTotal struct {
	Status EscrowStatus
	Count  int
	Amount decimal.Decimal
}

// PaymentStats aggregates escrow amounts by current status. Each record
// contributes to exactly one bucket.
type PaymentStats struct {
	TotalEscrowPayments int                  `json:"totalEscrowPayments"`
	PendingAmount       decimal.Decimal      `json:"pendingAmount"`
	PaidAmount          decimal.Decimal      `json:"paidAmount"`
	ReleasedAmount      decimal.Decimal      `json:"releasedAmount"`
	RefundedAmount      decimal.Decimal      `json:"refundedAmount"`
	FailedAmount        decimal.Decimal      `json:"failedAmount"`
	CountByStatus       map[EscrowStatus]int `json:"countByStatus"`
}

// TotalAmount is the sum of all five buckets.
func (s PaymentStats) TotalAmount() decimal.Decimal {
	return s.PendingAmount.Add(s.PaidAmount).Add(s.ReleasedAmount).Add(s.RefundedAmount).Add(s.FailedAmount)
}

// StatsFromTotals folds per-status totals into PaymentStats.
func StatsFromTotals(totals []StatusTotal) PaymentStats {
	stats := PaymentStats{CountByStatus: make(map[EscrowStatus]int, 5)}
	for _, t := range totals {
		stats.TotalEscrowPayments += t.Count
		stats.CountByStatus[t.Status] += t.Count
		switch t.Status {
		case EscrowPending:
			stats.PendingAmount = stats.PendingAmount.Add(t.Amount)
		case EscrowPaid:
			stats.PaidAmount = stats.PaidAmount.Add(t.Amount)
		case EscrowReleased:
			stats.ReleasedAmount = stats.ReleasedAmount.Add(t.Amount)
		case EscrowRefunded:
			stats.RefundedAmount = stats.RefundedAmount.Add(t.Amount)
		case EscrowFailed:
			stats.FailedAmount = stats.FailedAmount.Add(t.Amount)
		}
	}
	return stats
}

// TotalsOf groups payments by status.
func TotalsOf(payments []*EscrowPayment) []StatusTotal {
	idx := make(map[EscrowStatus]int)
	var totals []StatusTotal
	for _, p := range payments {
		i, ok := idx[p.Status]
		if !ok {
			i = len(totals)
			idx[p.Status] = i
			totals = append(totals, StatusTotal{Status: p.Status})
		}
		totals[i].Count++
		totals[i].Amount = totals[i].Amount.Add(p.Amount)
	}
	return totals
}
