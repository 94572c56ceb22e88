package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to EscrowStatus
		want     bool
	}{
		{EscrowPending, EscrowPaid, true},
		{EscrowPending, EscrowFailed, true},
		{EscrowPending, EscrowReleased, false},
		{EscrowPending, EscrowRefunded, false},
		{EscrowPaid, EscrowReleased, true},
		{EscrowPaid, EscrowRefunded, true},
		{EscrowPaid, EscrowFailed, false},
		{EscrowReleased, EscrowRefunded, true},
		{EscrowReleased, EscrowPaid, false},
		{EscrowRefunded, EscrowReleased, false},
		{EscrowFailed, EscrowPaid, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoOutgoingEdges(t *testing.T) {
	all := []EscrowStatus{EscrowPending, EscrowPaid, EscrowReleased, EscrowRefunded, EscrowFailed}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestMinorUnitConversion(t *testing.T) {
	assert.Equal(t, int64(4599), ToMinorUnits(decimal.RequireFromString("45.99")))
	assert.Equal(t, int64(100), ToMinorUnits(decimal.NewFromInt(1)))
	assert.True(t, FromMinorUnits(4599).Equal(decimal.RequireFromString("45.99")))
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	p := &EscrowPayment{Status: EscrowPending, ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, p.IsExpired(now))

	p.Status = EscrowPaid
	assert.False(t, p.IsExpired(now))
}

func TestMetadataScanRoundTrip(t *testing.T) {
	m := Metadata{MerchantAccount: "RCP_123", Extra: map[string]string{"channel": "web"}}
	v, err := m.Value()
	require.NoError(t, err)

	var got Metadata
	require.NoError(t, got.Scan([]byte(v.(string))))
	assert.Equal(t, m, got)

	require.NoError(t, got.Scan(nil))
	assert.Equal(t, Metadata{}, got)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", InvalidStateErr(MsgNotPaid, nil))
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.False(t, errors.Is(err, ErrGateway))
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, MsgNotPaid, PublicMessage(err))

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestGatewayErrSanitizesDetail(t *testing.T) {
	err := GatewayErr("Invalid\nkey\x00 "+strings.Repeat("x", 300), nil)
	assert.NotContains(t, err.Message, "\n")
	assert.NotContains(t, err.Message, "\x00")
	assert.LessOrEqual(t, len([]rune(err.Message)), len(MsgGatewayFailed)+2+maxGatewayMessage)
	assert.True(t, strings.HasPrefix(err.Message, MsgGatewayFailed+": Invalid key"))
}

func TestStatsFromTotals(t *testing.T) {
	d := decimal.RequireFromString
	payments := []*EscrowPayment{
		{Status: EscrowPending, Amount: d("10.00")},
		{Status: EscrowPending, Amount: d("5.50")},
		{Status: EscrowPaid, Amount: d("20.00")},
		{Status: EscrowReleased, Amount: d("45.99")},
		{Status: EscrowRefunded, Amount: d("1.01")},
		{Status: EscrowFailed, Amount: d("3.00")},
	}

	stats := StatsFromTotals(TotalsOf(payments))

	assert.Equal(t, 6, stats.TotalEscrowPayments)
	assert.True(t, stats.PendingAmount.Equal(d("15.50")))
	assert.True(t, stats.PaidAmount.Equal(d("20.00")))
	assert.True(t, stats.ReleasedAmount.Equal(d("45.99")))
	assert.True(t, stats.RefundedAmount.Equal(d("1.01")))
	assert.True(t, stats.FailedAmount.Equal(d("3.00")))
	assert.Equal(t, 2, stats.CountByStatus[EscrowPending])

	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Amount)
	}
	assert.True(t, stats.TotalAmount().Equal(sum))
}
