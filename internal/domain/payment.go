package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowPaid     EscrowStatus = "paid"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowFailed   EscrowStatus = "failed"
)

// DefaultHoldWindow is how long a pending escrow payment waits for the customer to pay.
const DefaultHoldWindow = 7 * 24 * time.Hour

// IsTerminal reports whether no further transition may leave s.
func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowFailed:
		return true
	}
	return false
}

func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowPending, EscrowPaid, EscrowReleased, EscrowRefunded, EscrowFailed:
		return true
	}
	return false
}

// transitions lists, for each target status, the statuses it may be entered from.
var transitions = map[EscrowStatus][]EscrowStatus{
	EscrowPaid:     {EscrowPending},
	EscrowReleased: {EscrowPaid},
	EscrowRefunded: {EscrowPaid, EscrowReleased},
	EscrowFailed:   {EscrowPending},
}

// AllowedFrom returns the statuses from which a record may move to target.
// The returned slice must not be modified.
func AllowedFrom(target EscrowStatus) []EscrowStatus {
	return transitions[target]
}

// CanTransition reports whether from -> to is an edge of the escrow state machine.
func CanTransition(from, to EscrowStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Metadata is the contextual data carried by an escrow payment. MerchantAccount
// is the transfer recipient used on release; everything else is passed through.
type Metadata struct {
	MerchantAccount string            `json:"merchantAccount,omitempty"`
	CustomerNote    string            `json:"customerNote,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Value implements driver.Valuer so Metadata can be stored in a JSONB column.
func (m Metadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Clone returns a copy that shares no map with m.
func (m Metadata) Clone() Metadata {
	cp := m
	if m.Extra != nil {
		cp.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}

// EscrowPayment holds customer funds for an order until they are released
// to the merchant or refunded.
type EscrowPayment struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"orderId"`
	CustomerID       string          `json:"customerId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           EscrowStatus    `json:"status"`
	GatewayReference string          `json:"gatewayReference"`
	AuthorizationURL string          `json:"authorizationUrl,omitempty"`
	Metadata         Metadata        `json:"metadata"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`

	PaidAt               *time.Time `json:"paidAt,omitempty"`
	GatewayTransactionID string     `json:"gatewayTransactionId,omitempty"`

	TransferReference   string     `json:"transferReference,omitempty"`
	TransferAttemptedAt *time.Time `json:"transferAttemptedAt,omitempty"`

	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	ReleaseReason string     `json:"releaseReason,omitempty"`
	// RefundAttemptedAt marks a refund sent to the gateway but not yet
	// booked. A record carrying it is never released.
	RefundAttemptedAt *time.Time `json:"refundAttemptedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	RefundReason      string     `json:"refundReason,omitempty"`
	RefundReference   string     `json:"refundReference,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
}

// IsExpired reports whether a pending payment has outlived its hold window.
func (p *EscrowPayment) IsExpired(now time.Time) bool {
	return p.Status == EscrowPending && now.After(p.ExpiresAt)
}

// AmountMinor converts Amount into the gateway's smallest currency unit.
func (p *EscrowPayment) AmountMinor() int64 {
	return ToMinorUnits(p.Amount)
}

var ErrAmountPrecision = errors.New("amount has more than two decimal places")

// ToMinorUnits multiplies a major-unit amount by 100. Callers validate
// precision at creation, so rounding here never changes a stored value.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
