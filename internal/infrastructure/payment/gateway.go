package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transaction statuses reported by Verify.
const (
	TxnSuccess   = "success"
	TxnFailed    = "failed"
	TxnAbandoned = "abandoned"
	TxnPending   = "pending"
	TxnOngoing   = "ongoing"
	TxnReversed  = "reversed"
)

// Transfer statuses reported by Transfer and VerifyTransfer.
const (
	TransferSuccess  = "success"
	TransferPending  = "pending"
	TransferOTP      = "otp"
	TransferFailed   = "failed"
	TransferReversed = "reversed"
)

// Gateway is the hosted payment processor. Amounts are always in the
// currency's minor unit.
type Gateway interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	VerifyTransfer(ctx context.Context, reference string) (*TransferResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

type InitializeRequest struct {
	AmountMinor int64
	Currency    string
	Email       string
	Reference   string
	CallbackURL string
	Metadata    map[string]string
}

type InitializeResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

type VerifyResult struct {
	Reference     string
	Status        string
	AmountMinor   int64
	Currency      string
	TransactionID string
	PaidAt        *time.Time
	Message       string
}

// Succeeded reports whether the customer's payment completed.
func (r *VerifyResult) Succeeded() bool {
	return r.Status == TxnSuccess
}

type TransferRequest struct {
	Source      string
	AmountMinor int64
	Currency    string
	Recipient   string
	Reason      string
	Reference   string
}

type TransferResult struct {
	Reference    string
	TransferCode string
	Status       string
}

func (r *TransferResult) Succeeded() bool {
	return r.Status == TransferSuccess
}

// InFlight reports whether the transfer may still complete.
func (r *TransferResult) InFlight() bool {
	return r.Status == TransferPending || r.Status == TransferOTP
}

type RefundRequest struct {
	TransactionReference string
	AmountMinor          int64
	Reason               string
}

type RefundResult struct {
	RefundID  string
	Reference string
	Status    string
}

// ErrReferenceNotFound is matched by errors.Is when the gateway has no
// record of a reference.
var ErrReferenceNotFound = errors.New("reference not found at gateway")

// ProviderError is a failure reported by the gateway or the transport to it.
type ProviderError struct {
	Op      string
	Message string
	// Code is the machine-readable error code, when the gateway sends one.
	Code       string
	HTTPStatus int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("gateway %s: %s (http %d)", e.Op, msg, e.HTTPStatus)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is matches ErrReferenceNotFound. Paystack answers an unknown reference
// with either 404 or 400 depending on the endpoint, so a 400 counts only
// when its code or message says not found.
func (e *ProviderError) Is(target error) bool {
	if target != ErrReferenceNotFound {
		return false
	}
	switch e.HTTPStatus {
	case 404:
		return true
	case 400:
		return strings.HasSuffix(strings.ToLower(e.Code), "not_found") ||
			strings.Contains(strings.ToLower(e.Message), "not found")
	}
	return false
}

// IsRejected reports whether the gateway answered and refused the request.
// A rejected request had no effect; transport failures, timeouts and 5xx
// answers leave the outcome unknown.
func IsRejected(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.HTTPStatus >= 400 && pe.HTTPStatus < 500
}

// MessageOf returns the provider's message for err, or err's text.
func MessageOf(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
