package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockOptions controls the failure behaviour of MockGateway. Rates are
// percentages in [0, 100].
type MockOptions struct {
	// DeclineRate is the chance a transfer is rejected outright.
	DeclineRate int
	// TimeoutRate is the chance a transfer succeeds at the gateway but the
	// caller sees a timeout (the phantom transfer).
	TimeoutRate int
	Latency     time.Duration
	// Secret signs simulated webhooks.
	Secret string
}

type mockTxn struct {
	amount   int64
	currency string
	status   string
	id       string
	paidAt   *time.Time
	refunded bool
}

// MockGateway is an in-process gateway for local runs and simulations.
// Every operation is idempotent per reference, like the real processor.
type MockGateway struct {
	opts MockOptions

	mu        sync.RWMutex
	txns      map[string]*mockTxn
	transfers map[string]*TransferResult
}

func NewMockGateway(opts MockOptions) *MockGateway {
	return &MockGateway{
		opts:      opts,
		txns:      make(map[string]*mockTxn),
		transfers: make(map[string]*TransferResult),
	}
}

var _ Gateway = (*MockGateway)(nil)

func (g *MockGateway) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (g *MockGateway) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if err := g.sleep(ctx, g.opts.Latency); err != nil {
		return nil, &ProviderError{Op: "initialize", Err: err}
	}
	if req.AmountMinor <= 0 {
		return nil, &ProviderError{Op: "initialize", Message: "Invalid amount", HTTPStatus: 400}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.txns[req.Reference]
	if !ok {
		t = &mockTxn{amount: req.AmountMinor, currency: req.Currency, status: TxnPending, id: uuid.NewString()}
		g.txns[req.Reference] = t
	} else if t.status == TxnSuccess {
		return nil, &ProviderError{Op: "initialize", Message: "Duplicate Transaction Reference", HTTPStatus: 400}
	}
	return &InitializeResult{
		AuthorizationURL: "https://checkout.mock.local/" + req.Reference,
		AccessCode:       t.id,
		Reference:        req.Reference,
	}, nil
}

// CompletePayment simulates the customer paying on the hosted page.
func (g *MockGateway) CompletePayment(reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.txns[reference]
	if !ok {
		return fmt.Errorf("mock gateway: unknown reference %s", reference)
	}
	now := time.Now()
	t.status = TxnSuccess
	t.paidAt = &now
	return nil
}

// AbandonPayment simulates the customer leaving the hosted page.
func (g *MockGateway) AbandonPayment(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.txns[reference]; ok && t.status == TxnPending {
		t.status = TxnAbandoned
	}
}

func (g *MockGateway) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.txns[reference]
	if !ok {
		return nil, &ProviderError{Op: "verify", Message: "Transaction reference not found", HTTPStatus: 404}
	}
	status := t.status
	if t.refunded {
		status = TxnReversed
	}
	return &VerifyResult{
		Reference:     reference,
		Status:        status,
		AmountMinor:   t.amount,
		Currency:      t.currency,
		TransactionID: t.id,
		PaidAt:        t.paidAt,
	}, nil
}

func (g *MockGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	g.mu.RLock()
	if prev, exists := g.transfers[req.Reference]; exists {
		g.mu.RUnlock()
		cp := *prev
		return &cp, nil
	}
	g.mu.RUnlock()

	if req.Recipient == "" {
		return nil, &ProviderError{Op: "transfer", Message: "Recipient is required", HTTPStatus: 400}
	}

	chance := rand.IntN(100)
	switch {
	case chance < g.opts.DeclineRate:
		if err := g.sleep(ctx, g.opts.Latency); err != nil {
			return nil, &ProviderError{Op: "transfer", Err: err}
		}
		g.store(req.Reference, TransferFailed)
		return nil, &ProviderError{Op: "transfer", Message: "Insufficient balance", HTTPStatus: 400}

	case chance < g.opts.DeclineRate+g.opts.TimeoutRate:
		// Funds move at the gateway but the response never arrives.
		g.store(req.Reference, TransferSuccess)
		return nil, &ProviderError{Op: "transfer", Err: errors.Join(errors.New("connection timeout"), context.DeadlineExceeded)}

	default:
		if err := g.sleep(ctx, g.opts.Latency); err != nil {
			return nil, &ProviderError{Op: "transfer", Err: err}
		}
		res := g.store(req.Reference, TransferSuccess)
		return res, nil
	}
}

func (g *MockGateway) store(reference, status string) *TransferResult {
	res := &TransferResult{Reference: reference, TransferCode: "TRF_" + uuid.NewString()[:8], Status: status}
	g.mu.Lock()
	g.transfers[reference] = res
	g.mu.Unlock()
	cp := *res
	return &cp
}

func (g *MockGateway) VerifyTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	res, ok := g.transfers[reference]
	if !ok {
		return nil, &ProviderError{Op: "verify_transfer", Message: "Transfer not found", HTTPStatus: 404}
	}
	cp := *res
	return &cp, nil
}

func (g *MockGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.txns[req.TransactionReference]
	if !ok || t.status != TxnSuccess {
		return nil, &ProviderError{Op: "refund", Message: "Transaction not found or not successful", HTTPStatus: 404}
	}
	if t.refunded {
		return nil, &ProviderError{Op: "refund", Message: "Transaction has been fully reversed", HTTPStatus: 400}
	}
	if req.AmountMinor > t.amount {
		return nil, &ProviderError{Op: "refund", Message: "Refund amount exceeds transaction amount", HTTPStatus: 400}
	}
	t.refunded = true
	return &RefundResult{RefundID: uuid.NewString(), Reference: req.TransactionReference, Status: "processed"}, nil
}

// WebhookFor builds a signed delivery of event for reference.
func (g *MockGateway) WebhookFor(event, reference string) (body []byte, signature string) {
	body = []byte(fmt.Sprintf(`{"event":%q,"data":{"reference":%q,"status":"success"}}`, event, reference))
	return body, Sign(g.opts.Secret, body)
}
