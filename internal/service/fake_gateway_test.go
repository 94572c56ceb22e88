package service

import (
	"context"
	"fmt"
	"sync"

	"escrow-payments/internal/infrastructure/payment"
)

// fakeGateway is a scriptable payment.Gateway for service tests.
type fakeGateway struct {
	mu sync.Mutex

	initErr   error
	initBlock bool
	initCalls int

	txns        map[string]*payment.VerifyResult
	verifyCalls int

	// transferFn decides the outcome of a transfer. nil means success.
	transferFn    func(req payment.TransferRequest) (*payment.TransferResult, error)
	transfers     map[string]*payment.TransferResult
	transferCalls []payment.TransferRequest

	refundErr   error
	refundCalls []payment.RefundRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		txns:      make(map[string]*payment.VerifyResult),
		transfers: make(map[string]*payment.TransferResult),
	}
}

var _ payment.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) Initialize(ctx context.Context, req payment.InitializeRequest) (*payment.InitializeResult, error) {
	g.mu.Lock()
	g.initCalls++
	block, initErr := g.initBlock, g.initErr
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, &payment.ProviderError{Op: "initialize", Err: ctx.Err()}
	}
	if initErr != nil {
		return nil, initErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.txns[req.Reference]; !ok {
		g.txns[req.Reference] = &payment.VerifyResult{
			Reference:   req.Reference,
			Status:      payment.TxnPending,
			AmountMinor: req.AmountMinor,
			Currency:    req.Currency,
		}
	}
	return &payment.InitializeResult{
		AuthorizationURL: "https://checkout.test/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

// pay marks the transaction as completed by the customer.
func (g *fakeGateway) pay(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.txns[reference]
	t.Status = payment.TxnSuccess
	t.TransactionID = "txn_" + reference
}

func (g *fakeGateway) setTxn(reference string, res *payment.VerifyResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.txns[reference] = res
}

func (g *fakeGateway) Verify(ctx context.Context, reference string) (*payment.VerifyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	t, ok := g.txns[reference]
	if !ok {
		return nil, &payment.ProviderError{Op: "verify", Message: "Transaction reference not found", HTTPStatus: 404}
	}
	cp := *t
	return &cp, nil
}

func (g *fakeGateway) Transfer(ctx context.Context, req payment.TransferRequest) (*payment.TransferResult, error) {
	g.mu.Lock()
	g.transferCalls = append(g.transferCalls, req)
	fn := g.transferFn
	g.mu.Unlock()

	var (
		res *payment.TransferResult
		err error
	)
	if fn != nil {
		res, err = fn(req)
	} else {
		res = &payment.TransferResult{Reference: req.Reference, TransferCode: "TRF_" + req.Reference, Status: payment.TransferSuccess}
	}
	if res != nil {
		g.mu.Lock()
		cp := *res
		g.transfers[req.Reference] = &cp
		g.mu.Unlock()
	}
	return res, err
}

func (g *fakeGateway) settleTransfer(reference, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers[reference].Status = status
}

func (g *fakeGateway) VerifyTransfer(ctx context.Context, reference string) (*payment.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.transfers[reference]
	if !ok {
		return nil, &payment.ProviderError{Op: "verify_transfer", Message: "Transfer not found", HTTPStatus: 404}
	}
	cp := *t
	return &cp, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls = append(g.refundCalls, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if t, ok := g.txns[req.TransactionReference]; ok {
		if t.Status == payment.TxnReversed {
			return nil, &payment.ProviderError{Op: "refund", Message: "Transaction has been fully reversed", HTTPStatus: 400}
		}
		t.Status = payment.TxnReversed
	}
	return &payment.RefundResult{
		RefundID:  fmt.Sprintf("rfd_%d", len(g.refundCalls)),
		Reference: req.TransactionReference,
		Status:    "processed",
	}, nil
}

func (g *fakeGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transferCalls)
}
