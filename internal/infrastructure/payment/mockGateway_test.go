package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGateway_PaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewMockGateway(MockOptions{})

	init1, err := g.Initialize(ctx, InitializeRequest{AmountMinor: 4599, Currency: "GHS", Reference: "ref1"})
	require.NoError(t, err)
	init2, err := g.Initialize(ctx, InitializeRequest{AmountMinor: 4599, Currency: "GHS", Reference: "ref1"})
	require.NoError(t, err)
	assert.Equal(t, init1.AuthorizationURL, init2.AuthorizationURL)

	v, err := g.Verify(ctx, "ref1")
	require.NoError(t, err)
	assert.False(t, v.Succeeded())

	require.NoError(t, g.CompletePayment("ref1"))
	v, err = g.Verify(ctx, "ref1")
	require.NoError(t, err)
	assert.True(t, v.Succeeded())
	assert.Equal(t, int64(4599), v.AmountMinor)

	_, err = g.Refund(ctx, RefundRequest{TransactionReference: "ref1", AmountMinor: 4599})
	require.NoError(t, err)
	_, err = g.Refund(ctx, RefundRequest{TransactionReference: "ref1", AmountMinor: 4599})
	require.Error(t, err)
}

func TestMockGateway_VerifyUnknown(t *testing.T) {
	_, err := NewMockGateway(MockOptions{}).Verify(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrReferenceNotFound))
}

func TestMockGateway_TransferIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewMockGateway(MockOptions{})
	req := TransferRequest{AmountMinor: 100, Currency: "GHS", Recipient: "RCP_1", Reference: "tr1"}

	first, err := g.Transfer(ctx, req)
	require.NoError(t, err)
	second, err := g.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransferCode, second.TransferCode)
}

func TestMockGateway_PhantomTransfer(t *testing.T) {
	ctx := context.Background()
	g := NewMockGateway(MockOptions{TimeoutRate: 100})

	_, err := g.Transfer(ctx, TransferRequest{AmountMinor: 100, Recipient: "RCP_1", Reference: "tr1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	res, err := g.VerifyTransfer(ctx, "tr1")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestMockGateway_DeclinedTransfer(t *testing.T) {
	ctx := context.Background()
	g := NewMockGateway(MockOptions{DeclineRate: 100})

	_, err := g.Transfer(ctx, TransferRequest{AmountMinor: 100, Recipient: "RCP_1", Reference: "tr1"})
	require.Error(t, err)

	res, err := g.VerifyTransfer(ctx, "tr1")
	require.NoError(t, err)
	assert.Equal(t, TransferFailed, res.Status)
}

func TestMockGateway_WebhookIsSigned(t *testing.T) {
	g := NewMockGateway(MockOptions{Secret: "sk"})
	body, sig := g.WebhookFor(EventChargeSuccess, "ref1")

	ev, err := ParseWebhook("sk", body, sig)
	require.NoError(t, err)
	assert.Equal(t, "ref1", ev.Data.Reference)
}
