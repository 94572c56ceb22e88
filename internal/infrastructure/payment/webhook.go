package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// SignatureHeader carries the HMAC-SHA512 of the raw webhook body keyed
// with the secret key.
const SignatureHeader = "X-Paystack-Signature"

// Webhook event types acted upon.
const (
	EventChargeSuccess    = "charge.success"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
	EventRefundProcessed  = "refund.processed"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference    string `json:"reference"`
		Status       string `json:"status"`
		TransferCode string `json:"transfer_code"`
		Amount       int64  `json:"amount"`
		Currency     string `json:"currency"`
	} `json:"data"`
}

// Sign computes the signature the gateway would send for body.
func Sign(secretKey string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body.
func VerifySignature(secretKey string, body []byte, signature string) bool {
	if secretKey == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ParseWebhook verifies and decodes a webhook delivery.
func ParseWebhook(secretKey string, body []byte, signature string) (*WebhookEvent, error) {
	if !VerifySignature(secretKey, body, signature) {
		return nil, ErrInvalidSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	if ev.Event == "" {
		return nil, errors.New("webhook event type missing")
	}
	return &ev, nil
}
