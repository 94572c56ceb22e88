package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"escrow-payments/internal/metrics"
	"escrow-payments/internal/traces"
)

// PaystackClient talks to the Paystack REST API.
type PaystackClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type PaystackOption func(*PaystackClient)

// WithHTTPClient replaces the default client. Its Timeout bounds every call.
func WithHTTPClient(c *http.Client) PaystackOption {
	return func(p *PaystackClient) { p.httpClient = c }
}

// WithRateLimit throttles outbound requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) PaystackOption {
	return func(p *PaystackClient) { p.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func NewPaystackClient(baseURL, secretKey string, timeout time.Duration, opts ...PaystackOption) *PaystackClient {
	c := &PaystackClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Gateway = (*PaystackClient)(nil)

// envelope is the common Paystack response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (c *PaystackClient) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    strconv.FormatInt(req.AmountMinor, 10),
		"currency":  req.Currency,
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	return &InitializeResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

func (c *PaystackClient) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	var data struct {
		ID              int64      `json:"id"`
		Status          string     `json:"status"`
		Reference       string     `json:"reference"`
		Amount          int64      `json:"amount"`
		Currency        string     `json:"currency"`
		PaidAt          *time.Time `json:"paid_at"`
		GatewayResponse string     `json:"gateway_response"`
	}
	path := "/transaction/verify/" + url.PathEscape(reference)
	if err := c.do(ctx, "verify", http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &VerifyResult{
		Reference:     data.Reference,
		Status:        data.Status,
		AmountMinor:   data.Amount,
		Currency:      data.Currency,
		TransactionID: strconv.FormatInt(data.ID, 10),
		PaidAt:        data.PaidAt,
		Message:       data.GatewayResponse,
	}, nil
}

func (c *PaystackClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	body := map[string]any{
		"source":    req.Source,
		"amount":    req.AmountMinor,
		"currency":  req.Currency,
		"recipient": req.Recipient,
		"reason":    req.Reason,
		"reference": req.Reference,
	}
	var data struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	}
	if err := c.do(ctx, "transfer", http.MethodPost, "/transfer", body, &data); err != nil {
		return nil, err
	}
	return &TransferResult{Reference: data.Reference, TransferCode: data.TransferCode, Status: data.Status}, nil
}

func (c *PaystackClient) VerifyTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	var data struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	}
	path := "/transfer/verify/" + url.PathEscape(reference)
	if err := c.do(ctx, "verify_transfer", http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &TransferResult{Reference: data.Reference, TransferCode: data.TransferCode, Status: data.Status}, nil
}

func (c *PaystackClient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body := map[string]any{
		"transaction": req.TransactionReference,
		"amount":      req.AmountMinor,
	}
	if req.Reason != "" {
		body["merchant_note"] = req.Reason
	}
	var data struct {
		ID          int64  `json:"id"`
		Status      string `json:"status"`
		Transaction struct {
			Reference string `json:"reference"`
		} `json:"transaction"`
	}
	if err := c.do(ctx, "refund", http.MethodPost, "/refund", body, &data); err != nil {
		return nil, err
	}
	return &RefundResult{
		RefundID:  strconv.FormatInt(data.ID, 10),
		Reference: data.Transaction.Reference,
		Status:    data.Status,
	}, nil
}

func (c *PaystackClient) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "paystack."+op)
	start := time.Now()
	defer func() {
		metrics.ObserveGateway(op, start, err)
		traces.End(span, err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &ProviderError{Op: op, Err: err}
	}

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &ProviderError{Op: op, Err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Op: op, HTTPStatus: resp.StatusCode, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &ProviderError{
			Op:         op,
			Message:    fmt.Sprintf("unexpected response body (http %d)", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Err:        err,
		}
	}
	if resp.StatusCode >= 300 || !env.Status {
		return &ProviderError{Op: op, Message: env.Message, Code: env.Code, HTTPStatus: resp.StatusCode}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &ProviderError{Op: op, Message: "malformed response data", HTTPStatus: resp.StatusCode, Err: err}
		}
	}
	return nil
}
