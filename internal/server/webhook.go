package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"escrow-payments/internal/domain"
	"escrow-payments/internal/infrastructure/payment"
	"escrow-payments/internal/logging"
	"escrow-payments/internal/service"
)

const maxWebhookBody = 1 << 20

// WebhookHandler ingests gateway event deliveries. Payload contents are
// only hints: every event is re-verified with the gateway before any
// transition.
type WebhookHandler struct {
	escrow service.EscrowService
	secret string
	logger *slog.Logger
}

func NewWebhookHandler(escrow service.EscrowService, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{escrow: escrow, secret: secret, logger: logger}
}

// Paystack handles POST /webhooks/paystack
func (h *WebhookHandler) Paystack(c *gin.Context) {
	logger := logging.L(c.Request.Context(), h.logger)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Unreadable body"})
		return
	}

	ev, err := payment.ParseWebhook(h.secret, body, c.GetHeader(payment.SignatureHeader))
	if errors.Is(err, payment.ErrInvalidSignature) {
		logger.Warn("webhook rejected: bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid signature"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Malformed event"})
		return
	}

	logger = logger.With("event", ev.Event, "reference", ev.Data.Reference)
	ctx := c.Request.Context()

	switch ev.Event {
	case payment.EventChargeSuccess:
		_, err = h.escrow.VerifyPayment(ctx, ev.Data.Reference)
	case payment.EventTransferSuccess, payment.EventTransferFailed, payment.EventTransferReversed:
		var res *service.EscrowReleaseResult
		res, err = h.escrow.ConfirmTransfer(ctx, ev.Data.Reference)
		if err == nil && !res.Success {
			logger.Warn("transfer not settled", "detail", res.Error)
		}
	default:
		logger.Info("webhook event ignored")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	switch domain.KindOf(err) {
	case "":
		if err != nil {
			logger.Error("webhook processing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
	case domain.KindGateway, domain.KindPersistence:
		// Non-2xx makes the gateway redeliver.
		logger.Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false})
		return
	default:
		logger.Warn("webhook event not applied", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
