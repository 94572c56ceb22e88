package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"escrow-payments/internal/domain"
	"escrow-payments/internal/logging"
	"escrow-payments/internal/service"
)

// Handler serves the escrow payment endpoints.
type Handler struct {
	escrow service.EscrowService
	logger *slog.Logger
}

func NewHandler(escrow service.EscrowService, logger *slog.Logger) *Handler {
	return &Handler{escrow: escrow, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow-payments", h.Create)
	r.GET("/escrow-payments/stats", h.Stats)
	r.POST("/escrow-payments/auto-release", h.AutoRelease)
	r.POST("/escrow-payments/verify/:reference", h.Verify)
	r.GET("/escrow-payments/:id", h.Get)
	r.POST("/escrow-payments/:id/process", h.Process)
	r.POST("/escrow-payments/:id/release", h.Release)
	r.POST("/escrow-payments/:id/refund", h.Refund)
	r.POST("/escrow-payments/:id/cancel", h.Cancel)
	r.GET("/orders/:orderId/escrow-payments", h.ListByOrder)
}

type processRequest struct {
	CustomerEmail string `json:"customerEmail"`
	CallbackURL   string `json:"callbackUrl"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /v1/escrow-payments
func (h *Handler) Create(c *gin.Context) {
	var req service.CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, domain.ValidationErr("Invalid request body"))
		return
	}
	p, err := h.escrow.CreateEscrowPayment(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "escrowPayment": p})
}

// Get handles GET /v1/escrow-payments/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.escrow.GetEscrowPaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "escrowPayment": p})
}

// Process handles POST /v1/escrow-payments/:id/process
func (h *Handler) Process(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, domain.ValidationErr("Invalid request body"))
		return
	}
	res, err := h.escrow.ProcessEscrowPayment(c.Request.Context(), c.Param("id"), req.CustomerEmail, req.CallbackURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify handles POST /v1/escrow-payments/verify/:reference
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.escrow.VerifyPayment(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Release handles POST /v1/escrow-payments/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req reasonRequest
	if !h.bindOptional(c, &req) {
		return
	}
	res, err := h.escrow.ReleaseEscrowPayment(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeReleaseResult(c, res)
}

// Refund handles POST /v1/escrow-payments/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req reasonRequest
	if !h.bindOptional(c, &req) {
		return
	}
	res, err := h.escrow.RefundEscrowPayment(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeReleaseResult(c, res)
}

// Cancel handles POST /v1/escrow-payments/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req reasonRequest
	if !h.bindOptional(c, &req) {
		return
	}
	p, err := h.escrow.CancelEscrowPayment(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "escrowPayment": p})
}

// ListByOrder handles GET /v1/orders/:orderId/escrow-payments
func (h *Handler) ListByOrder(c *gin.Context) {
	payments, err := h.escrow.GetEscrowPaymentsByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrowPayments": payments, "count": len(payments)})
}

// Stats handles GET /v1/escrow-payments/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.escrow.GetPaymentStats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AutoRelease handles POST /v1/escrow-payments/auto-release
func (h *Handler) AutoRelease(c *gin.Context) {
	c.JSON(http.StatusOK, h.escrow.AutoReleaseEscrowPayments(c.Request.Context()))
}

// bindOptional decodes a JSON body when one was sent.
func (h *Handler) bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		h.writeError(c, domain.ValidationErr("Invalid request body"))
		return false
	}
	return true
}

func writeReleaseResult(c *gin.Context, res *service.EscrowReleaseResult) {
	if !res.Success {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	logger := logging.L(c.Request.Context(), h.logger)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "path", c.FullPath(), "error", err)
	case domain.KindOf(err) == domain.KindInvalidState:
		logger.Warn("escrow state anomaly", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"success": false, "error": domain.PublicMessage(err)})
}

// StatusFor maps an escrow error to its HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
