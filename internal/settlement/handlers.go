package settlement

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avernet/paylane/internal/allocation"
	"github.com/avernet/paylane/internal/money"
)

// OrderCompletedEvent is the upstream payload that triggers settlement.
// Redelivery is safe: creation is idempotent on paymentIntentId.
type OrderCompletedEvent struct {
	PaymentIntentID     string `json:"paymentIntentId" binding:"required"`
	OrderID             string `json:"orderId"`
	TotalAmount         string `json:"totalAmount" binding:"required"` // decimal USDC
	Currency            string `json:"currency"`
	ProductType         string `json:"productType" binding:"required"`
	Merchant            Party  `json:"merchant" binding:"required"`
	ExecutionAgent      *Party `json:"executionAgent,omitempty"`
	RecommendationAgent *Party `json:"recommendationAgent,omitempty"`
	ReferralAgent       *Party `json:"referralAgent,omitempty"`
}

// LineView is the JSON shape for an allocation line.
type LineView struct {
	PayeeID     string    `json:"payeeId"`
	PayeeType   PayeeType `json:"payeeType"`
	Account     string    `json:"account"`
	Amount      string    `json:"amount"`
	TransferRef string    `json:"transferRef,omitempty"`
}

// View is the JSON shape for a settlement record.
type View struct {
	PaymentIntentID string     `json:"paymentIntentId"`
	OrderID         string     `json:"orderId,omitempty"`
	TotalAmount     string     `json:"totalAmount"`
	Currency        string     `json:"currency"`
	ProductType     string     `json:"productType"`
	ChannelFee      string     `json:"channelFee"`
	PlatformBaseFee string     `json:"platformBaseFee"`
	PoolFee         string     `json:"poolFee"`
	MerchantAmount  string     `json:"merchantAmount"`
	PlatformNet     string     `json:"platformNet"`
	Allocations     []LineView `json:"allocations"`
	Status          Status     `json:"status"`
	FailureReason   string     `json:"failureReason,omitempty"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	Resolution      string     `json:"resolution,omitempty"`
	Attempts        int        `json:"attempts"`
	AuditProofHash  string     `json:"auditProofHash,omitempty"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// NewView converts a record to its response shape.
func NewView(rec *Record) View {
	lines := make([]LineView, 0, len(rec.Allocations))
	for _, l := range rec.Allocations {
		lines = append(lines, LineView{
			PayeeID:     l.PayeeID,
			PayeeType:   l.PayeeType,
			Account:     l.Account,
			Amount:      money.Format(l.Amount),
			TransferRef: l.TransferRef,
		})
	}
	return View{
		PaymentIntentID: rec.PaymentIntentID,
		OrderID:         rec.OrderID,
		TotalAmount:     money.Format(rec.TotalAmount),
		Currency:        rec.Currency,
		ProductType:     string(rec.ProductType),
		ChannelFee:      money.Format(rec.ChannelFee),
		PlatformBaseFee: money.Format(rec.PlatformBaseFee),
		PoolFee:         money.Format(rec.PoolFee),
		MerchantAmount:  money.Format(rec.MerchantAmount),
		PlatformNet:     money.Format(rec.PlatformNet),
		Allocations:     lines,
		Status:          rec.Status,
		FailureReason:   rec.FailureReason,
		DisputeReason:   rec.DisputeReason,
		Resolution:      rec.Resolution,
		Attempts:        rec.Attempts,
		AuditProofHash:  rec.AuditProofHash,
		SettledAt:       rec.SettledAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// Handler provides HTTP handlers for settlement operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/settlements/events/order-completed", h.OrderCompleted)
	r.GET("/settlements/stats", h.Stats)
	r.GET("/settlements/:paymentIntentId", h.Get)
	r.POST("/settlements/:paymentIntentId/advance", h.Advance)
	r.POST("/settlements/:paymentIntentId/dispute", h.Dispute)
	r.POST("/settlements/:paymentIntentId/resolve", h.Resolve)
	r.POST("/settlements/:paymentIntentId/refund", h.Refund)
}

// OrderCompleted handles POST /settlements/events/order-completed. The
// record is created (or fetched) synchronously; payouts run in the
// background.
func (h *Handler) OrderCompleted(c *gin.Context) {
	var ev OrderCompletedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid event body"})
		return
	}

	total, ok := money.Parse(ev.TotalAmount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "totalAmount is not a valid amount"})
		return
	}

	rec, err := h.service.CreateOrGet(c.Request.Context(), Intent{
		PaymentIntentID:     ev.PaymentIntentID,
		OrderID:             ev.OrderID,
		TotalAmount:         total,
		Currency:            ev.Currency,
		ProductType:         allocation.ProductType(ev.ProductType),
		Merchant:            ev.Merchant,
		ExecutionAgent:      ev.ExecutionAgent,
		RecommendationAgent: ev.RecommendationAgent,
		ReferralAgent:       ev.ReferralAgent,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	// Advance asynchronously; the caller polls or listens for events.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, _ = h.service.Advance(ctx, rec.PaymentIntentID)
	}()

	c.JSON(http.StatusAccepted, NewView(rec))
}

// Get handles GET /settlements/:paymentIntentId
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("paymentIntentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewView(rec))
}

// Advance handles POST /settlements/:paymentIntentId/advance. Manual
// re-drive for operators; a no-op on records past processing.
func (h *Handler) Advance(c *gin.Context) {
	rec, err := h.service.Advance(c.Request.Context(), c.Param("paymentIntentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewView(rec))
}

// Dispute handles POST /settlements/:paymentIntentId/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}

	rec, err := h.service.MarkDisputed(c.Request.Context(), c.Param("paymentIntentId"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewView(rec))
}

// Resolve handles POST /settlements/:paymentIntentId/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
		Refund     bool   `json:"refund"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolution is required"})
		return
	}

	rec, err := h.service.ResolveDispute(c.Request.Context(), c.Param("paymentIntentId"), req.Resolution, req.Refund)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewView(rec))
}

// Refund handles POST /settlements/:paymentIntentId/refund
func (h *Handler) Refund(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}

	rec, err := h.service.Refund(c.Request.Context(), c.Param("paymentIntentId"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewView(rec))
}

// Stats handles GET /settlements/stats
func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.service.CountByStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement_not_found", "message": "No settlement for this payment intent"})
	case errors.Is(err, ErrInvalidIntent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_intent", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
	}
}
