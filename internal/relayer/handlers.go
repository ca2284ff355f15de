package relayer

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avernet/paylane/internal/money"
	"github.com/avernet/paylane/internal/session"
)

// SubmitResponse is returned synchronously for an accepted spend. The
// confirmation arrives later as an event on the submission's payment id.
type SubmitResponse struct {
	Status    string `json:"status"` // "accepted"
	PaymentID string `json:"paymentId"`
}

// View is the JSON shape for a submission.
type View struct {
	PaymentID     string `json:"paymentId"`
	SessionID     string `json:"sessionId"`
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	Nonce         uint64 `json:"nonce"`
	Status        Status `json:"status"`
	TxHash        string `json:"txHash,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	Attempts      int    `json:"attempts"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// NewView converts a submission to its response shape.
func NewView(sub *Submission) View {
	return View{
		PaymentID:     sub.PaymentID,
		SessionID:     sub.SessionID,
		Recipient:     sub.Recipient,
		Amount:        money.Format(sub.Amount),
		Nonce:         sub.Nonce,
		Status:        sub.Status,
		TxHash:        sub.TxHash,
		FailureReason: sub.FailureReason,
		Attempts:      sub.Attempts,
		CreatedAt:     sub.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:     sub.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// Handler provides HTTP handlers for relay operations.
type Handler struct {
	executor *Executor
}

// NewHandler creates a new relay handler.
func NewHandler(executor *Executor) *Handler {
	return &Handler{executor: executor}
}

// RegisterRoutes sets up the relay routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/relay", h.Submit)
	r.GET("/relay/:paymentId", h.Get)
}

// Submit handles POST /relay
func (h *Handler) Submit(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "rejected",
			"reason":  "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sub, err := h.executor.Submit(c.Request.Context(), req)
	if err != nil {
		writeRejection(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		Status:    "accepted",
		PaymentID: sub.PaymentID,
	})
}

// Get handles GET /relay/:paymentId
func (h *Handler) Get(c *gin.Context) {
	sub, err := h.executor.Get(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found", "message": "No submission for this payment id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
		return
	}
	c.JSON(http.StatusOK, NewView(sub))
}

func writeRejection(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrChainMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "chain_mismatch", "message": err.Error()})
		return
	case errors.Is(err, ErrDuplicatePayment):
		c.JSON(http.StatusConflict, gin.H{"status": "rejected", "reason": "duplicate_payment", "message": err.Error()})
		return
	}

	var ve *session.ValidationError
	if errors.As(err, &ve) {
		status := http.StatusBadRequest
		switch ve {
		case session.ErrNotFound:
			status = http.StatusNotFound
		case session.ErrReplayDetected:
			status = http.StatusConflict
		case session.ErrInvalidSignature:
			status = http.StatusUnauthorized
		case session.ErrDailyLimitExceeded, session.ErrExceedsSingleLimit:
			status = http.StatusPaymentRequired
		}
		c.JSON(status, gin.H{"status": "rejected", "reason": ve.Code, "message": ve.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"status": "rejected", "reason": "internal_error", "message": "Unexpected error"})
}
