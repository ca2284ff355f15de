package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avernet/paylane/internal/idgen"
	"github.com/avernet/paylane/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store       Store
	validateURL func(string) error
}

// NewHandler creates a webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, validateURL: security.ValidateEndpointURL}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/owners/:address/webhooks", h.Create)
	r.GET("/owners/:address/webhooks", h.List)
	r.DELETE("/owners/:address/webhooks/:webhookId", h.Delete)
}

// CreateRequest registers a webhook endpoint. An empty events list
// subscribes to everything.
type CreateRequest struct {
	URL    string   `json:"url" binding:"required,url"`
	Events []string `json:"events"`
}

// Create handles POST /owners/:address/webhooks
func (h *Handler) Create(c *gin.Context) {
	address := c.Param("address")

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		OwnerAddr: address,
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		// The secret is shown once at creation time only.
		"secret": sub.Secret,
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Paylane-Signature",
		},
	})
}

// List handles GET /owners/:address/webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.GetByOwner(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Secrets never leave the create response.
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{"webhooks": webhooks, "count": len(webhooks)})
}

// Delete handles DELETE /owners/:address/webhooks/:webhookId. The
// subscription must belong to the address in the path.
func (h *Handler) Delete(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if err != nil || sub.OwnerAddr != c.Param("address") {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
