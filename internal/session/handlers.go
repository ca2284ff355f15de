package session

import (
	"context"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avernet/paylane/internal/money"
	"github.com/avernet/paylane/internal/pagination"
)

// CreateRequest is the payload for creating a new session.
type CreateRequest struct {
	Owner       string `json:"owner" binding:"required"`
	Signer      string `json:"signer" binding:"required"`
	SingleLimit string `json:"singleLimit" binding:"required"` // decimal USDC, e.g. "1.00"
	DailyLimit  string `json:"dailyLimit" binding:"required"`
	ExpiresAt   string `json:"expiresAt,omitempty"` // RFC3339
	ExpiresIn   string `json:"expiresIn,omitempty"` // duration, e.g. "24h"
}

// View is the JSON shape for a session, with amounts formatted as decimals.
type View struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Signer        string     `json:"signer"`
	SingleLimit   string     `json:"singleLimit"`
	DailyLimit    string     `json:"dailyLimit"`
	UsedToday     string     `json:"usedToday"`
	RemainingDay  string     `json:"remainingToday"`
	Expiry        time.Time  `json:"expiry"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	Active        bool       `json:"active"`
	LastResetDate string     `json:"lastResetDate"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// NewView converts a session to its response shape. Sessions whose daily
// window has rolled over report a full remaining budget even though the
// stored usedToday has not been reset yet.
func NewView(s *Session, now time.Time) View {
	used := s.UsedToday
	if s.LastResetDate != UTCDay(now) {
		used = big.NewInt(0) // window rolled over; nothing consumed today
	}
	remaining := new(big.Int).Sub(s.DailyLimit, used)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return View{
		ID:            s.ID,
		Owner:         s.Owner,
		Signer:        s.Signer,
		SingleLimit:   money.Format(s.SingleLimit),
		DailyLimit:    money.Format(s.DailyLimit),
		UsedToday:     money.Format(used),
		RemainingDay:  money.Format(remaining),
		Expiry:        s.Expiry,
		RevokedAt:     s.RevokedAt,
		Active:        s.IsActive(now),
		LastResetDate: s.LastResetDate,
		CreatedAt:     s.CreatedAt,
	}
}

// Events receives session lifecycle notifications. Implementations must
// not block; delivery failures are the implementation's problem.
type Events interface {
	SessionEvent(ctx context.Context, event string, s *Session)
}

// Handler provides HTTP handlers for session operations.
type Handler struct {
	authority *Authority
	events    Events
}

// NewHandler creates a new session handler.
func NewHandler(authority *Authority) *Handler {
	return &Handler{authority: authority}
}

// WithEvents attaches a lifecycle event sink.
func (h *Handler) WithEvents(ev Events) *Handler {
	h.events = ev
	return h
}

func (h *Handler) emit(ctx context.Context, event string, s *Session) {
	if h.events != nil {
		h.events.SessionEvent(ctx, event, s)
	}
}

// RegisterRoutes sets up the session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.Create)
	r.GET("/sessions/:id", h.Get)
	r.DELETE("/sessions/:id", h.Revoke)
	r.GET("/owners/:address/sessions", h.ListByOwner)
}

// Create handles POST /sessions
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	singleLimit, ok := money.Parse(req.SingleLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "singleLimit is not a valid amount"})
		return
	}
	dailyLimit, ok := money.Parse(req.DailyLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "dailyLimit is not a valid amount"})
		return
	}

	expiry, err := parseExpiry(req.ExpiresAt, req.ExpiresIn)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expiry", "message": err.Error()})
		return
	}

	s, err := h.authority.Create(c.Request.Context(), req.Owner, req.Signer, singleLimit, dailyLimit, expiry)
	if err != nil {
		writeError(c, err)
		return
	}

	h.emit(c.Request.Context(), "session.created", s)
	c.JSON(http.StatusCreated, NewView(s, time.Now()))
}

// Get handles GET /sessions/:id
func (h *Handler) Get(c *gin.Context) {
	s, err := h.authority.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewView(s, time.Now()))
}

// Revoke handles DELETE /sessions/:id. The caller identifies as the owner
// via the X-Owner-Address header; signature-based owner auth sits in front
// of this service in production deployments.
func (h *Handler) Revoke(c *gin.Context) {
	caller := c.GetHeader("X-Owner-Address")
	if caller == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_owner", "message": "X-Owner-Address header is required"})
		return
	}

	if err := h.authority.Revoke(c.Request.Context(), c.Param("id"), caller); err != nil {
		writeError(c, err)
		return
	}

	if s, err := h.authority.Get(c.Request.Context(), c.Param("id")); err == nil {
		h.emit(c.Request.Context(), "session.revoked", s)
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// ListByOwner handles GET /owners/:address/sessions with cursor pagination.
func (h *Handler) ListByOwner(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is not valid"})
		return
	}

	sessions, err := h.authority.List(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}

	// Newest first, ID as tiebreak so the order is total.
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	if cursor != nil {
		for len(sessions) > 0 {
			s := sessions[0]
			if s.CreatedAt.Before(cursor.CreatedAt) ||
				(s.CreatedAt.Equal(cursor.CreatedAt) && s.ID < cursor.ID) {
				break
			}
			sessions = sessions[1:]
		}
	}
	if len(sessions) > limit+1 {
		sessions = sessions[:limit+1]
	}

	page, next, hasMore := pagination.ComputePage(sessions, limit, func(s *Session) (time.Time, string) {
		return s.CreatedAt, s.ID
	})

	now := time.Now()
	views := make([]View, 0, len(page))
	for _, s := range page {
		views = append(views, NewView(s, now))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":   views,
		"count":      len(views),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

func writeError(c *gin.Context, err error) {
	if ve, ok := err.(*ValidationError); ok {
		status := http.StatusBadRequest
		switch ve {
		case ErrNotFound:
			status = http.StatusNotFound
		case ErrUnauthorized:
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": ve.Code, "message": ve.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
}

func parseExpiry(expiresAt, expiresIn string) (time.Time, error) {
	if expiresAt != "" {
		return time.Parse(time.RFC3339, expiresAt)
	}
	if expiresIn != "" {
		d, err := time.ParseDuration(expiresIn)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().Add(d), nil
	}
	// Default: 24 hours
	return time.Now().Add(24 * time.Hour), nil
}
