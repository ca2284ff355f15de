// Package server wires the HTTP API together: session authority, relay
// pipeline, settlement engine, webhooks, and the realtime stream.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/avernet/paylane/internal/config"
	"github.com/avernet/paylane/internal/health"
	"github.com/avernet/paylane/internal/idgen"
	"github.com/avernet/paylane/internal/logging"
	"github.com/avernet/paylane/internal/metrics"
	"github.com/avernet/paylane/internal/rail"
	"github.com/avernet/paylane/internal/ratelimit"
	"github.com/avernet/paylane/internal/realtime"
	"github.com/avernet/paylane/internal/relayer"
	"github.com/avernet/paylane/internal/security"
	"github.com/avernet/paylane/internal/session"
	"github.com/avernet/paylane/internal/settlement"
	"github.com/avernet/paylane/internal/traces"
	"github.com/avernet/paylane/internal/validation"
	"github.com/avernet/paylane/internal/webhooks"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	db         *sql.DB // nil if using in-memory stores
	railClient rail.Rail
	authority  *session.Authority
	executor   *relayer.Executor
	relayStore relayer.Store
	settleSvc  *settlement.Service
	sweeper    *settlement.Sweeper
	dispatcher *webhooks.Dispatcher
	hub        *realtime.Hub
	events     *eventFanout

	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRail injects a payment rail (for testing).
func WithRail(r rail.Rail) Option {
	return func(s *Server) {
		s.railClient = r
	}
}

// New creates a server instance with all subsystems wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		sessionStore session.Store
		settleStore  settlement.Store
		webhookStore webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		sessionStore = session.NewPostgresStore(db)
		s.relayStore = relayer.NewPostgresStore(db)
		settleStore = settlement.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		sessionStore = session.NewMemoryStore()
		s.relayStore = relayer.NewMemoryStore()
		settleStore = settlement.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment rail, unless injected for testing.
	if s.railClient == nil {
		r, err := rail.New(rail.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
		}, rail.WithPollInterval(cfg.ConfirmPollInterval))
		if err != nil {
			return nil, fmt.Errorf("failed to create payment rail: %w", err)
		}
		s.railClient = r
	}

	// A configured relayer address must match the one derived from the key;
	// a mismatch means the wrong key is loaded.
	if cfg.RelayerAddress != "" && !strings.EqualFold(cfg.RelayerAddress, s.railClient.Address()) {
		return nil, fmt.Errorf("RELAYER_ADDRESS %s does not match key-derived address %s",
			cfg.RelayerAddress, s.railClient.Address())
	}

	// Event fan-out: webhooks plus the realtime stream.
	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(webhookStore)
	s.events = &eventFanout{sinks: []eventSink{
		webhooks.NewEmitter(s.dispatcher, s.logger),
		realtime.NewFeed(s.hub),
	}}

	s.authority = session.NewAuthority(sessionStore)

	s.executor = relayer.NewExecutor(s.authority, s.relayStore, s.railClient, relayer.Config{
		ChainID:        cfg.ChainID,
		MaxAttempts:    cfg.RelayMaxAttempts,
		RetryBase:      cfg.RelayRetryBase,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, s.logger).WithEvents(s.events)

	payer := settlement.NewRouter(s.railClient, cfg.StripeAPIKey, cfg.ConfirmTimeout)
	if cfg.StripeAPIKey != "" {
		s.logger.Info("stripe payout rail enabled")
	}
	s.settleSvc = settlement.NewService(settleStore, payer, settlement.ServiceConfig{
		ChannelFeeBps: cfg.ChannelFeeBps,
		Rates:         cfg.Rates,
		MaxAttempts:   cfg.SettleMaxAttempts,
		RetryBase:     cfg.SettleRetryBase,
	}, s.logger).WithEvents(s.events)
	s.sweeper = settlement.NewSweeper(s.settleSvc, cfg.SweepInterval, s.logger)

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(webhookStore)

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if balancer, ok := s.railClient.(interface {
		Balance(ctx context.Context) (string, error)
	}); ok {
		s.checks.Register("rpc", func(ctx context.Context) health.Status {
			if _, err := balancer.Balance(ctx); err != nil {
				return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "rpc", Healthy: true}
		})
	}
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes(webhookStore webhooks.Store) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	v1.GET("/platform", s.platformHandler)
	v1.GET("/platform/stats", s.statsHandler)

	sessionHandler := session.NewHandler(s.authority).WithEvents(s.events)
	sessionHandler.RegisterRoutes(v1)

	relayHandler := relayer.NewHandler(s.executor)
	relayHandler.RegisterRoutes(v1)

	settlementHandler := settlement.NewHandler(s.settleSvc)
	settlementHandler.RegisterRoutes(v1)

	webhookHandler := webhooks.NewHandler(webhookStore)
	webhookHandler.RegisterRoutes(v1)

	// Operator surface: parked submissions that need a human decision.
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	admin.GET("/reconciliation", s.listReconciliationHandler)
	admin.POST("/reconciliation/:paymentId/resolve", s.resolveReconciliationHandler)
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin credentials required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "Paylane",
			"version":        "0.1.0",
			"relayerAddress": s.railClient.Address(),
			"chainId":        s.cfg.ChainID,
			"usdcContract":   s.cfg.USDCContract,
			"currency":       "USDC",
		},
		"instructions": gin.H{
			"session": "POST /v1/sessions to authorize a signer with spend limits",
			"spend":   "POST /v1/relay with a signed spend authorization",
			"settle":  "POST /v1/settlements/events/order-completed with an order event",
		},
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	stats := gin.H{"realtime": s.hub.Stats()}

	if active, err := s.authority.CountActive(ctx); err == nil {
		stats["activeSessions"] = active
		metrics.ActiveSessions.Set(float64(active))
	}
	if counts, err := s.settleSvc.CountByStatus(ctx); err == nil {
		stats["settlements"] = counts
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) listReconciliationHandler(c *gin.Context) {
	subs, err := s.relayStore.ListByStatus(c.Request.Context(), relayer.StatusRequiresReconciliation, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list submissions",
		})
		return
	}

	views := make([]relayer.View, 0, len(subs))
	for _, sub := range subs {
		views = append(views, relayer.NewView(sub))
	}
	c.JSON(http.StatusOK, gin.H{"submissions": views, "count": len(views)})
}

// resolveReconciliationHandler lets an operator close out a parked
// submission after investigating it off-band. The session budget is
// never adjusted here; refunds are an explicit owner-facing operation.
func (s *Server) resolveReconciliationHandler(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome" binding:"required,oneof=confirmed failed"`
		TxHash  string `json:"txHash"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome must be confirmed or failed",
		})
		return
	}

	ctx := c.Request.Context()
	sub, err := s.relayStore.Get(ctx, c.Param("paymentId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Submission not found",
		})
		return
	}
	if sub.Status != relayer.StatusRequiresReconciliation {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": fmt.Sprintf("Submission is %s, not requires_reconciliation", sub.Status),
		})
		return
	}

	if req.Outcome == "confirmed" {
		sub.Status = relayer.StatusConfirmed
		if req.TxHash != "" {
			sub.TxHash = req.TxHash
		}
	} else {
		sub.Status = relayer.StatusFailed
		sub.FailureReason = req.Reason
	}
	sub.UpdatedAt = time.Now().UTC()

	if err := s.relayStore.Update(ctx, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update submission",
		})
		return
	}

	s.logger.Info("reconciliation resolved",
		"paymentId", sub.PaymentID,
		"outcome", req.Outcome)
	s.events.RelayEvent(ctx, "relay."+string(sub.Status), sub)
	c.JSON(http.StatusOK, relayer.NewView(sub))
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background pipelines, blocking until a
// shutdown signal or a fatal server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	tracesShutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracesShutdown = func(context.Context) error { return nil }
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"relayer", s.railClient.Address(),
			"chainId", s.cfg.ChainID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.executor.Start(runCtx)
	go s.sweeper.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.shutdown(tracesShutdown)
}

func (s *Server) shutdown(tracesShutdown func(context.Context) error) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.executor.Stop()
	s.sweeper.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// In-flight webhook deliveries finish before connections close.
	s.dispatcher.Wait()

	if err := tracesShutdown(ctx); err != nil {
		s.logger.Error("traces shutdown error", "error", err)
	}

	if closer, ok := s.railClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("rail close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
