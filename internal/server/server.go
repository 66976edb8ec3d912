// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/tradehub-ng/tradehub/internal/auth"
	"github.com/tradehub-ng/tradehub/internal/bus"
	"github.com/tradehub-ng/tradehub/internal/config"
	"github.com/tradehub-ng/tradehub/internal/countdown"
	"github.com/tradehub-ng/tradehub/internal/health"
	"github.com/tradehub-ng/tradehub/internal/logging"
	"github.com/tradehub-ng/tradehub/internal/message"
	"github.com/tradehub-ng/tradehub/internal/metrics"
	"github.com/tradehub-ng/tradehub/internal/notify"
	"github.com/tradehub-ng/tradehub/internal/proof"
	"github.com/tradehub-ng/tradehub/internal/ratelimit"
	"github.com/tradehub-ng/tradehub/internal/request"
	"github.com/tradehub-ng/tradehub/internal/security"
	"github.com/tradehub-ng/tradehub/internal/trade"
	"github.com/tradehub-ng/tradehub/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	scheduler      *countdown.Scheduler
	requests       *request.Service
	trades         *trade.Service
	messages       *message.Service
	notifications  *notify.Service
	proofs         *proof.Service
	hub            *bus.Hub
	feed           *bus.PGFeed
	tradeSweeper   *trade.Sweeper
	requestSweeper *request.Sweeper
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		requestStore request.Store
		tradeStore   trade.Store
		eventStore   trade.EventStore
		messageStore message.Store
		notifyStore  notify.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		requestStore = request.NewPostgresStore(db)
		tradeStore = trade.NewPostgresStore(db)
		eventStore = trade.NewPostgresEventStore(db)
		messageStore = message.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		requestStore = request.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		eventStore = trade.NewMemoryEventStore()
		messageStore = message.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Countdown scheduler drives payment and confirmation windows
	s.scheduler = countdown.NewScheduler(s.logger)

	// Escrow trades
	s.trades = trade.NewService(tradeStore, eventStore, s.scheduler,
		cfg.PaymentWindow, cfg.ConfirmationWindow, s.logger)
	s.tradeSweeper = trade.NewSweeper(s.trades, tradeStore, s.logger)
	s.logger.Info("escrow enabled",
		"payment_window", cfg.PaymentWindow,
		"confirmation_window", cfg.ConfirmationWindow,
	)

	// Realtime hub. The trade service doubles as the party checker so
	// subscriptions are granted to trade members only.
	s.hub = bus.NewHub(s.trades, s.logger)
	sink := &busSink{hub: s.hub}

	// Notifications, fed by trade events and chat messages
	s.notifications = notify.NewService(notifyStore, s.logger).WithSink(sink)
	emitter := notify.NewEmitter(s.notifications, s.logger)

	s.trades.WithSink(sink).WithSink(emitter)

	// Trade chat
	s.messages = message.NewService(messageStore, s.trades, s.logger).
		WithSink(sink).
		WithSink(emitter)

	// Payment proof storage
	s.proofs = proof.NewService(proof.NewDiskStore(cfg.ProofDir, cfg.ProofBaseURL), cfg.ProofBucket)

	// Trade requests (the order book)
	s.requests = request.NewService(requestStore, s.trades, cfg.RequestTTL, s.logger)
	s.requestSweeper = request.NewSweeper(s.requests, s.logger)

	// Change feed relays committed rows into the hub for at-least-once
	// delivery to subscribers. Postgres only.
	if s.db != nil {
		s.feed = bus.NewPGFeed(cfg.DatabaseURL, s.hub, s.logger)
		s.logger.Info("change feed enabled")
	}

	// Subsystem health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.checks.Register("countdowns", func(ctx context.Context) health.Status {
		return health.Status{Name: "countdowns", Healthy: true, Detail: fmt.Sprintf("%d armed", s.scheduler.Active())}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit. Proof uploads exceed the default JSON cap, so the
	// limit here must stay above the proof handler's own multipart cap.
	s.router.Use(validation.RequestSizeMiddleware(8 << 20))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Actor identity (verified upstream, forwarded in X-User-ID)
	s.router.Use(auth.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// Uploaded payment proofs (party-sensitive URLs are unguessable)
	s.router.Static(s.cfg.ProofBaseURL, s.cfg.ProofDir)

	// WebSocket for real-time streaming. Unauthenticated sockets are
	// rejected inside the hub.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request, auth.UserID(c))
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	requestHandler := request.NewHandler(s.requests)
	tradeHandler := trade.NewHandler(s.trades, &proofIntake{proofs: s.proofs})
	messageHandler := message.NewHandler(s.messages)
	notifyHandler := notify.NewHandler(s.notifications)

	// PUBLIC ROUTES (no identity required)
	// The order book is browsable by anyone.
	requestHandler.RegisterRoutes(v1)
	v1.GET("/bus/stats", s.busStatsHandler)

	// PROTECTED ROUTES (require a verified user identity)
	protected := v1.Group("")
	protected.Use(auth.RequireUser())
	{
		requestHandler.RegisterProtectedRoutes(protected)
		tradeHandler.RegisterProtectedRoutes(protected)
		messageHandler.RegisterProtectedRoutes(protected)
		notifyHandler.RegisterProtectedRoutes(protected)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

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

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "TradeHub",
		"description": "Peer-to-peer crypto-for-cash trade coordination",
		"version":     "0.1.0",
		"currency":    "NGN",
	})
}

func (s *Server) busStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Rearm countdowns for trades that were mid-window when the previous
	// process stopped. Deadlines derive from the records, so overdue ones
	// time out immediately.
	if err := s.trades.Rearm(runCtx); err != nil {
		s.logger.Error("failed to rearm trade countdowns", "error", err)
	}

	// Backstop sweepers for missed timers and stale requests
	go s.tradeSweeper.Start(runCtx)
	go s.requestSweeper.Start(runCtx)

	// Change feed (Postgres only)
	if s.feed != nil {
		go func() {
			if err := s.feed.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("change feed stopped", "error", err)
			}
		}()
	}

	// DB pool metrics
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, time.Minute)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweepers, feed)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop backstop sweepers
	if s.tradeSweeper != nil {
		s.tradeSweeper.Stop()
		s.logger.Info("trade sweeper stopped")
	}
	if s.requestSweeper != nil {
		s.requestSweeper.Stop()
		s.logger.Info("request sweeper stopped")
	}

	// Stop countdown scheduler
	if s.scheduler != nil {
		s.scheduler.Stop()
		s.logger.Info("countdown scheduler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// busSink fans accepted domain writes out to WebSocket subscribers.
type busSink struct {
	hub *bus.Hub
}

func (b *busSink) TradeEvent(t *trade.Trade, event *trade.Event) {
	b.hub.Publish(bus.KindTradeEvent, t.ID, "", map[string]interface{}{
		"event": event,
		"trade": t,
	})
}

func (b *busSink) MessageSent(m *message.Message) {
	b.hub.Publish(bus.KindMessage, m.TradeID, "", m)
}

func (b *busSink) NotificationCreated(n *notify.Notification) {
	b.hub.Publish(bus.KindNotification, "", n.UserID, n)
}

var (
	_ trade.EventSink = (*busSink)(nil)
	_ message.Sink    = (*busSink)(nil)
	_ notify.Sink     = (*busSink)(nil)
)

// proofIntake adapts proof.Service to trade.ProofIntake, translating
// validation failures into the trade package's rejection error.
type proofIntake struct {
	proofs *proof.Service
}

func (p *proofIntake) Accept(ctx context.Context, tradeID, filename, contentType string, data []byte) (*trade.Proof, error) {
	artifact, err := p.proofs.Accept(ctx, tradeID, filename, contentType, data)
	if err != nil {
		if errors.Is(err, proof.ErrEmptyFile) || errors.Is(err, proof.ErrTooLarge) || errors.Is(err, proof.ErrUnsupportedType) {
			return nil, fmt.Errorf("%w: %v", trade.ErrRejectedArtifact, err)
		}
		return nil, err
	}
	return &trade.Proof{
		URL:        artifact.URL,
		MIMEType:   artifact.MIMEType,
		SizeBytes:  artifact.SizeBytes,
		UploadedAt: artifact.UploadedAt,
	}, nil
}

var _ trade.ProofIntake = (*proofIntake)(nil)
