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
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/config"
	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/health"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/ratelimit"
	"github.com/mbd888/settle/internal/realtime"
	"github.com/mbd888/settle/internal/reconciliation"
	"github.com/mbd888/settle/internal/security"
	"github.com/mbd888/settle/internal/traces"
	"github.com/mbd888/settle/internal/validation"
	"github.com/mbd888/settle/internal/webhooks"
	"github.com/mbd888/settle/migrations"
)

// Version is reported by /health and /v1/info.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Ledger
	ledgerStore  ledger.Store
	engine       *escrow.Engine
	reconciler   *reconciliation.Runner
	reconTimer   *reconciliation.Timer
	realtimeHub  *realtime.Hub
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	verifier     *auth.Verifier
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithLedgerStore injects a ledger store, bypassing DATABASE_URL (for testing)
func WithLedgerStore(store ledger.Store) Option {
	return func(s *Server) {
		s.ledgerStore = store
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: injected, Postgres if DATABASE_URL set, otherwise in-memory
	switch {
	case s.ledgerStore != nil:
		s.logger.Info("using injected ledger store")
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if cfg.AutoMigrate {
			version, err := migrations.Up(ctx, db)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			s.logger.Info("database migrated", "version", version)
		}

		s.db = db
		s.ledgerStore = ledger.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	default:
		s.ledgerStore = ledger.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.ledger = ledger.New(s.ledgerStore).WithLogger(s.logger)

	program, authority, feeWallet, err := cfg.Keys()
	if err != nil {
		return nil, fmt.Errorf("invalid escrow keys: %w", err)
	}

	// Realtime hub and webhooks are the engine's event sinks
	s.realtimeHub = realtime.NewHub(s.logger)

	if s.db != nil {
		s.webhookStore = webhooks.NewPostgresStore(s.db)
	} else {
		s.webhookStore = webhooks.NewMemoryStore()
	}
	whCfg := webhooks.DefaultConfig()
	whCfg.Workers = cfg.WebhookWorkers
	whOpts := []webhooks.Option{webhooks.WithLogger(s.logger)}
	if cfg.WebhookAllowPrivate && !cfg.IsProduction() {
		whOpts = append(whOpts, webhooks.WithURLValidator(func(context.Context, string) error { return nil }))
		s.logger.Warn("webhook endpoint checks disabled")
	}
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, whCfg, whOpts...)

	s.engine, err = escrow.NewEngine(s.ledger, escrow.Params{
		ProgramID: program,
		Authority: authority,
		FeeWallet: feeWallet,
		RateCap:   cfg.FeeRateCapBps,
		MinTotal:  cfg.MinEscrowAmount,
		MinNet:    cfg.MinNetAmount,
	},
		escrow.WithLogger(s.logger),
		escrow.WithEmitter(escrow.MultiEmitter{
			escrow.LogEmitter{Logger: s.logger},
			s.realtimeHub,
			s.webhooks,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow configuration: %w", err)
	}
	s.logger.Info("escrow engine configured",
		"program", program,
		"authority", authority,
		"feeWallet", feeWallet,
		"rateCapBps", cfg.FeeRateCapBps,
	)

	s.reconciler = reconciliation.NewRunner(s.ledger, s.engine, cfg.ReconcileMaxAge, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	s.verifier = auth.NewVerifier(cfg.SignatureMaxSkew)

	s.health = health.NewRegistry()
	s.health.Register("ledger", health.PingChecker("ledger", s.ledger.Ping))
	if s.db != nil {
		s.health.Register("database", health.PingChecker("database", s.db.PingContext))
	}
	s.health.Register("reconciliation", s.reconciliationCheck)

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Signature verification runs before rate limiting so that signed
	// clients are limited per signer rather than per IP.
	s.router.Use(auth.Middleware(s.verifier))

	cfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		cfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	if s.cfg.RateLimitBurst > 0 {
		cfg.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(cfg)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
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

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if signer, ok := auth.GetSigner(c); ok {
			attrs = append(attrs, "signer", signer.Short())
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.engine, s.logger)
	escrowHandler.RegisterRoutes(v1)

	reconHandler := reconciliation.NewHandler(s.reconciler, s.engine.Params().Authority)
	reconHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	reconHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore, s.webhooks, s.logger).RegisterProtectedRoutes(protected)

	if s.cfg.DevAirdrop && !s.cfg.IsProduction() {
		ledgerHandler.RegisterDevRoutes(v1.Group("/dev"))
		s.logger.Warn("development airdrop enabled")
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.ledger.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// reconciliationCheck reports the last reconciliation run. Before the first
// run it is healthy; afterwards it mirrors the report.
func (s *Server) reconciliationCheck(context.Context) health.Status {
	rep := s.reconciler.Last()
	if rep == nil {
		return health.Status{Name: "reconciliation", Healthy: true, Detail: "no run yet"}
	}
	if !rep.Healthy {
		return health.Status{
			Name:    "reconciliation",
			Healthy: false,
			Detail:  fmt.Sprintf("%d findings at %s", len(rep.Findings), rep.Timestamp.Format(time.RFC3339)),
		}
	}
	return health.Status{Name: "reconciliation", Healthy: true}
}

func (s *Server) infoHandler(c *gin.Context) {
	p := s.engine.Params()
	c.JSON(http.StatusOK, gin.H{
		"version":         Version,
		"program":         p.ProgramID,
		"authority":       p.Authority,
		"feeWallet":       p.FeeWallet,
		"feeRateCapBps":   p.RateCap,
		"minEscrowAmount": fmt.Sprint(p.MinTotal),
		"minNetAmount":    fmt.Sprint(p.MinNet),
		"signatureHeaders": []string{
			auth.HeaderSigner, auth.HeaderTimestamp, auth.HeaderSignature,
		},
		"realtime":      s.realtimeHub.Stats(),
		"webhookEvents": webhooks.EventTypes,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without tracing", "error", err)
		stopTracing = func(context.Context) error { return nil }
	}
	s.stopTracing = stopTracing

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
		s.logger.Info("starting server", "port", s.cfg.Port, "program", s.engine.Params().ProgramID)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.webhooks.Run(runCtx)

	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel background goroutines (hub, webhooks, reconciliation, db stats) after
	// in-flight requests have drained so their events still go out.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the escrow engine.
func (s *Server) Engine() *escrow.Engine {
	return s.engine
}

// Ledger returns the ledger.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
