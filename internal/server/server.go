// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/keymarket/internal/admin"
	"github.com/mbd888/keymarket/internal/auth"
	"github.com/mbd888/keymarket/internal/config"
	"github.com/mbd888/keymarket/internal/dispute"
	"github.com/mbd888/keymarket/internal/escrow"
	"github.com/mbd888/keymarket/internal/health"
	"github.com/mbd888/keymarket/internal/ledger"
	"github.com/mbd888/keymarket/internal/logging"
	"github.com/mbd888/keymarket/internal/metrics"
	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/payout"
	"github.com/mbd888/keymarket/internal/provider"
	"github.com/mbd888/keymarket/internal/ratelimit"
	"github.com/mbd888/keymarket/internal/reconciliation"
	"github.com/mbd888/keymarket/internal/security"
	"github.com/mbd888/keymarket/internal/traces"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	orders       order.Store
	ledger       *ledger.Ledger
	maturity     *escrow.MaturityService
	maturityTmr  *escrow.Timer
	disputes     *dispute.Service
	payouts      *payout.Service
	payoutTmr    *payout.Timer
	anomalies    reconciliation.Store
	reconciler   *reconciliation.Runner
	reconcileTmr *reconciliation.Timer
	remediation  *admin.Service
	provider     provider.Provider

	rateLimiter   *ratelimit.Limiter // nil when RATE_LIMIT_PER_MINUTE=0
	health        *health.Registry
	db            *sql.DB       // nil unless a Postgres-backed store is in use
	mongoClient   *mongo.Client // nil unless STORE_BACKEND=mongo
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithProvider sets the payment provider used by reconciliation (for testing)
func WithProvider(p provider.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTrace, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}
	s.orders = st.orders
	s.anomalies = st.anomalies

	// Ledger
	s.ledger = ledger.New(st.ledger).WithLogger(s.logger)

	// Escrow maturity
	s.maturity = escrow.NewMaturityService(st.orders, &escrowLedgerAdapter{ledger: s.ledger}, escrow.Config{
		MaturityHold: cfg.MaturityHold,
		BatchSize:    cfg.EscrowBatchSize,
	}).WithLogger(s.logger)
	if cfg.MaturityEnabled {
		s.maturityTmr = escrow.NewTimer(s.maturity, cfg.MaturityInterval, s.logger)
	}

	// Disputes
	s.disputes = dispute.NewService(st.disputes, st.orders).WithLogger(s.logger)

	// Payout scheduling
	s.payouts = payout.NewService(st.schedules, st.orders).WithLogger(s.logger)
	if cfg.PayoutEnabled {
		s.payoutTmr = payout.NewTimer(s.payouts, cfg.PayoutInterval, s.logger)
	}

	// Reconciliation
	if s.provider == nil {
		if cfg.StripeSecretKey != "" {
			s.provider = provider.NewStripe(cfg.StripeSecretKey, s.logger)
		} else {
			s.logger.Warn("STRIPE_SECRET_KEY not set, provider drift checks run against an empty in-memory provider")
			s.provider = provider.NewMemoryProvider()
		}
	}
	s.reconciler = reconciliation.NewRunner(st.anomalies, st.orders, s.ledger, s.payouts, reconciliation.Config{
		MaturityHold:   cfg.MaturityHold,
		StuckThreshold: cfg.StuckThreshold,
	}).WithProvider(s.provider).WithLogger(s.logger)
	if cfg.AlertWebhookURL != "" {
		s.reconciler.WithAlerter(reconciliation.NewWebhookAlerter(cfg.AlertWebhookURL, s.logger))
	}
	if cfg.ReconcileEnabled {
		s.reconcileTmr = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	// Admin remediation
	s.remediation = admin.NewService(st.actions, s.payouts, s.ledger, st.anomalies, st.orders).WithLogger(s.logger)

	s.setupHealth()

	// Setup Gin
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// stores bundles the persistence layer selected by STORE_BACKEND.
type stores struct {
	orders    order.Store
	ledger    ledger.Store
	disputes  dispute.Store
	schedules payout.Store
	anomalies reconciliation.Store
	actions   admin.Store
}

func (s *Server) openStores(ctx context.Context) (*stores, error) {
	switch s.cfg.StoreBackend {
	case config.BackendMemory, "":
		s.logger.Warn("using in-memory storage, data is lost on restart")
		return &stores{
			orders:    order.NewMemoryStore(),
			ledger:    ledger.NewMemoryStore(),
			disputes:  dispute.NewMemoryStore(),
			schedules: payout.NewMemoryStore(),
			anomalies: reconciliation.NewMemoryStore(),
			actions:   admin.NewMemoryStore(),
		}, nil
	case config.BackendPostgres, config.BackendMongo:
	default:
		return nil, fmt.Errorf("unknown store backend %q", s.cfg.StoreBackend)
	}

	db, err := s.openPostgres(ctx)
	if err != nil {
		return nil, err
	}
	st := &stores{
		orders:    order.NewPostgresStore(db),
		ledger:    ledger.NewPostgresStore(db),
		disputes:  dispute.NewPostgresStore(db),
		schedules: payout.NewPostgresStore(db),
		anomalies: reconciliation.NewPostgresStore(db),
		actions:   admin.NewPostgresStore(db),
	}
	if s.cfg.StoreBackend == config.BackendPostgres {
		return st, nil
	}

	// Mongo holds the order, dispute and payout documents. The ledger,
	// anomalies and remediation log stay relational.
	mdb, err := s.openMongo(ctx)
	if err != nil {
		return nil, err
	}
	orders := order.NewMongoStore(mdb)
	disputes := dispute.NewMongoStore(mdb)
	schedules := payout.NewMongoStore(mdb)
	for name, ensure := range map[string]func(context.Context) error{
		"orders":    orders.EnsureIndexes,
		"disputes":  disputes.EnsureIndexes,
		"schedules": schedules.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure %s indexes: %w", name, err)
		}
	}
	st.orders, st.disputes, st.schedules = orders, disputes, schedules
	return st, nil
}

func (s *Server) openPostgres(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	s.db = db
	return db, nil
}

func (s *Server) openMongo(ctx context.Context) (*mongo.Database, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(s.cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s.logger.Info("connected to MongoDB", "uri", maskDSN(s.cfg.MongoURI), "database", s.cfg.MongoDatabase)
	s.mongoClient = client
	return client.Database(s.cfg.MongoDatabase), nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("postgres", health.SQL("postgres", s.db))
	}
	if s.mongoClient != nil {
		s.health.Register("mongo", health.Mongo("mongo", s.mongoClient))
	}
	for name, t := range s.timers() {
		s.health.Register(name, health.Timer(name, t.enabled, t.running))
	}
}

type timerState struct {
	enabled bool
	running func() bool
}

func (s *Server) timers() map[string]timerState {
	off := func() bool { return false }
	out := map[string]timerState{
		"escrow_maturity":  {running: off},
		"payout_scheduler": {running: off},
		"reconciliation":   {running: off},
	}
	if s.maturityTmr != nil {
		out["escrow_maturity"] = timerState{enabled: true, running: s.maturityTmr.Running}
	}
	if s.payoutTmr != nil {
		out["payout_scheduler"] = timerState{enabled: true, running: s.payoutTmr.Running}
	}
	if s.reconcileTmr != nil {
		out["reconciliation"] = timerState{enabled: true, running: s.reconcileTmr.Running}
	}
	return out
}

// maskDSN redacts the password in a connection string for logging.
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Buyer-facing, throttled per client IP
	public := v1.Group("")
	if s.cfg.RateLimitPerMinute > 0 {
		cfg := ratelimit.DefaultConfig()
		cfg.RequestsPerMinute = s.cfg.RateLimitPerMinute
		s.rateLimiter = ratelimit.New(cfg)
		public.Use(s.rateLimiter.Middleware())
	}
	disputeHandler := dispute.NewHandler(s.disputes, s.logger)
	disputeHandler.RegisterRoutes(public)

	// Operator surface
	secrets := auth.Secrets{Admin: s.cfg.AdminSecret, Operator: s.cfg.OperatorSecret}
	ops := v1.Group("", auth.Middleware(secrets), auth.RequireRole(auth.RoleSuperAdmin, auth.RoleOperator))
	disputeHandler.RegisterAdminRoutes(ops)

	payoutHandler := payout.NewHandler(s.payouts, s.logger)
	payoutHandler.RegisterRoutes(ops)
	payoutHandler.RegisterAdminRoutes(ops)

	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(ops)

	adminHandler := admin.NewHandler(s.remediation, s.logger).
		WithAnomalyLister(s.anomalies).
		WithMaturityRunner(s.maturityRunner()).
		WithPayoutRunner(s.payoutRunner()).
		WithReconciler(s.reconcileRunner())
	adminHandler.RegisterRoutes(v1.Group("", auth.Middleware(secrets)))
}

// Manual triggers share the timer's in-flight guard when the timer exists.
func (s *Server) maturityRunner() admin.MaturityRunner {
	if s.maturityTmr != nil {
		return s.maturityTmr
	}
	return escrow.NewTimer(s.maturity, s.cfg.MaturityInterval, s.logger)
}

func (s *Server) payoutRunner() admin.PayoutRunner {
	if s.payoutTmr != nil {
		return s.payoutTmr
	}
	return payout.NewTimer(s.payouts, s.cfg.PayoutInterval, s.logger)
}

func (s *Server) reconcileRunner() admin.Reconciler {
	if s.reconcileTmr != nil {
		return s.reconcileTmr
	}
	return reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, s.logger)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
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
	healthy, checks := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background timers with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"store", s.cfg.StoreBackend,
			"maturity_hold", s.cfg.MaturityHold.String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.maturityTmr != nil {
		go s.maturityTmr.Start(runCtx)
	}
	if s.payoutTmr != nil {
		go s.payoutTmr.Start(runCtx)
	}
	if s.reconcileTmr != nil {
		go s.reconcileTmr.Start(runCtx)
	}

	running := make(map[string]func() bool)
	for name, t := range s.timers() {
		running[name] = t.running
	}
	go metrics.StartStatsCollector(runCtx, s.db, running, 15*time.Second)

	// Mark as ready after brief delay for startup
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

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.maturityTmr != nil {
		s.maturityTmr.Stop()
		s.logger.Info("escrow maturity timer stopped")
	}
	if s.payoutTmr != nil {
		s.payoutTmr.Stop()
		s.logger.Info("payout timer stopped")
	}
	if s.reconcileTmr != nil {
		s.reconcileTmr.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeStores(ctx)

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStores(ctx context.Context) {
	if s.mongoClient != nil {
		if err := s.mongoClient.Disconnect(ctx); err != nil {
			s.logger.Error("mongo disconnect error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// escrowLedgerAdapter bridges the escrow package's release contract to the
// ledger so neither package imports the other.
type escrowLedgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *escrowLedgerAdapter) ReleaseFunds(ctx context.Context, req escrow.ReleaseRequest) (*escrow.ReleaseResult, error) {
	res, err := a.ledger.ReleaseFunds(ctx, ledger.ReleaseRequest{
		OrderID:     req.OrderID,
		SellerID:    req.SellerID,
		Currency:    req.Currency,
		AmountMinor: req.AmountMinor,
	})
	if err != nil {
		return nil, err
	}
	return &escrow.ReleaseResult{
		Success: res.Success,
		Skipped: res.Skipped,
		Reason:  res.Reason,
	}, nil
}
