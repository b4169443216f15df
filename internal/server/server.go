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

	"github.com/tradewind-labs/escrowd/internal/config"
	"github.com/tradewind-labs/escrowd/internal/escrow"
	"github.com/tradewind-labs/escrowd/internal/health"
	"github.com/tradewind-labs/escrowd/internal/logging"
	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/ratelimit"
	"github.com/tradewind-labs/escrowd/internal/reconciliation"
	"github.com/tradewind-labs/escrowd/internal/security"
	"github.com/tradewind-labs/escrowd/internal/settlement"
	"github.com/tradewind-labs/escrowd/internal/syncutil"
	"github.com/tradewind-labs/escrowd/internal/traces"
	"github.com/tradewind-labs/escrowd/internal/trade"
	"github.com/tradewind-labs/escrowd/internal/validation"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

// Wallet is the full wallet gateway surface the server wires in. The real
// implementation is walletrpc.Client; tests substitute fakes.
type Wallet interface {
	GetHeight(ctx context.Context) (uint64, error)
	CreateAddress(ctx context.Context, account uint32, label string) (*walletrpc.Subaddress, error)
	GetTransfers(ctx context.Context, account uint32, subaddrIndices []uint32) ([]walletrpc.IncomingTransfer, error)
	GetTransferByTxid(ctx context.Context, txid string) (*walletrpc.IncomingTransfer, error)
	Transfer(ctx context.Context, account uint32, dests []walletrpc.Destination, priority uint32) (*walletrpc.TransferResult, error)
	SweepSingle(ctx context.Context, address string, priority uint32) (*walletrpc.TransferResult, error)
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	wallet         Wallet
	tradeService   *trade.Service
	ledger         *escrow.Ledger
	reconciler     *reconciliation.Reconciler
	reconcileTick  *reconciliation.Timer
	executor       *settlement.Executor
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	tracesShutdown func(context.Context) error

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWallet sets a custom wallet (for testing)
func WithWallet(w Wallet) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.wallet == nil {
		s.wallet = walletrpc.New(walletrpc.Config{
			URL:         cfg.WalletRPCURL,
			Username:    cfg.WalletRPCUser,
			Password:    cfg.WalletRPCPassword,
			Timeout:     cfg.RPCTimeout,
			ReadRetries: cfg.RPCReadRetries,
			RateLimit:   cfg.RPCRateLimit,
		})
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		tradeStore  trade.Store
		eventStore  trade.EventStore
		escrowStore escrow.Store
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
		tradeStore = trade.NewPostgresStore(db)
		eventStore = trade.NewPostgresEventStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		tradeStore = trade.NewMemoryStore()
		eventStore = trade.NewMemoryEventStore()
		escrowStore = escrow.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	locks := syncutil.NewTradeLocks()
	s.ledger = escrow.NewLedger(escrowStore)

	s.tradeService = trade.NewService(tradeStore, eventStore, s.wallet, locks, trade.ServiceConfig{
		WalletAccount:         cfg.WalletAccount,
		ConfirmationThreshold: cfg.ConfirmationThreshold,
	}, s.logger)

	s.reconciler = reconciliation.New(tradeStore, eventStore, s.ledger, s.wallet, locks, reconciliation.Config{
		WalletAccount:         cfg.WalletAccount,
		ConfirmationThreshold: cfg.ConfirmationThreshold,
	}, s.logger)
	s.reconcileTick = reconciliation.NewTimer(s.reconciler, s.tradeService, cfg.ReconcileInterval, s.logger)

	s.executor = settlement.New(tradeStore, eventStore, s.ledger, s.wallet, locks, settlement.Config{
		FeeBps:           cfg.FeeBps,
		WalletAccount:    cfg.WalletAccount,
		TransferPriority: cfg.TransferPriority,
	}, s.logger)

	s.healthReg.Register("wallet", func(ctx context.Context) error {
		_, err := s.wallet.GetHeight(ctx)
		return err
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		})
	}

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()

	s.router.GET("/healthz", s.handleLiveness)
	s.router.GET("/readyz", s.handleReadiness)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	trade.NewHandler(s.tradeService).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)
	settlement.NewHandler(s.executor).RegisterRoutes(v1)
}

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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(s.identityMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// identityMiddleware copies the identity the upstream gateway established
// onto the gin context. The gateway authenticates users and re-prompts for
// sensitive actions; this service only reads the result.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("actorID", c.GetHeader("X-Actor-ID"))
		c.Set("sensitiveApproved", c.GetHeader("X-Sensitive-Approved") == "true")
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

		args := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", args...)
		case status >= 400:
			logger.Warn("request completed", args...)
		default:
			logger.Info("request completed", args...)
		}
	}
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}

	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "subsystems": statuses})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	tracesShutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesShutdown = tracesShutdown

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Periodic deposit reconciliation and expiry pass.
	go s.reconcileTick.Start(runCtx)

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.reconcileTick.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
