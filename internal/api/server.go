// Package api provides the HTTP API server implementation for the opmsync service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/engine"
	"github.com/opmsync-io/opmsync/internal/queue"
	"github.com/opmsync-io/opmsync/internal/storage"
	"github.com/opmsync-io/opmsync/internal/webhook"
)

type (
	// SyncController is the engine surface the API needs: pause and resume
	// the dispatch loop and report aggregated health.
	SyncController interface {
		Pause()
		Resume()
		Paused() bool
		Health(ctx context.Context) *engine.HealthSnapshot
	}

	// ItemCatalog is the catalog surface the API needs to validate manual
	// sync triggers and expand product triggers into item jobs.
	ItemCatalog interface {
		Identity(ctx context.Context, itemID int64) (*catalog.ItemIdentity, error)
		ItemsForProduct(ctx context.Context, productID int64) ([]*catalog.ItemIdentity, error)
	}

	// SyncGate reads and writes the database-backed sync enable flag.
	SyncGate interface {
		IsEnabled(ctx context.Context) bool
		SetEnabled(ctx context.Context, enabled bool, updatedBy string) error
	}

	// VendorStatsProvider reports vendor mapping cache coverage.
	VendorStatsProvider interface {
		Stats(ctx context.Context) (*storage.VendorMappingStats, error)
	}

	// SyncSimulator runs the full sync pipeline for a single item without
	// calling the ERP.
	SyncSimulator interface {
		Run(ctx context.Context, itemID int64) (*engine.DryRunRecord, error)
	}

	// PricingApplier validates and applies one inbound ERP pricing webhook.
	PricingApplier interface {
		Apply(ctx context.Context, inbound *webhook.InboundPricing) (*webhook.Result, error)
	}

	// Dependencies carries the runtime collaborators injected into the API
	// server. Configuration (what) is separated from dependencies (how):
	// ServerConfig holds ports and timeouts, Dependencies holds the stores
	// and engine handles the request handlers call into.
	Dependencies struct {
		KeyStore    storage.OperatorKeyStore
		RateLimiter middleware.RateLimiter
		Controller  SyncController
		Jobs        queue.Store
		Items       queue.ItemSyncStore
		Changes     queue.ChangeLogStore
		Catalog     ItemCatalog
		Vendors     VendorStatsProvider
		Gate        SyncGate
		Simulator   SyncSimulator
		Pricing     PricingApplier
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		keyStore    storage.OperatorKeyStore
		rateLimiter middleware.RateLimiter
		controller  SyncController
		jobs        queue.Store
		items       queue.ItemSyncStore
		changes     queue.ChangeLogStore
		catalog     ItemCatalog
		vendors     VendorStatsProvider
		gate        SyncGate
		simulator   SyncSimulator
		pricing     PricingApplier
		validator   *queue.Validator
	}
)

// NewServer creates a new HTTP server instance with structured logging and
// the full middleware stack.
//
// Nil optional dependencies (KeyStore, RateLimiter) disable the matching
// middleware. The remaining dependencies are required by the handlers that
// use them; wiring them is the caller's responsibility.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		keyStore:    deps.KeyStore,
		rateLimiter: deps.RateLimiter,
		controller:  deps.Controller,
		jobs:        deps.Jobs,
		items:       deps.Items,
		changes:     deps.Changes,
		catalog:     deps.Catalog,
		vendors:     deps.Vendors,
		gate:        deps.Gate,
		simulator:   deps.Simulator,
		pricing:     deps.Pricing,
		validator:   queue.NewValidator(),
	}

	server.setupRoutes(mux)

	if deps.KeyStore != nil { // pragma: allowlist secret
		logger.Info("Operator authentication middleware enabled")
	} else {
		logger.Warn("OperatorKeyStore not configured - operator authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Outermost first: correlation before recovery so panic responses carry
	// an ID, auth before rate limiting so limits are per-operator, logging
	// after rate limiting so rejected floods don't swamp the log, CORS last.
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithOperatorAuth(deps.KeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Uptime baseline reported by the status endpoint
	s.startTime = time.Now()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting opmsync API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			errCh <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown drains in-flight requests within the configured timeout.
//
// Only resources the server owns are released here. The engine, the Kafka
// publisher, and the database connection are owned and closed by the caller
// that wired them.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// The rate limiter runs a background cleanup goroutine; stop it.
	if s.rateLimiter != nil {
		s.logger.Info("Closing rate limiter")

		if limiter, ok := s.rateLimiter.(interface{ Close() }); ok {
			limiter.Close()
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
