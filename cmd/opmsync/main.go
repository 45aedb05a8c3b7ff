// Package main provides the opmsync OPMS-ERP synchronization service.
//
// This is the main synchronization service: it runs the outbound dispatch
// engine (queue, rate-limited ERP upserts, backup poller), applies inbound
// pricing webhooks, and serves the operational HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/opmsync-io/opmsync/internal/api"
	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/changefeed"
	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/engine"
	"github.com/opmsync-io/opmsync/internal/erp"
	"github.com/opmsync-io/opmsync/internal/storage"
	"github.com/opmsync-io/opmsync/internal/webhook"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "opmsync"
)

const (
	// defaultReclaimInterval is the sweep cadence for stale PROCESSING leases.
	defaultReclaimInterval = time.Minute

	// engineStartTimeout bounds startup-time database work (trigger
	// verification); components themselves run until shutdown.
	engineStartTimeout = 10 * time.Second
)

//nolint:funlen // main is linear wiring; splitting it would hide the order
func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting opmsync service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("operator_rps", middlewareConfig.OperatorRPS),
		slog.Int("operator_burst", middlewareConfig.OperatorBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	// fatal logs the failure and exits. Deferred cleanups do not run past
	// os.Exit, so the connection is closed here explicitly.
	fatal := func(msg string, err error) {
		logger.Error(msg, slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	var keyStore storage.OperatorKeyStore

	authEnabled := config.GetEnvBool("OPMSYNC_AUTH_ENABLED", false)
	if authEnabled {
		keyStore, err = storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			fatal("Failed to connect to operator key store", err)
		}

		logger.Info("Operator authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Operator authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set OPMSYNC_AUTH_ENABLED=true to enable operator key authentication"),
		)
	}

	// The queue store shares the engine's lease TTL so reclaim and dispatch
	// agree on when a claim is abandoned.
	engineConfig := engine.LoadConfig()
	reclaimInterval := config.GetEnvDuration("OPMSYNC_RECLAIM_INTERVAL", defaultReclaimInterval)

	queueStore, err := storage.NewQueueStore(dbConn, engineConfig.LeaseTTL, reclaimInterval)
	if err != nil {
		fatal("Failed to initialize sync queue store", err)
	}

	defer func() {
		_ = queueStore.Close() // Stops the reclaim goroutine
	}()

	itemStore, err := storage.NewItemSyncStore(dbConn)
	if err != nil {
		fatal("Failed to initialize item sync store", err)
	}

	changeLog, err := storage.NewChangeLogStore(dbConn)
	if err != nil {
		fatal("Failed to initialize change log store", err)
	}

	gate, err := storage.NewConfigGate(dbConn, storage.DefaultGateCacheTTL)
	if err != nil {
		fatal("Failed to initialize sync config gate", err)
	}

	vendorMapper, err := storage.NewVendorMapper(dbConn, storage.DefaultVendorCacheTTL)
	if err != nil {
		fatal("Failed to initialize vendor mapper", err)
	}

	dryRunStore, err := storage.NewDryRunStore(dbConn)
	if err != nil {
		fatal("Failed to initialize dry run store", err)
	}

	pricingStore, err := storage.NewPricingStore(dbConn)
	if err != nil {
		fatal("Failed to initialize pricing store", err)
	}

	monitorStore, err := storage.NewMonitorStore(dbConn)
	if err != nil {
		fatal("Failed to initialize monitor store", err)
	}

	extractor, err := catalog.NewExtractor(dbConn)
	if err != nil {
		fatal("Failed to initialize catalog extractor", err)
	}

	logger.Info("Storage initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Duration("lease_ttl", engineConfig.LeaseTTL),
		slog.Duration("reclaim_interval", reclaimInterval),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	erpCatalog, err := erp.LoadCatalogFromEnv()
	if err != nil {
		fatal("Failed to load ERP environment catalog", err)
	}

	clientConfig := erp.LoadClientConfig()

	erpClient, err := erp.NewClient(clientConfig, erpCatalog)
	if err != nil {
		fatal("Failed to initialize ERP upsert client", err)
	}

	logger.Info("ERP upsert client initialized",
		slog.String("config", clientConfig.String()),
		slog.String("default_environment", erpCatalog.DefaultName()),
	)

	builder := erp.NewBuilder(config.GetEnvStr("OPMSYNC_ERP_TAX_SCHEDULE_ID", ""))

	// The changefeed is optional: without brokers the engine runs with a nil
	// publisher and outcomes stay queryable through the job API only.
	feedConfig := changefeed.LoadConfig()

	var feed engine.OutcomePublisher

	if feedConfig.Enabled() {
		publisher, err := changefeed.NewPublisher(feedConfig)
		if err != nil {
			fatal("Failed to initialize changefeed publisher", err)
		}

		defer func() {
			_ = publisher.Close() // Flush buffered outcomes on shutdown
		}()

		feed = publisher
	} else {
		logger.Info("Changefeed disabled - no Kafka brokers configured")
	}

	applier, err := webhook.NewApplier(pricingStore, itemStore)
	if err != nil {
		fatal("Failed to initialize pricing webhook applier", err)
	}

	supervisor, err := engine.NewSupervisor(engine.SupervisorDeps{
		Queue:    queueStore,
		Items:    itemStore,
		Changes:  changeLog,
		Gate:     gate,
		Catalog:  extractor,
		Vendors:  vendorMapper,
		Builder:  builder,
		Client:   erpClient,
		Feed:     feed,
		Triggers: monitorStore,
	}, engineConfig)
	if err != nil {
		fatal("Failed to build sync engine", err)
	}

	simulator, err := engine.NewDryRunner(extractor, vendorMapper, builder, dryRunStore)
	if err != nil {
		fatal("Failed to initialize dry run simulator", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), engineStartTimeout)

	err = supervisor.Start(startCtx)

	cancelStart()

	if err != nil {
		fatal("Failed to start sync engine", err)
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		KeyStore:    keyStore,
		RateLimiter: rateLimiter,
		Controller:  supervisor,
		Jobs:        queueStore,
		Items:       itemStore,
		Changes:     changeLog,
		Catalog:     extractor,
		Vendors:     vendorMapper,
		Gate:        gate,
		Simulator:   simulator,
		Pricing:     applier,
	})

	serverErr := server.Start()

	// Stop the engine on every exit path: the in-flight job gets the grace
	// window to finish instead of waiting out its lease in the next process.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), engineConfig.GraceWindow)

	if err := supervisor.Stop(stopCtx); err != nil {
		logger.Warn("Engine shutdown incomplete", slog.String("error", err.Error()))
	}

	cancelStop()

	if serverErr != nil {
		logger.Error("Server failed to start", slog.String("error", serverErr.Error()))

		_ = queueStore.Close()
		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("opmsync service stopped")
}
