// Package main runs the escrow settlement service: the engine behind the HTTP
// API, the WebSocket event feed and the configured event sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"trade-escrow/internal/api"
	"trade-escrow/internal/config"
	"trade-escrow/internal/custody"
	"trade-escrow/internal/custody/memledger"
	"trade-escrow/internal/domain"
	"trade-escrow/internal/engine"
	"trade-escrow/internal/events"
	"trade-escrow/internal/events/feed"
	"trade-escrow/internal/events/kafka"
	"trade-escrow/internal/logging"
	"trade-escrow/internal/observability"
	"trade-escrow/internal/storage"
	chstore "trade-escrow/internal/storage/clickhouse"
	"trade-escrow/internal/storage/memory"
	"trade-escrow/internal/storage/migrations"
	pgstore "trade-escrow/internal/storage/postgres"
)

func main() {
	// Load .env file if exists
	loadEnvFile()

	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "Path to YAML config file")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage and custody ledger")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides http.addr)")
	issueToken := flag.String("issue-token", "", "Print a bearer token for the given address and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens printed by --issue-token")

	flag.Parse()

	if *useMemory {
		os.Setenv("ESCROW_STORAGE_DRIVER", "memory")
		os.Setenv("ESCROW_CUSTODY_DRIVER", "memory")
	}
	if *httpAddr != "" {
		os.Setenv("ESCROW_HTTP_ADDR", *httpAddr)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		if !common.IsHexAddress(*issueToken) {
			fmt.Fprintf(os.Stderr, "invalid address %q\n", *issueToken)
			os.Exit(1)
		}
		token, err := api.IssueToken(common.HexToAddress(*issueToken), []byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, logCloser, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("", prometheus.DefaultRegisterer)

	stores, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ledger, err := createLedger(cfg)
	if err != nil {
		return err
	}

	// The feed replays from the engine's event log, and the engine publishes
	// through the dispatcher that feeds the hub.
	var eng *engine.Engine
	hub := feed.NewHub(func(ctx context.Context, after uint64, limit int) ([]*domain.Event, error) {
		return eng.Events(ctx, after, limit)
	}, &feed.HubConfig{
		SendBuffer:   cfg.Events.FeedBuffer,
		BacklogPage:  500,
		PingInterval: cfg.Events.PingInterval,
		ReadTimeout:  2 * cfg.Events.PingInterval,
		WriteTimeout: 10 * time.Second,
	}, logger, metrics)

	sinks := []events.Sink{events.NewLogSink(logger), hub}
	if stores.eventLog != nil {
		sinks = append(sinks, events.NewStoreSink(stores.eventLog))
	}
	var kafkaSink *kafka.Sink
	if cfg.Kafka.Enabled {
		w, err := kafka.NewWriter(kafka.WriterConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			MaxAttempts: cfg.Kafka.MaxAttempts,
		})
		if err != nil {
			return err
		}
		kafkaSink = kafka.NewSink(w, logger)
		sinks = append(sinks, kafkaSink)
	}

	dispatcher := events.NewDispatcher(sinks, &events.DispatcherConfig{
		QueueSize:      cfg.Events.QueueSize,
		DeliverTimeout: cfg.Events.DeliverTimeout,
	}, logger, metrics)

	eng, err = engine.New(engine.Options{
		Store:     stores.ledger,
		Ledger:    ledger,
		Custodian: cfg.CustodianAddress(),
		Publisher: dispatcher,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.Bootstrap.Enabled {
		if err := bootstrap(ctx, eng, &cfg.Bootstrap, logger); err != nil {
			return err
		}
	}

	router, err := api.NewRouter(api.Options{
		Engine:    eng,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Issuer:    cfg.Auth.Issuer,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  prometheus.DefaultGatherer,
		Feed:      hub,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTP.Addr, "custodian", cfg.CustodianAddress().Hex())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case runErr = <-errCh:
	}

	done := make(chan struct{})
	go func() {
		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Error("received second signal, forcing immediate shutdown", "signal", sig.String())
			os.Exit(1)
		case <-time.After(cfg.HTTP.ShutdownTimeout + 5*time.Second):
			logger.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()
	defer close(done)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Close()
	dispatcher.Close()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Warn("close kafka writer", "error", err)
		}
	}

	return runErr
}

// allStores holds the storage implementations selected by config.
type allStores struct {
	ledger   storage.Store
	eventLog storage.EventLogStore // nil when no analytics log is configured
}

// createStores creates the ledger store and, when configured, the ClickHouse event log.
func createStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*allStores, func(), error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("using in-memory storage, state is lost on exit")
		return &allStores{
			ledger:   memory.NewLedgerStore(),
			eventLog: memory.NewEventLogStore(),
		}, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN, cfg.Storage.PostgresMaxConns)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
	}

	stores := &allStores{ledger: pgstore.NewLedgerStore(pool)}
	if cfg.Storage.ClickhouseDSN == "" {
		return stores, pool.Close, nil
	}

	// ClickHouse
	var chConn *chstore.Conn
	if cfg.Storage.Migrate {
		chConn, err = migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
	} else {
		chConn, err = chstore.NewConn(ctx, cfg.Storage.ClickhouseDSN)
	}
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	stores.eventLog = chstore.NewEventLogStore(chConn)

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}

// createLedger returns the custody ledger selected by config.
func createLedger(cfg *config.Config) (custody.Ledger, error) {
	switch cfg.Custody.Driver {
	case "memory":
		return memledger.NewLedger(cfg.CustodianAddress()), nil
	case "rpc":
		return custody.NewRPCLedger(cfg.Custody.RPCEndpoint, cfg.CustodianAddress(),
			custody.WithTimeout(cfg.Custody.Timeout),
			custody.WithMaxRetries(cfg.Custody.MaxRetries),
			custody.WithRetryDelay(cfg.Custody.RetryDelay),
			custody.WithMaxDelay(cfg.Custody.MaxDelay),
		), nil
	}
	return nil, fmt.Errorf("unknown custody driver %q", cfg.Custody.Driver)
}

// bootstrap initializes an empty ledger from config. An initialized ledger is left alone.
func bootstrap(ctx context.Context, eng *engine.Engine, b *config.BootstrapConfig, logger *slog.Logger) error {
	initialized, err := eng.Initialized(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if initialized {
		logger.Info("ledger already initialized, skipping bootstrap")
		return nil
	}

	threshold, err := domain.ParseAmount(b.ThresholdAmount)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	admin := common.HexToAddress(b.Admin)
	err = eng.Initialize(ctx, engine.InitParams{
		ThresholdAmount: threshold,
		Treasury:        common.HexToAddress(b.Treasury),
		Name:            b.Name,
		Symbol:          b.Symbol,
		Admin:           admin,
		Owner:           common.HexToAddress(b.Owner),
	})
	if err != nil {
		return fmt.Errorf("bootstrap initialize: %w", err)
	}

	for _, s := range b.Signers {
		if err := eng.AddSigner(ctx, admin, common.HexToAddress(s)); err != nil {
			return fmt.Errorf("bootstrap signer %s: %w", s, err)
		}
	}
	logger.Info("ledger initialized", "name", b.Name, "symbol", b.Symbol, "signers", len(b.Signers))
	return nil
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
