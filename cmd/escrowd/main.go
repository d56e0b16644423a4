package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"milestonemarket/config"
	"milestonemarket/core/events"
	"milestonemarket/core/market"
	"milestonemarket/gateway/auth"
	"milestonemarket/gateway/middleware"
	"milestonemarket/gateway/routes"
	"milestonemarket/observability"
	"milestonemarket/observability/logging"
	telemetry "milestonemarket/observability/otel"
	"milestonemarket/services/indexer"
	"milestonemarket/services/webhooks"
	"milestonemarket/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration (TOML or YAML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer := logging.SetupWithFile(cfg.ServiceName, cfg.Environment, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer closer.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		Registry:    cfg.Registry.Address,
		Locker:      cfg.Registry.Locker,
		Simulated:   cfg.Simulation.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()
	journal, err := events.OpenJournal(db, logger.With("component", "journal"))
	if err != nil {
		return err
	}
	if err := journal.Verify(); err != nil {
		return fmt.Errorf("verify journal: %w", err)
	}
	store, err := indexer.Open(cfg.IndexPath())
	if err != nil {
		return fmt.Errorf("open event index: %w", err)
	}
	defer store.Close()

	var hooks *webhooks.Store
	if cfg.Webhooks.Enabled {
		hooks, err = webhooks.Open(cfg.Webhooks.Driver, cfg.WebhookDSN())
		if err != nil {
			return fmt.Errorf("open webhook store: %w", err)
		}
		defer hooks.Close()
	}

	broadcaster := events.NewBroadcaster(256)
	journal.Observe(broadcaster.Publish)
	mkt, err := market.New(cfg, market.Options{
		Logger:  logger,
		Emitter: events.Fanout{journal, observability.Events()},
	})
	if err != nil {
		return err
	}
	logger.Info("marketplace ready",
		"registry", mkt.RegistryAddress().Hex(),
		"locker", mkt.LockerAddress().Hex(),
		"simulated", mkt.Simulated(),
		"journalHead", journal.Head())

	authn := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled: cfg.Auth.Enabled,
		Token: auth.Config{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
		},
		OptionalPaths: cfg.Auth.OptionalPaths,
	}, logger)
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled; callers are taken from the " + middleware.CallerHeader + " header")
	}

	router, err := routes.New(routes.Config{
		Market:        mkt,
		Index:         store,
		Feed:          routes.Feed{Journal: journal, Broadcaster: broadcaster},
		Webhooks:      hooks,
		Logger:        logger,
		Authenticator: authn,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.ServiceName,
			LogRequests: true,
			Enabled:     true,
		}, logger),
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := http.Handler(router)
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(router, cfg.ServiceName)
	}
	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := indexer.NewWatcher(journal, store, logger)
	if hooks != nil {
		dispatcher := webhooks.NewDispatcher(hooks, webhooks.NewQueue(webhooks.WithCapacity(cfg.Webhooks.QueueCapacity)), webhooks.Options{
			MaxAttempts: cfg.Webhooks.MaxAttempts,
			Timeout:     time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second,
			Logger:      logger,
		})
		watcher.AddSink(dispatcher)
		go dispatcher.Run(ctx)
	}
	go watcher.Run(ctx)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", listener.Addr().String(), "dataDir", filepath.Clean(cfg.DataDir))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}
