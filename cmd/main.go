package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hermes/internal/adapters/config"
	"hermes/internal/adapters/errors/noop"
	"hermes/internal/adapters/errors/sentry"
	"hermes/internal/adapters/kafka"
	"hermes/internal/adapters/postgres"
	"hermes/internal/connmgr"
	"hermes/internal/events"
	"hermes/internal/metrics"
	"hermes/internal/ratelimit"
	repo "hermes/internal/repository/postgres"
	"hermes/internal/restpool"
	"hermes/internal/secrets"
	"hermes/internal/services/credentials"
	"hermes/pkg/crypto"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	if err := initLogger(cfg); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	// Initialize error tracker
	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	// Initialize database
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgClient.Close()

	// Initialize connectivity core
	manager, cleanup, err := initConnectionManager(cfg, pgClient, log)
	if err != nil {
		log.Fatalf("Failed to initialize connection manager: %v", err)
	}
	defer cleanup()

	// Expose metrics
	metricsServer := startMetricsServer(cfg, log)

	log.Info("System initialized successfully")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	waitForShutdown(ctx, cancel, manager, metricsServer, errorTracker, log)
}

// loadConfig loads application configuration from environment
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// initLogger initializes structured logging
func initLogger(cfg *config.Config) error {
	return logger.Init(cfg.App.LogLevel, cfg.App.Env)
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// initConnectionManager wires the credential resolver, secret cache,
// REST pool and stream registry into the connection manager façade
func initConnectionManager(cfg *config.Config, pgClient *postgres.Client, log *logger.Logger) (*connmgr.Manager, func(), error) {
	encryptor, err := crypto.NewEncryptor(cfg.Crypto.EncryptionKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create encryptor")
	}

	cache, err := secrets.NewCache(cfg.SecretCache.TTL, cfg.SecretCache.SweepInterval, log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create secret cache")
	}

	keyRepo := repo.NewVirtualKeyRepository(pgClient.DB())
	resolver := credentials.NewService(keyRepo, cache, encryptor, ratelimit.NewWindow(), log)

	limiters := ratelimit.NewExchangeLimiters()
	limiters.Add("binance", cfg.Exchanges.RateLimitFor("binance"))
	limiters.Add("bybit", cfg.Exchanges.RateLimitFor("bybit"))

	pool := restpool.NewPool(restpool.NewSDKFactory(cfg.Exchanges), limiters, cfg.RestPool, log)

	producer := initKafkaProducer(cfg, log)
	publisher := events.NewPublisher(producer, cfg.Kafka.Topic, log)

	manager := connmgr.NewManager(resolver, pool, cfg.Stream, cfg.Exchanges, publisher, log)

	cleanup := func() {
		manager.CleanupAll()
		cache.Close()
		if producer != nil {
			if err := producer.Close(); err != nil {
				log.Warnf("Failed to close Kafka producer: %v", err)
			}
		}
	}

	log.Info("Connection manager initialized")
	return manager, cleanup, nil
}

// initKafkaProducer creates the lifecycle-event producer; nil disables
// publishing
func initKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("Kafka brokers not configured, lifecycle events disabled")
		return nil
	}

	log.Infof("Kafka producer initialized (brokers: %d)", len(cfg.Kafka.Brokers))
	return kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
}

// startMetricsServer registers collectors and serves /metrics
func startMetricsServer(cfg *config.Config, log *logger.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		log.Info("Metrics disabled")
		return nil
	}

	metrics.Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: mux,
	}

	go func() {
		log.Infof("Metrics server listening on %s", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server error: %v", err)
		}
	}()

	return srv
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	manager *connmgr.Manager,
	metricsServer *http.Server,
	errorTracker errors.Tracker,
	log *logger.Logger,
) {
	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("Shutting down...")

	// Graceful shutdown
	cancel()

	manager.CleanupAll()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Failed to shut down metrics server: %v", err)
		}
	}

	// Flush error tracker
	if errorTracker != nil {
		if err := errorTracker.Flush(ctx); err != nil {
			log.Warnf("Failed to flush error tracker: %v", err)
		}
	}

	log.Info("Shutdown complete")
}
