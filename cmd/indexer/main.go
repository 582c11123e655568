// Package main implements the credit correlation indexer.
// It consumes decoded block batches from JetStream, correlates them into
// ledger records, persists each batch atomically, and dispatches chat
// notifications and cross-chain order polling.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/manaops/creditflow/internal/bridge"
	"github.com/manaops/creditflow/internal/engine"
	"github.com/manaops/creditflow/internal/identity"
	"github.com/manaops/creditflow/internal/ingest"
	"github.com/manaops/creditflow/internal/platform/dedupcache"
	"github.com/manaops/creditflow/internal/platform/kafka"
	"github.com/manaops/creditflow/internal/platform/storage"
)

func main() {
	var (
		configPath = flag.String("config", envOrDefault("CONFIG_PATH", ""), "Path to YAML config file")

		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "creditflow"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "creditflow_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "creditflow"), "Database name")

		natsURL      = flag.String("nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")
		streamName   = flag.String("stream", envOrDefault("NATS_STREAM", "DECODED_BLOCKS"), "JetStream stream name")
		consumerName = flag.String("consumer", envOrDefault("NATS_CONSUMER", "creditflow-indexer"), "Durable consumer name")
		fetchTimeout = flag.Duration("fetch-timeout", 5*time.Second, "JetStream fetch timeout")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting credit indexer",
		"chain", cfg.Chain,
		"system_addresses", len(cfg.Addresses.System),
		"notify_enabled", cfg.Notify.Enabled,
		"cache_enabled", cfg.Cache.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.New(ctx, storage.Config{
		Host:     *dbHost,
		Port:     *dbPort,
		User:     *dbUser,
		Password: *dbPassword,
		Database: *dbName,
		SSLMode:  "disable",
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to database", "host", *dbHost, "database", *dbName)

	repo := storage.NewLedgerRepository(db, kafka.RecordsTopic)

	var cache identity.Cache
	if cfg.Cache.Enabled {
		dc, err := dedupcache.New(dedupcache.Config{
			Addr: cfg.Cache.Addr,
			TTL:  cfg.Cache.TTL,
		})
		if err != nil {
			slog.Error("Failed to connect to dedup cache", "error", err)
			os.Exit(1)
		}
		defer dc.Close()
		cache = dc
	}

	notifier, err := cfg.notifier()
	if err != nil {
		slog.Error("Failed to create chat client", "error", err)
		os.Exit(1)
	}

	statusClient := bridge.NewHTTPStatusClient(cfg.Bridge.Status)
	poller := bridge.NewPoller(bridge.PollerConfig{
		Interval:    cfg.Bridge.PollInterval,
		MaxAttempts: cfg.Bridge.MaxAttempts,
	}, statusClient, repo, notifier, logger)

	system := make([]common.Address, 0, len(cfg.Addresses.System))
	for _, a := range cfg.Addresses.System {
		system = append(system, common.HexToAddress(a))
	}

	eng := engine.New(repo, cache, notifier, poller, engine.Config{
		SystemAddresses:    system,
		DAOAddress:         common.HexToAddress(cfg.Addresses.DAO),
		ConsumptionChannel: cfg.Notify.ConsumptionChannel,
		BridgeChannel:      cfg.Notify.BridgeChannel,
	}, logger)

	consumer, err := ingest.NewConsumer(ctx, ingest.Config{
		NATSURL:      *natsURL,
		StreamName:   *streamName,
		ConsumerName: *consumerName,
		FetchTimeout: *fetchTimeout,
	}, eng, logger)
	if err != nil {
		slog.Error("Failed to create ingest consumer", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Order poller error", "error", err)
		}
	}()

	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Consumer error", "error", err)
		os.Exit(1)
	}

	if err := consumer.Stop(); err != nil {
		slog.Error("Consumer shutdown error", "error", err)
	}
	slog.Info("Indexer stopped")
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
