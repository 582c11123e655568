// Package main implements the ledger audit tool.
// It runs read-only consistency checks against the ledger database: stuck
// bridge orders, stalled outbox rows, notification watermark lag, and
// dangling consumption references. One-shot by default, exits non-zero when
// findings exist so it can gate deploys or run under cron.
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

	"github.com/manaops/creditflow/internal/platform/storage"
)

func main() {
	var (
		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "creditflow"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "creditflow_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "creditflow"), "Database name")

		orderAge     = flag.Duration("order-age", time.Hour, "Age before an unresolved bridge order is flagged")
		outboxAge    = flag.Duration("outbox-age", 10*time.Minute, "Age before a pending outbox row is flagged")
		watermarkLag = flag.Int64("watermark-lag", 1000, "Allowed blocks between latest consumption and notification watermark")
		watch        = flag.Duration("watch", 0, "Re-run interval (0 = run once and exit)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

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

	auditor := NewAuditor(db, AuditConfig{
		OrderAge:     *orderAge,
		OutboxAge:    *outboxAge,
		WatermarkLag: *watermarkLag,
	}, logger)

	if *watch <= 0 {
		findings, err := auditor.Run(ctx)
		if err != nil {
			slog.Error("Audit failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Audit complete", "findings", len(findings))
		if len(findings) > 0 {
			os.Exit(2)
		}
		return
	}

	ticker := time.NewTicker(*watch)
	defer ticker.Stop()
	for {
		findings, err := auditor.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Audit pass failed", "error", err)
		} else {
			slog.Info("Audit pass complete", "findings", len(findings))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
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
