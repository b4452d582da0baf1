// Command collectprices loads raw per-exchange BTC trade files into the
// historical trades store, upserting each row keyed by (time, exchange).
//
// Usage:
//
//	collectprices
//
// It takes no flags. The input directory and database come from btcdata.json
// (or the file named by CONFIG_PATH), a .env file and environment variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/johnayoung/go-btc-daily-volumes/internal/config"
	apperrors "github.com/johnayoung/go-btc-daily-volumes/internal/errors"
	"github.com/johnayoung/go-btc-daily-volumes/internal/ingest"
	"github.com/johnayoung/go-btc-daily-volumes/internal/loader"
	"github.com/johnayoung/go-btc-daily-volumes/internal/logger"
	"github.com/johnayoung/go-btc-daily-volumes/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context) int {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))
	classifier := apperrors.NewErrorClassifier(bootstrap)

	cfg, err := config.NewDefaultConfigManager(bootstrap).LoadConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return classifier.ExitCode(&apperrors.ConfigError{Err: err})
	}

	lm, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return classifier.ExitCode(&apperrors.ConfigError{Err: err})
	}
	defer lm.Close()

	log, ctx := logger.NewRunContext(ctx, lm, "collectprices")
	classifier = apperrors.NewErrorClassifier(log.Logger)

	fail := func(component, operation string, err error) int {
		classified := classifier.Classify(err, component, operation)
		log.ErrorWithContext(ctx, "load failed", err,
			"error_type", classified.Type,
			"severity", classified.Severity.String())
		fmt.Fprintf(os.Stderr, "Error (run %s): %v\n", logger.GetRunID(ctx), err)
		return classified.ExitCode()
	}

	files, err := ingest.Discover(cfg.Input.Dir, cfg.Input.Pattern)
	if err != nil {
		return fail("ingest", "discover", err)
	}

	var store storage.TradeStore
	err = classifier.Retry(ctx, cfg.Storage.OpenRetry, "storage", "open", func() error {
		var openErr error
		store, openErr = storage.New(cfg.Storage, lm.GetComponentLogger("storage").Logger)
		return openErr
	})
	if err != nil {
		return fail("storage", "open", err)
	}
	defer store.Close()

	if err := store.Initialize(ctx); err != nil {
		return fail("storage", "initialize", err)
	}

	l := loader.NewLoader(store, loader.LoaderConfig{
		BatchSize:     cfg.Storage.BatchSize,
		ProgressEvery: cfg.Aggregation.ProgressEvery,
	}, lm.GetComponentLogger("loader"))

	result, err := l.Run(ctx, files)
	l.Stats().LogSummary(log.Logger, "load summary")
	if err != nil {
		return fail("loader", "run", err)
	}

	if stats, err := store.GetStats(ctx); err == nil {
		log.InfoWithContext(ctx, "historical trades stored",
			"files", result.Files,
			"rows", result.Rows,
			"batches", result.Batches,
			"duration", result.Duration,
			"total_trades", stats.TotalTrades,
			"total_exchanges", stats.TotalExchanges,
			"schema_version", stats.SchemaVersion)
	}

	return apperrors.ExitOK
}
