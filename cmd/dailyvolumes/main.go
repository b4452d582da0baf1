// Command dailyvolumes aggregates raw per-exchange BTC trade files into daily
// OHLCV reports, one <exchange>_results.csv per exchange.
//
// Usage:
//
//	dailyvolumes
//
// It takes no flags. Input and output locations come from btcdata.json (or the
// file named by CONFIG_PATH), a .env file and environment variables.
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
	"github.com/johnayoung/go-btc-daily-volumes/internal/logger"
	"github.com/johnayoung/go-btc-daily-volumes/internal/pipeline"
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

	loc, err := cfg.Aggregation.Location()
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

	log, ctx := logger.NewRunContext(ctx, lm, "dailyvolumes")
	classifier = apperrors.NewErrorClassifier(log.Logger)

	driver := pipeline.NewDriver(pipeline.DriverConfig{
		InputDir:      cfg.Input.Dir,
		Pattern:       cfg.Input.Pattern,
		Location:      loc,
		ProgressEvery: cfg.Aggregation.ProgressEvery,
		Workers:       cfg.Aggregation.Workers,
	}, lm.GetComponentLogger("pipeline"))

	var paths []string
	err = log.LogOperation(ctx, "daily_volumes", func() error {
		var runErr error
		paths, runErr = driver.Execute(ctx, cfg.Report.OutputDir)
		return runErr
	})
	driver.Stats().LogSummary(log.Logger, "run summary")

	if err != nil {
		classified := classifier.Classify(err, "pipeline", "execute")
		log.ErrorWithContext(ctx, "daily volume run failed", err,
			"error_type", classified.Type,
			"severity", classified.Severity.String())
		fmt.Fprintf(os.Stderr, "Error (run %s): %v\n", logger.GetRunID(ctx), err)
		return classified.ExitCode()
	}

	for _, path := range paths {
		fmt.Println(path)
	}
	return apperrors.ExitOK
}
