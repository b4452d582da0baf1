// Package loader copies raw trade files into the historical trades store.
// It does no aggregation: every parsed row is upserted as-is, committed in
// fixed-size batches.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/ingest"
	"github.com/johnayoung/go-btc-daily-volumes/internal/logger"
	"github.com/johnayoung/go-btc-daily-volumes/internal/metrics"
	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	"github.com/johnayoung/go-btc-daily-volumes/internal/storage"
	"golang.org/x/time/rate"
)

// DefaultBatchSize is the number of trades committed per transaction.
const DefaultBatchSize = 10000

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize     int
	ProgressEvery int
}

// LoadStats summarizes a load run.
type LoadStats struct {
	Files    int
	Rows     int64
	Batches  int
	Duration time.Duration
}

// Loader streams trade files into a storage.TradeStorer.
type Loader struct {
	store  storage.TradeStorer
	config LoaderConfig
	log    *logger.ComponentLogger
	stats  *metrics.RunStats
}

// NewLoader creates a Loader writing to store. A nil log falls back to
// slog.Default.
func NewLoader(store storage.TradeStorer, cfg LoaderConfig, log *logger.ComponentLogger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = cfg.BatchSize
	}
	if log == nil {
		log = &logger.ComponentLogger{Logger: slog.Default()}
	}

	return &Loader{
		store:  store,
		config: cfg,
		log:    log,
		stats:  metrics.NewRunStats(),
	}
}

// Stats returns the counters collected by the loader.
func (l *Loader) Stats() *metrics.RunStats {
	return l.stats
}

// Run loads every file in order. A batch is committed whenever it fills up and
// at the end of each file. The first parse, read or storage error aborts the
// run; batches committed before it remain stored. Rows whose values the store
// cannot hold exactly are rejected as malformed.
func (l *Loader) Run(ctx context.Context, files []ingest.InputFile) (LoadStats, error) {
	start := time.Now()
	var result LoadStats

	batch := make([]models.TradeEvent, 0, l.config.BatchSize)
	progress := rate.Sometimes{Every: l.config.ProgressEvery}

	flush := func(fctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.store.StoreBatch(ctx, batch); err != nil {
			return err
		}
		l.stats.AddBatch(len(batch))
		result.Batches++
		l.log.DebugWithContext(fctx, "batch committed", "trades", len(batch))
		batch = batch[:0]
		return nil
	}

	for _, file := range files {
		fctx := logger.WithFile(logger.WithExchange(ctx, file.Exchange), file.Path)
		l.log.InfoWithContext(fctx, "loading file")

		rows, err := ingest.StreamFile(ctx, file.Path, func(line int, record []string) error {
			event, err := models.ParseTradeRow(record, file.Exchange)
			if err == nil {
				err = storage.CheckPrecision(event)
			}
			if err != nil {
				return annotate(err, file.Path, line)
			}

			batch = append(batch, event)
			if len(batch) >= l.config.BatchSize {
				if err := flush(fctx); err != nil {
					return err
				}
			}

			progress.Do(func() {
				l.log.InfoWithContext(fctx, "progress", "line", line)
			})
			return nil
		})
		if err != nil {
			return result, err
		}
		if err := flush(fctx); err != nil {
			return result, err
		}

		result.Files++
		result.Rows += rows
		l.stats.AddFile(rows)
		l.log.InfoWithContext(fctx, "file loaded", "rows", rows)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// annotate attaches file and line to a row error.
func annotate(err error, path string, line int) error {
	var malformed *models.MalformedRowError
	if errors.As(err, &malformed) {
		malformed.File = path
		malformed.Line = line
		return malformed
	}
	return fmt.Errorf("%s:%d: %w", path, line, err)
}
