// Package pipeline drives a daily aggregation run: it discovers the raw trade
// files, streams every row through the parser into a per-exchange aggregator,
// and hands the finalized tables to the report emitter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/aggregator"
	"github.com/johnayoung/go-btc-daily-volumes/internal/ingest"
	"github.com/johnayoung/go-btc-daily-volumes/internal/logger"
	"github.com/johnayoung/go-btc-daily-volumes/internal/metrics"
	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	"github.com/johnayoung/go-btc-daily-volumes/internal/report"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultProgressEvery is the default number of rows between progress records.
	DefaultProgressEvery = 10000
	// DefaultWorkers processes exchanges one after another.
	DefaultWorkers = 1
)

// DriverConfig configures a Driver.
type DriverConfig struct {
	InputDir      string
	Pattern       string
	Location      *time.Location
	ProgressEvery int
	Workers       int
}

// Driver runs the file-set to report pipeline.
type Driver struct {
	config DriverConfig
	log    *logger.ComponentLogger
	stats  *metrics.RunStats
}

// NewDriver creates a Driver, filling unset config values with defaults. A nil
// log falls back to slog.Default.
func NewDriver(cfg DriverConfig, log *logger.ComponentLogger) *Driver {
	if cfg.Pattern == "" {
		cfg.Pattern = "*.csv"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if log == nil {
		log = &logger.ComponentLogger{Logger: slog.Default()}
	}

	return &Driver{
		config: cfg,
		log:    log,
		stats:  metrics.NewRunStats(),
	}
}

// Stats returns the counters collected by the driver.
func (d *Driver) Stats() *metrics.RunStats {
	return d.stats
}

// Run aggregates every discovered input file and returns the finalized table of
// each exchange that produced at least one trade. The first error aborts the run
// and no tables are returned.
func (d *Driver) Run(ctx context.Context) (map[string]models.ResultTable, error) {
	files, err := ingest.Discover(d.config.InputDir, d.config.Pattern)
	if err != nil {
		return nil, err
	}
	groups := ingest.GroupByExchange(files)

	d.log.InfoWithContext(ctx, "starting aggregation",
		"input_dir", d.config.InputDir,
		"pattern", d.config.Pattern,
		"files", len(files),
		"exchanges", len(groups),
		"workers", d.config.Workers,
		"timezone", d.config.Location.String())

	var mu sync.Mutex
	results := make(map[string]models.ResultTable, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)

	for _, group := range groups {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			table, err := d.processExchange(gctx, group)
			if err != nil {
				return err
			}
			if len(table) == 0 {
				d.log.WarnWithContext(logger.WithExchange(gctx, group.Exchange), "exchange has no trades")
				return nil
			}

			mu.Lock()
			results[group.Exchange] = table
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// processExchange owns a private aggregator for one exchange and feeds it every
// file of the group in order.
func (d *Driver) processExchange(ctx context.Context, group ingest.ExchangeGroup) (models.ResultTable, error) {
	agg := aggregator.New(d.config.Location)
	progress := rate.Sometimes{Every: d.config.ProgressEvery}
	ctx = logger.WithExchange(ctx, group.Exchange)

	for _, file := range group.Files {
		start := time.Now()
		fctx := logger.WithFile(ctx, file.Path)
		d.log.InfoWithContext(fctx, "processing file")

		rows, err := ingest.StreamFile(ctx, file.Path, func(line int, record []string) error {
			event, err := models.ParseTradeRow(record, group.Exchange)
			if err != nil {
				return annotate(err, file.Path, line)
			}
			agg.Update(event)

			progress.Do(func() {
				d.log.InfoWithContext(fctx, "progress", "line", line, "trades", agg.TradeCount())
			})
			return nil
		})
		if err != nil {
			return nil, err
		}

		d.stats.AddFile(rows)
		d.log.InfoWithContext(fctx, "file processed",
			"rows", rows,
			"duration", time.Since(start))
	}

	table := agg.Finalize(group.Exchange)
	d.stats.AddExchange(len(table))
	d.log.InfoWithContext(ctx, "exchange aggregated", "days", len(table), "trades", agg.TradeCount())

	return table, nil
}

// annotate attaches file and line to a parser error.
func annotate(err error, path string, line int) error {
	var malformed *models.MalformedRowError
	if errors.As(err, &malformed) {
		malformed.File = path
		malformed.Line = line
		return malformed
	}
	return fmt.Errorf("%s:%d: %w", path, line, err)
}

// Execute runs the aggregation and, once every exchange has succeeded, writes
// one report per exchange into outputDir. It returns the written paths in
// exchange order.
func (d *Driver) Execute(ctx context.Context, outputDir string) ([]string, error) {
	results, err := d.Run(ctx)
	if err != nil {
		return nil, err
	}

	written, err := report.EmitAll(results, outputDir)
	paths := make([]string, 0, len(written))
	for _, s := range written {
		d.stats.AddReport(s.Size)
		d.log.InfoWithContext(logger.WithExchange(ctx, s.Exchange), "report written",
			"path", s.Path,
			"days", len(results[s.Exchange]))
		paths = append(paths, s.Path)
	}

	return paths, err
}
