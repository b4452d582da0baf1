package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

// upsertTradeQuery binds prices as text and casts in SQL so no value passes
// through float64.
const upsertTradeQuery = `
	INSERT OR REPLACE INTO historical_trades (created_at, exchange_name, usd_price, btc_price)
	VALUES (?, ?, CAST(? AS DECIMAL(38,12)), CAST(? AS DECIMAL(38,12)))`

const selectTradesQuery = `
	SELECT created_at, exchange_name, CAST(usd_price AS VARCHAR), CAST(btc_price AS VARCHAR)
	FROM historical_trades
	WHERE exchange_name = ?
	ORDER BY created_at`

// DuckDBStorage implements TradeStore using DuckDB as the backend.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex

	// Performance tracking
	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" (or "") for an in-memory database or a file path.
// The database file is opened eagerly so that lock contention from another
// process surfaces here rather than on first use.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := dbPath
	if dsn == ":memory:" {
		dsn = ""
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database %s: %w", dbPath, err))
	}

	return &DuckDBStorage{
		db:         db,
		dbPath:     dbPath,
		logger:     logger,
		queryTimes: make(map[string][]time.Duration),
	}, nil
}

// Initialize implements StorageManager.Initialize by migrating the schema to
// the latest version.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("database connection is closed"))
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	if _, err := d.db.ExecContext(ctx, "SET enable_progress_bar = false"); err != nil {
		d.logger.Warn("failed to set configuration", "error", err)
	}

	if err := NewMigrationManager(d.db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", TradesTable, "", err)
	}

	d.logger.Info("DuckDB storage initialized")
	return nil
}

// StoreBatch implements TradeStorer.StoreBatch.
func (d *DuckDBStorage) StoreBatch(ctx context.Context, trades []models.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("insert_batch", time.Since(start))
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return NewInsertError(TradesTable, fmt.Errorf("database connection is closed"))
	}
	if err := checkBatch(trades); err != nil {
		return err
	}

	rows := dedupeBatch(trades)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError(TradesTable, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTradeQuery)
	if err != nil {
		return NewStorageError("insert", TradesTable, upsertTradeQuery, fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer stmt.Close()

	for _, trade := range rows {
		if _, err := stmt.ExecContext(ctx,
			trade.Timestamp.UTC(),
			trade.Exchange,
			trade.USDRate.String(),
			trade.BTCAmount.String(),
		); err != nil {
			return NewStorageError("insert", TradesTable, upsertTradeQuery,
				fmt.Errorf("failed to store trade %s: %w", trade.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError(TradesTable, fmt.Errorf("failed to commit batch: %w", err))
	}

	d.logger.Debug("stored trades batch",
		"count", len(rows),
		"duplicates", len(trades)-len(rows),
		"duration", time.Since(start))

	return nil
}

// Trades implements TradeReader.Trades.
func (d *DuckDBStorage) Trades(ctx context.Context, exchange string) ([]models.TradeEvent, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("select_trades", time.Since(start))
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewQueryError(TradesTable, selectTradesQuery, fmt.Errorf("database connection is closed"))
	}

	rows, err := d.db.QueryContext(ctx, selectTradesQuery, exchange)
	if err != nil {
		return nil, NewQueryError(TradesTable, selectTradesQuery, err)
	}
	defer rows.Close()

	trades := make([]models.TradeEvent, 0)
	for rows.Next() {
		var (
			trade           models.TradeEvent
			usdText, btcText string
		)
		if err := rows.Scan(&trade.Timestamp, &trade.Exchange, &usdText, &btcText); err != nil {
			return nil, NewQueryError(TradesTable, selectTradesQuery, fmt.Errorf("failed to scan trade: %w", err))
		}
		if trade.USDRate, err = decimal.NewFromString(usdText); err != nil {
			return nil, NewQueryError(TradesTable, selectTradesQuery, fmt.Errorf("invalid usd_price %q: %w", usdText, err))
		}
		if trade.BTCAmount, err = decimal.NewFromString(btcText); err != nil {
			return nil, NewQueryError(TradesTable, selectTradesQuery, fmt.Errorf("invalid btc_price %q: %w", btcText, err))
		}
		trade.Timestamp = trade.Timestamp.UTC()
		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError(TradesTable, selectTradesQuery, err)
	}
	return trades, nil
}

// Close implements StorageManager.Close
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB storage")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}

	return nil
}

// GetStats implements StorageManager.GetStats
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("get_stats", time.Since(start))
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("stats", "", "", fmt.Errorf("database connection is closed"))
	}

	stats := &StorageStats{}
	query := "SELECT COUNT(*), COUNT(DISTINCT exchange_name) FROM historical_trades"
	if err := d.db.QueryRowContext(ctx, query).Scan(&stats.TotalTrades, &stats.TotalExchanges); err != nil {
		return nil, NewQueryError(TradesTable, query, err)
	}

	if stats.TotalTrades > 0 {
		query = "SELECT MIN(created_at), MAX(created_at) FROM historical_trades"
		if err := d.db.QueryRowContext(ctx, query).Scan(&stats.EarliestTrade, &stats.LatestTrade); err != nil {
			return nil, NewQueryError(TradesTable, query, err)
		}
		stats.EarliestTrade = stats.EarliestTrade.UTC()
		stats.LatestTrade = stats.LatestTrade.UTC()
	}

	status, err := NewMigrationManager(d.db, d.logger).GetStatus(ctx)
	if err != nil {
		return nil, NewStorageError("stats", "schema_migrations", "", err)
	}
	stats.SchemaVersion = status.CurrentVersion

	stats.QueryPerformance = d.averageQueryTimes()
	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}

	return nil
}

// recordQueryTime tracks query performance for monitoring
func (d *DuckDBStorage) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	// Keep only the last 100 measurements
	times := d.queryTimes[operation]
	if len(times) >= 100 {
		times = times[1:]
	}
	d.queryTimes[operation] = append(times, duration)
}

func (d *DuckDBStorage) averageQueryTimes() map[string]time.Duration {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	averages := make(map[string]time.Duration, len(d.queryTimes))
	for operation, times := range d.queryTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		averages[operation] = total / time.Duration(len(times))
	}
	return averages
}

// Compile-time interface compliance check
var (
	_ TradeStore     = (*DuckDBStorage)(nil)
	_ StorageManager = (*DuckDBStorage)(nil)
	_ HealthChecker  = (*DuckDBStorage)(nil)
)
