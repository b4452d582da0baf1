// Package storage defines the persistence layer for historical trades.
// The interfaces abstract over the storage backends so the loader can be
// tested against the in-memory implementation and run against DuckDB.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/config"
	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	"github.com/shopspring/decimal"
)

// TradesTable is the name of the historical trades table.
const TradesTable = "historical_trades"

const (
	// StoredScale is the number of fractional digits kept for prices and
	// amounts, matching the DECIMAL(38,12) columns.
	StoredScale = 12
	// StoredIntegerDigits is the number of integer digits the columns can hold.
	StoredIntegerDigits = 38 - StoredScale
)

var storedLimit = decimal.New(1, StoredIntegerDigits)

// TradeStorer handles historical trade storage operations.
type TradeStorer interface {
	// StoreBatch upserts trades keyed by (timestamp, exchange) in a single
	// transaction. A later trade replaces an earlier one with the same key,
	// both within the batch and against rows already stored.
	StoreBatch(ctx context.Context, trades []models.TradeEvent) error
}

// TradeReader handles historical trade retrieval.
type TradeReader interface {
	// Trades returns every stored trade for exchange ordered by timestamp.
	// Returns an empty slice if the exchange has no trades.
	Trades(ctx context.Context, exchange string) ([]models.TradeEvent, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize prepares the storage backend for operation, creating tables
	// and indexes. It is idempotent.
	Initialize(ctx context.Context) error

	// Close releases the backend. The store must not be used afterwards.
	Close() error

	// GetStats returns operational statistics about the stored data.
	GetStats(ctx context.Context) (*StorageStats, error)

	HealthChecker
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	// HealthCheck performs a lightweight operation to verify the backend is usable.
	HealthCheck(ctx context.Context) error
}

// TradeStore combines all storage capabilities. It is the interface storage
// backends implement and the loader depends on.
type TradeStore interface {
	TradeStorer
	TradeReader
	StorageManager
}

// StorageStats provides operational metrics about stored trades.
type StorageStats struct {
	// TotalTrades is the number of stored trade rows
	TotalTrades int64

	// TotalExchanges is the number of distinct exchanges with data
	TotalExchanges int

	// EarliestTrade is the timestamp of the oldest trade
	EarliestTrade time.Time

	// LatestTrade is the timestamp of the newest trade
	LatestTrade time.Time

	// QueryPerformance contains average durations by operation
	QueryPerformance map[string]time.Duration

	// SchemaVersion is the applied migration version, zero for backends
	// without a schema
	SchemaVersion int
}

// New creates the backend selected by cfg.Type. The returned store still needs
// Initialize before use.
func New(cfg config.StorageConfig, logger *slog.Logger) (TradeStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(), nil
	case "duckdb", "":
		return NewDuckDBStorage(cfg.DatabaseURL, logger)
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported storage type %q", cfg.Type))
	}
}

// CheckPrecision returns a *models.MalformedRowError when trade carries a price
// or amount the store cannot hold exactly. Trailing zeros beyond StoredScale
// are accepted since they do not change the value.
func CheckPrecision(trade models.TradeEvent) error {
	if err := checkStoredValue("usd_price", trade.USDRate); err != nil {
		return err
	}
	return checkStoredValue("btc_amount", trade.BTCAmount)
}

func checkStoredValue(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(StoredScale)) {
		return &models.MalformedRowError{
			Field:  field,
			Value:  d.String(),
			Reason: fmt.Sprintf("more than %d fractional digits cannot be stored exactly", StoredScale),
		}
	}
	if d.Abs().Cmp(storedLimit) >= 0 {
		return &models.MalformedRowError{
			Field:  field,
			Value:  d.String(),
			Reason: fmt.Sprintf("more than %d integer digits cannot be stored", StoredIntegerDigits),
		}
	}
	return nil
}

// checkBatch rejects the whole batch if any trade fails CheckPrecision.
func checkBatch(trades []models.TradeEvent) error {
	for _, trade := range trades {
		if err := CheckPrecision(trade); err != nil {
			return NewInsertError(TradesTable, fmt.Errorf("trade %s: %w", trade.String(), err))
		}
	}
	return nil
}

// tradeKey is the primary key of a stored trade.
type tradeKey struct {
	createdAt time.Time
	exchange  string
}

func keyOf(trade models.TradeEvent) tradeKey {
	return tradeKey{createdAt: trade.Timestamp.UTC(), exchange: trade.Exchange}
}

// dedupeBatch collapses trades that share a key, keeping the last occurrence at
// the position of the first so that the result order is stable.
func dedupeBatch(trades []models.TradeEvent) []models.TradeEvent {
	index := make(map[tradeKey]int, len(trades))
	out := make([]models.TradeEvent, 0, len(trades))

	for _, trade := range trades {
		key := keyOf(trade)
		if i, ok := index[key]; ok {
			out[i] = trade
			continue
		}
		index[key] = len(out)
		out = append(out, trade)
	}

	return out
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL statement involved (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}
