package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
)

// MemoryStorage provides an in-memory implementation of TradeStore with the
// same upsert semantics as the DuckDB backend.
type MemoryStorage struct {
	mu sync.RWMutex

	// Trade storage: map[exchange][created_at] -> TradeEvent
	trades map[string]map[time.Time]models.TradeEvent

	// Lifecycle state
	initialized bool
	closed      bool

	// Number of committed batches, exposed for tests
	batches int
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		trades: make(map[string]map[time.Time]models.TradeEvent),
	}
}

// Initialize implements StorageManager.Initialize.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", "", errors.New("storage is closed"))
	}
	m.initialized = true
	return nil
}

// StoreBatch implements TradeStorer.StoreBatch.
func (m *MemoryStorage) StoreBatch(ctx context.Context, trades []models.TradeEvent) error {
	if ctx.Err() != nil {
		return NewInsertError(TradesTable, ctx.Err())
	}
	if len(trades) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(TradesTable, errors.New("storage is closed"))
	}
	if err := checkBatch(trades); err != nil {
		return err
	}

	for _, trade := range dedupeBatch(trades) {
		key := keyOf(trade)
		byTime, ok := m.trades[key.exchange]
		if !ok {
			byTime = make(map[time.Time]models.TradeEvent)
			m.trades[key.exchange] = byTime
		}
		trade.Timestamp = key.createdAt
		byTime[key.createdAt] = trade
	}
	m.batches++

	return nil
}

// Trades implements TradeReader.Trades.
func (m *MemoryStorage) Trades(ctx context.Context, exchange string) ([]models.TradeEvent, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError(TradesTable, "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(TradesTable, "", errors.New("storage is closed"))
	}

	byTime := m.trades[exchange]
	trades := make([]models.TradeEvent, 0, len(byTime))
	for _, trade := range byTime {
		trades = append(trades, trade)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})

	return trades, nil
}

// Batches returns the number of non-empty batches committed so far.
func (m *MemoryStorage) Batches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches
}

// Close implements StorageManager.Close.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.trades = nil
	return nil
}

// GetStats implements StorageManager.GetStats.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", errors.New("storage is closed"))
	}

	stats := &StorageStats{QueryPerformance: make(map[string]time.Duration)}
	for _, byTime := range m.trades {
		if len(byTime) == 0 {
			continue
		}
		stats.TotalExchanges++
		for ts := range byTime {
			stats.TotalTrades++
			if stats.EarliestTrade.IsZero() || ts.Before(stats.EarliestTrade) {
				stats.EarliestTrade = ts
			}
			if ts.After(stats.LatestTrade) {
				stats.LatestTrade = ts
			}
		}
	}

	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", "", errors.New("storage is closed"))
	}
	if !m.initialized {
		return NewStorageError("health_check", "", "", errors.New("storage is not initialized"))
	}
	return nil
}

var _ TradeStore = (*MemoryStorage)(nil)
