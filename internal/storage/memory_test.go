package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/config"
	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trade(exchange string, ts int64, rate, amount string) models.TradeEvent {
	return models.TradeEvent{
		Exchange:  exchange,
		Timestamp: time.Unix(ts, 0).UTC(),
		USDRate:   decimal.RequireFromString(rate),
		BTCAmount: decimal.RequireFromString(amount),
	}
}

// storeFactories lists every backend the shared behaviour tests run against.
func storeFactories() map[string]func(t *testing.T) TradeStore {
	return map[string]func(t *testing.T) TradeStore{
		"memory": func(t *testing.T) TradeStore {
			return NewMemoryStorage()
		},
		"duckdb": func(t *testing.T) TradeStore {
			store, err := NewDuckDBStorage(":memory:", slog.Default())
			require.NoError(t, err)
			return store
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store TradeStore)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { store.Close() })
			require.NoError(t, store.Initialize(context.Background()))
			fn(t, store)
		})
	}
}

func assertSameTrades(t *testing.T, expected, actual []models.TradeEvent) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		assert.Equal(t, expected[i].Exchange, actual[i].Exchange, "exchange at %d", i)
		assert.True(t, expected[i].Timestamp.Equal(actual[i].Timestamp), "timestamp at %d: %s != %s", i, expected[i].Timestamp, actual[i].Timestamp)
		assert.True(t, expected[i].USDRate.Equal(actual[i].USDRate), "usd at %d: %s != %s", i, expected[i].USDRate, actual[i].USDRate)
		assert.True(t, expected[i].BTCAmount.Equal(actual[i].BTCAmount), "btc at %d: %s != %s", i, expected[i].BTCAmount, actual[i].BTCAmount)
	}
}

func TestTradeStore_StoreAndRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TradeStore) {
		ctx := context.Background()
		batch := []models.TradeEvent{
			trade("BITSTAMP", 1609459260, "105.00", "0.5"),
			trade("BITSTAMP", 1609459200, "100.00", "1.0"),
			trade("KRAKEN", 1609459200, "101.25", "0.25"),
		}
		require.NoError(t, store.StoreBatch(ctx, batch))

		bitstamp, err := store.Trades(ctx, "BITSTAMP")
		require.NoError(t, err)
		assertSameTrades(t, []models.TradeEvent{batch[1], batch[0]}, bitstamp)

		kraken, err := store.Trades(ctx, "KRAKEN")
		require.NoError(t, err)
		assertSameTrades(t, []models.TradeEvent{batch[2]}, kraken)

		none, err := store.Trades(ctx, "GEMINI")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestTradeStore_UpsertReplacesExistingKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TradeStore) {
		ctx := context.Background()
		require.NoError(t, store.StoreBatch(ctx, []models.TradeEvent{trade("X", 1609459200, "100", "1")}))
		require.NoError(t, store.StoreBatch(ctx, []models.TradeEvent{trade("X", 1609459200, "200", "2")}))

		trades, err := store.Trades(ctx, "X")
		require.NoError(t, err)
		assertSameTrades(t, []models.TradeEvent{trade("X", 1609459200, "200", "2")}, trades)
	})
}

func TestTradeStore_DuplicateKeysWithinBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TradeStore) {
		ctx := context.Background()
		batch := []models.TradeEvent{
			trade("X", 1609459200, "100", "1"),
			trade("X", 1609459260, "101", "1"),
			trade("X", 1609459200, "300", "3"),
		}
		require.NoError(t, store.StoreBatch(ctx, batch))

		trades, err := store.Trades(ctx, "X")
		require.NoError(t, err)
		assertSameTrades(t, []models.TradeEvent{batch[2], batch[1]}, trades)
	})
}

func TestTradeStore_ReloadIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TradeStore) {
		ctx := context.Background()
		batch := make([]models.TradeEvent, 0, 50)
		for i := 0; i < 50; i++ {
			batch = append(batch, trade("X", int64(1609459200+i), fmt.Sprintf("%d.5", 100+i), "0.1"))
		}

		require.NoError(t, store.StoreBatch(ctx, batch))
		require.NoError(t, store.StoreBatch(ctx, batch))

		stats, err := store.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(50), stats.TotalTrades)
		assert.Equal(t, 1, stats.TotalExchanges)
		assert.True(t, batch[0].Timestamp.Equal(stats.EarliestTrade))
		assert.True(t, batch[49].Timestamp.Equal(stats.LatestTrade))
	})
}

func TestTradeStore_EmptyBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TradeStore) {
		require.NoError(t, store.StoreBatch(context.Background(), nil))

		stats, err := store.GetStats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.TotalTrades)
		assert.True(t, stats.EarliestTrade.IsZero())
	})
}

func TestTradeStore_ClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TradeStore) {
		ctx := context.Background()
		require.NoError(t, store.HealthCheck(ctx))
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		err := store.StoreBatch(ctx, []models.TradeEvent{trade("X", 1, "1", "1")})
		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "insert", storageErr.Operation)

		_, err = store.Trades(ctx, "X")
		assert.ErrorAs(t, err, &storageErr)
		assert.Error(t, store.HealthCheck(ctx))
	})
}

func TestMemoryStorage_Batches(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, store.StoreBatch(ctx, nil))
	require.NoError(t, store.StoreBatch(ctx, []models.TradeEvent{trade("X", 1, "1", "1")}))
	require.NoError(t, store.StoreBatch(ctx, []models.TradeEvent{trade("X", 2, "1", "1")}))
	assert.Equal(t, 2, store.Batches())
}

func TestMemoryStorage_HealthCheckRequiresInitialize(t *testing.T) {
	store := NewMemoryStorage()
	assert.Error(t, store.HealthCheck(context.Background()))
	require.NoError(t, store.Initialize(context.Background()))
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestDedupeBatch(t *testing.T) {
	batch := []models.TradeEvent{
		trade("A", 1, "1", "1"),
		trade("B", 1, "2", "1"),
		trade("A", 2, "3", "1"),
		trade("A", 1, "4", "1"),
		trade("B", 1, "5", "1"),
	}

	out := dedupeBatch(batch)
	require.Len(t, out, 3)
	assert.Equal(t, "4", out[0].USDRate.String())
	assert.Equal(t, "5", out[1].USDRate.String())
	assert.Equal(t, "3", out[2].USDRate.String())
}

func TestNew(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, err := New(config.StorageConfig{Type: "memory"}, nil)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStorage{}, store)
	})

	t.Run("duckdb file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trades.db")
		store, err := New(config.StorageConfig{Type: "duckdb", DatabaseURL: path}, slog.Default())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &DuckDBStorage{}, store)
		assert.FileExists(t, path)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := New(config.StorageConfig{Type: "postgresql"}, nil)
		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Contains(t, err.Error(), "unsupported storage type")
	})
}

func TestTradeStore_RejectsValuesBeyondStoredPrecision(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TradeStore) {
		ctx := context.Background()
		batch := []models.TradeEvent{
			trade("X", 1609459200, "100.00", "1.0"),
			trade("X", 1609459201, "29374.1234567890123", "0.0000000000004"),
		}

		err := store.StoreBatch(ctx, batch)

		var malformed *models.MalformedRowError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, "usd_price", malformed.Field)
		assert.Equal(t, "29374.1234567890123", malformed.Value)
		var storageErr *StorageError
		assert.ErrorAs(t, err, &storageErr)

		trades, err := store.Trades(ctx, "X")
		require.NoError(t, err)
		assert.Empty(t, trades, "a rejected batch must not be partially stored")
	})
}

func TestCheckPrecision(t *testing.T) {
	tests := []struct {
		name      string
		rate      string
		amount    string
		wantField string
	}{
		{name: "twelve fractional digits", rate: "29374.123456789012", amount: "0.000000000001"},
		{name: "trailing zeros beyond scale", rate: "1.1234567890120", amount: "0.0000000000010"},
		{name: "largest integer part", rate: "99999999999999999999999999", amount: "1"},
		{name: "thirteen fractional digits in amount", rate: "1", amount: "0.0000000000004", wantField: "btc_amount"},
		{name: "thirteen fractional digits in price", rate: "29374.1234567890123", amount: "1", wantField: "usd_price"},
		{name: "integer part too wide", rate: "100000000000000000000000000", amount: "1", wantField: "usd_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPrecision(trade("X", 1609459200, tt.rate, tt.amount))
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var malformed *models.MalformedRowError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, tt.wantField, malformed.Field)
		})
	}
}
