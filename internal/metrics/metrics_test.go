package metrics

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStats_ConcurrentUpdates(t *testing.T) {
	stats := NewRunStats()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				stats.AddFile(10)
				stats.AddBatch(5)
			}
			stats.AddExchange(3)
			stats.AddReport(128)
		}()
	}
	wg.Wait()

	snap := stats.Snapshot()
	assert.Equal(t, int64(800), snap.Files)
	assert.Equal(t, int64(8000), snap.Rows)
	assert.Equal(t, int64(800), snap.Batches)
	assert.Equal(t, int64(4000), snap.TradesStored)
	assert.Equal(t, int64(8), snap.Exchanges)
	assert.Equal(t, int64(24), snap.Days)
	assert.Equal(t, int64(8), snap.Reports)
	assert.Equal(t, int64(1024), snap.BytesWritten)
	assert.Positive(t, snap.Elapsed)
}

func TestRunStats_LogSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	stats := NewRunStats()
	stats.AddFile(42)
	stats.LogSummary(logger, "run finished")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run finished", entry["msg"])
	assert.EqualValues(t, 1, entry["files"])
	assert.EqualValues(t, 42, entry["rows"])
	assert.Contains(t, entry, "rows_per_second")
}
