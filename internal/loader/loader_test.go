package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johnayoung/go-btc-daily-volumes/internal/config"
	"github.com/johnayoung/go-btc-daily-volumes/internal/ingest"
	"github.com/johnayoung/go-btc-daily-volumes/internal/logger"
	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	"github.com/johnayoung/go-btc-daily-volumes/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore captures the size of every batch and can fail on demand.
type recordingStore struct {
	batches []int
	failOn  int
	err     error
}

func (r *recordingStore) StoreBatch(ctx context.Context, trades []models.TradeEvent) error {
	if r.failOn > 0 && len(r.batches)+1 == r.failOn {
		return r.err
	}
	r.batches = append(r.batches, len(trades))
	return nil
}

func quietLogger() *logger.ComponentLogger {
	return logger.NewLoggerManagerWithWriter(config.LoggingConfig{}, io.Discard).GetComponentLogger("loader")
}

// logRecords decodes JSON log lines and returns those with the given message.
func logRecords(t *testing.T, buf *bytes.Buffer, msg string) []map[string]interface{} {
	t.Helper()
	var records []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		if entry["msg"] == msg {
			records = append(records, entry)
		}
	}
	return records
}

func writeTrades(t *testing.T, dir, name string, n int) ingest.InputFile {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d,%d.25,0.01\n", 1609459200+i, 30000+i)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return ingest.InputFile{Path: path, Exchange: ingest.ExchangeNameFromFile(path)}
}

func TestLoader_BatchesPerFile(t *testing.T) {
	dir := t.TempDir()
	files := []ingest.InputFile{
		writeTrades(t, dir, "AUSD.csv", 25),
		writeTrades(t, dir, "BUSD.csv", 7),
	}
	store := &recordingStore{}

	stats, err := NewLoader(store, LoaderConfig{BatchSize: 10}, quietLogger()).Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 5, 7}, store.batches)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, int64(32), stats.Rows)
	assert.Equal(t, 4, stats.Batches)
}

func TestLoader_IntoMemoryStore(t *testing.T) {
	dir := t.TempDir()
	files := []ingest.InputFile{writeTrades(t, dir, "COINBASEUSD.csv", 12)}

	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(context.Background()))

	loader := NewLoader(store, LoaderConfig{BatchSize: 5}, quietLogger())
	_, err := loader.Run(context.Background(), files)
	require.NoError(t, err)
	_, err = loader.Run(context.Background(), files)
	require.NoError(t, err)

	trades, err := store.Trades(context.Background(), "COINBASE")
	require.NoError(t, err)
	require.Len(t, trades, 12)
	assert.Equal(t, "30000.25", trades[0].USDRate.String())
	assert.Equal(t, "0.01", trades[0].BTCAmount.String())

	snap := loader.Stats().Snapshot()
	assert.Equal(t, int64(24), snap.TradesStored)
	assert.Equal(t, int64(6), snap.Batches)
}

func TestLoader_MalformedRowAborts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "XUSD.csv")
	require.NoError(t, os.WriteFile(path, []byte("1609459200,1,1\n1609459201,1\n"), 0644))
	store := &recordingStore{}

	_, err := NewLoader(store, LoaderConfig{BatchSize: 10}, quietLogger()).
		Run(context.Background(), []ingest.InputFile{{Path: path, Exchange: "X"}})

	var malformed *models.MalformedRowError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, path, malformed.File)
	assert.Equal(t, 2, malformed.Line)
	assert.Empty(t, store.batches)
}

func TestLoader_ProgressAtDefaultLevel(t *testing.T) {
	dir := t.TempDir()
	files := []ingest.InputFile{writeTrades(t, dir, "XUSD.csv", 5)}

	var buf bytes.Buffer
	log := logger.NewLoggerManagerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf).
		GetComponentLogger("loader")

	_, err := NewLoader(&recordingStore{}, LoaderConfig{BatchSize: 10, ProgressEvery: 2}, log).
		Run(context.Background(), files)
	require.NoError(t, err)

	progress := logRecords(t, &buf, "progress")
	require.Len(t, progress, 3)
	for _, record := range progress {
		assert.Equal(t, "INFO", record["level"])
		assert.Equal(t, "loader", record["component"])
		assert.Equal(t, "X", record["exchange"])
		assert.Equal(t, files[0].Path, record["file"])
	}
	assert.Empty(t, logRecords(t, &buf, "batch committed"), "batch records are debug only")
}

func TestLoader_RejectsValuesBeyondStoredPrecision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "XUSD.csv")
	require.NoError(t, os.WriteFile(path, []byte("1609459200,1.0,0.5\n1609459201,29374.12,0.0000000000004\n"), 0644))
	store := &recordingStore{}

	_, err := NewLoader(store, LoaderConfig{BatchSize: 10}, quietLogger()).
		Run(context.Background(), []ingest.InputFile{{Path: path, Exchange: "X"}})

	var malformed *models.MalformedRowError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, path, malformed.File)
	assert.Equal(t, 2, malformed.Line)
	assert.Equal(t, "btc_amount", malformed.Field)
	assert.Empty(t, store.batches)
}

func TestLoader_StorageErrorAborts(t *testing.T) {
	dir := t.TempDir()
	files := []ingest.InputFile{writeTrades(t, dir, "XUSD.csv", 30)}
	boom := errors.New("disk full")
	store := &recordingStore{failOn: 2, err: boom}

	stats, err := NewLoader(store, LoaderConfig{BatchSize: 10}, quietLogger()).Run(context.Background(), files)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{10}, store.batches)
	assert.Equal(t, 1, stats.Batches)
	assert.Zero(t, stats.Files)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader(&recordingStore{}, LoaderConfig{}, quietLogger()).
		Run(context.Background(), []ingest.InputFile{{Path: filepath.Join(t.TempDir(), "XUSD.csv"), Exchange: "X"}})

	var accessErr *ingest.FileAccessError
	assert.ErrorAs(t, err, &accessErr)
}

func TestNewLoader_Defaults(t *testing.T) {
	l := NewLoader(&recordingStore{}, LoaderConfig{}, nil)
	assert.Equal(t, DefaultBatchSize, l.config.BatchSize)
	assert.Equal(t, DefaultBatchSize, l.config.ProgressEvery)
	assert.NotNil(t, l.log.Logger)
}
