package report

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailyResult(day int, open, close, high, low, volUSD, volBTC string) models.DailyResult {
	return models.DailyResult{
		Date: models.Date{Year: 2021, Month: time.January, Day: day},
		Aggregate: models.DailyAggregate{
			Open:      models.PricePoint{Price: decimal.RequireFromString(open), Valid: true},
			Close:     models.PricePoint{Price: decimal.RequireFromString(close), Valid: true},
			High:      decimal.NewNullDecimal(decimal.RequireFromString(high)),
			Low:       decimal.NewNullDecimal(decimal.RequireFromString(low)),
			VolumeUSD: decimal.RequireFromString(volUSD),
			VolumeBTC: decimal.RequireFromString(volBTC),
			Trades:    1,
		},
	}
}

func sampleTable() models.ResultTable {
	return models.ResultTable{
		dailyResult(1, "100.00", "105.00", "105.00", "100.00", "152.500", "1.5"),
		dailyResult(2, "99.00", "99.00", "99.00", "99.00", "198.000", "2.0"),
	}
}

const sampleReport = "Date,Open (USD),Close (USD),High (USD),Low (USD),Volume (USD),Volume (BTC)\n" +
	"2021-01-01,100.00,105.00,105.00,100.00,152.500,1.5\n" +
	"2021-01-02,99.00,99.00,99.00,99.00,198.000,2.0\n"

func TestReportFileName(t *testing.T) {
	assert.Equal(t, "COINBASE_results.csv", ReportFileName("COINBASE"))
}

func TestEmit(t *testing.T) {
	dir := t.TempDir()

	path, err := Emit("X", sampleTable(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "X_results.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleReport, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestEmit_EmptyTableWritesHeaderOnly(t *testing.T) {
	path, err := Emit("EMPTY", nil, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Date,Open (USD),Close (USD),High (USD),Low (USD),Volume (USD),Volume (BTC)\n", string(data))
}

func TestEmit_ReplacesExistingReport(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "X_results.csv")
	require.NoError(t, os.WriteFile(target, []byte("stale content that is longer than the new report\n"), 0644))

	_, err := Emit("X", sampleTable(), dir)
	require.NoError(t, err)

	first, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, sampleReport, string(first))

	_, err = Emit("X", sampleTable(), dir)
	require.NoError(t, err)
	second, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEmit_UnwritableDirectory(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "absent")
		_, err := Emit("X", sampleTable(), dir)

		var writeErr *WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, filepath.Join(dir, "X_results.csv"), writeErr.Path)
	})

	t.Run("read-only directory", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced for this user")
		}
		dir := t.TempDir()
		require.NoError(t, os.Chmod(dir, 0555))
		t.Cleanup(func() { os.Chmod(dir, 0755) })

		_, err := Emit("X", sampleTable(), dir)
		var writeErr *WriteError
		require.ErrorAs(t, err, &writeErr)

		_, statErr := os.Stat(filepath.Join(dir, "X_results.csv"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestRow(t *testing.T) {
	row := Row(dailyResult(9, "0", "1.10", "2.000", "0", "0.000", "0"))
	assert.Equal(t, []string{"2021-01-09", "0", "1.10", "2.000", "0", "0.000", "0"}, row)
}

func TestStage_NothingVisibleUntilCommit(t *testing.T) {
	dir := t.TempDir()

	staged, err := Stage("X", sampleTable(), dir)
	require.NoError(t, err)
	assert.Equal(t, int64(len(sampleReport)), staged.Size)
	assert.NoFileExists(t, staged.Path)

	require.NoError(t, staged.Commit())
	data, err := os.ReadFile(staged.Path)
	require.NoError(t, err)
	assert.Equal(t, sampleReport, string(data))

	staged.Discard()
	assert.FileExists(t, staged.Path, "discard after commit must keep the report")
}

func TestStage_DiscardRemovesTemporaryFile(t *testing.T) {
	dir := t.TempDir()

	staged, err := Stage("X", sampleTable(), dir)
	require.NoError(t, err)
	staged.Discard()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmitAll(t *testing.T) {
	dir := t.TempDir()
	tables := map[string]models.ResultTable{
		"Y": sampleTable(),
		"X": sampleTable(),
	}

	written, err := EmitAll(tables, dir)
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.Equal(t, "X", written[0].Exchange)
	assert.Equal(t, "Y", written[1].Exchange)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEmitAll_RenderFailureLeavesDirectoryUntouched(t *testing.T) {
	dir := t.TempDir()
	tables := map[string]models.ResultTable{
		"A":     sampleTable(),
		"Z/BAD": sampleTable(),
	}

	written, err := EmitAll(tables, dir)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Empty(t, written)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no report may be committed when any report fails to render")
}
