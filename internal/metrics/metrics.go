// Package metrics collects run-level counters for the aggregation and loading
// tools and reports them as a structured log summary at the end of a run.
package metrics

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// RunStats accumulates counters for a single run. All methods are safe for
// concurrent use by pipeline workers.
type RunStats struct {
	startTime    time.Time
	files        atomic.Int64
	rows         atomic.Int64
	exchanges    atomic.Int64
	days         atomic.Int64
	tradesStored atomic.Int64
	batches      atomic.Int64
	reports      atomic.Int64
	bytesWritten atomic.Int64
}

// Snapshot is a point-in-time copy of RunStats.
type Snapshot struct {
	Files         int64         `json:"files"`
	Rows          int64         `json:"rows"`
	Exchanges     int64         `json:"exchanges"`
	Days          int64         `json:"days"`
	TradesStored  int64         `json:"trades_stored"`
	Batches       int64         `json:"batches"`
	Reports       int64         `json:"reports"`
	BytesWritten  int64         `json:"bytes_written"`
	Elapsed       time.Duration `json:"elapsed"`
	RowsPerSecond float64       `json:"rows_per_second"`
	HeapAllocMB   float64       `json:"heap_alloc_mb"`
}

// NewRunStats creates a RunStats whose clock starts now.
func NewRunStats() *RunStats {
	return &RunStats{startTime: time.Now()}
}

// AddFile records one fully processed input file and its row count.
func (s *RunStats) AddFile(rows int64) {
	s.files.Add(1)
	s.rows.Add(rows)
}

// AddExchange records one finished exchange and the number of days it produced.
func (s *RunStats) AddExchange(days int) {
	s.exchanges.Add(1)
	s.days.Add(int64(days))
}

// AddBatch records one committed storage batch.
func (s *RunStats) AddBatch(trades int) {
	s.batches.Add(1)
	s.tradesStored.Add(int64(trades))
}

// AddReport records one written report of the given size.
func (s *RunStats) AddReport(bytes int64) {
	s.reports.Add(1)
	s.bytesWritten.Add(bytes)
}

// Snapshot returns the current counter values.
func (s *RunStats) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := Snapshot{
		Files:        s.files.Load(),
		Rows:         s.rows.Load(),
		Exchanges:    s.exchanges.Load(),
		Days:         s.days.Load(),
		TradesStored: s.tradesStored.Load(),
		Batches:      s.batches.Load(),
		Reports:      s.reports.Load(),
		BytesWritten: s.bytesWritten.Load(),
		Elapsed:      time.Since(s.startTime),
		HeapAllocMB:  float64(mem.HeapAlloc) / 1024 / 1024,
	}
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		snap.RowsPerSecond = float64(snap.Rows) / secs
	}
	return snap
}

// LogSummary writes the current snapshot as a single info record.
func (s *RunStats) LogSummary(logger *slog.Logger, msg string) {
	snap := s.Snapshot()
	logger.Info(msg,
		"files", snap.Files,
		"rows", snap.Rows,
		"exchanges", snap.Exchanges,
		"days", snap.Days,
		"trades_stored", snap.TradesStored,
		"batches", snap.Batches,
		"reports", snap.Reports,
		"bytes_written", snap.BytesWritten,
		"elapsed", snap.Elapsed,
		"rows_per_second", snap.RowsPerSecond,
		"heap_alloc_mb", snap.HeapAllocMB)
}
