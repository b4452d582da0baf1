// Package report renders finalized daily aggregates as one CSV file per exchange.
package report

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
)

// FileSuffix is appended to the exchange name to form the report file name.
const FileSuffix = "_results.csv"

// Header is the column header written at the top of every report.
var Header = []string{
	"Date",
	"Open (USD)",
	"Close (USD)",
	"High (USD)",
	"Low (USD)",
	"Volume (USD)",
	"Volume (BTC)",
}

// WriteError reports a report file that could not be written.
type WriteError struct {
	Path string
	Err  error
}

// Error implements the error interface for WriteError.
func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write report %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// ReportFileName returns the report file name for exchange.
func ReportFileName(exchange string) string {
	return exchange + FileSuffix
}

// Row renders one daily result as report columns.
func Row(result models.DailyResult) []string {
	agg := result.Aggregate
	return []string{
		result.Date.String(),
		models.FormatDecimal(agg.Open.Price),
		models.FormatDecimal(agg.Close.Price),
		models.FormatDecimal(agg.High.Decimal),
		models.FormatDecimal(agg.Low.Decimal),
		models.FormatDecimal(agg.VolumeUSD),
		models.FormatDecimal(agg.VolumeBTC),
	}
}

// Emit writes table to <outputDir>/<exchange>_results.csv and returns the path.
// The file is written to a temporary name in outputDir and renamed into place,
// so readers never observe a partial report.
func Emit(exchange string, table models.ResultTable, outputDir string) (string, error) {
	staged, err := Stage(exchange, table, outputDir)
	if err != nil {
		return "", err
	}
	if err := staged.Commit(); err != nil {
		return "", err
	}
	return staged.Path, nil
}

// Staged is a fully written report waiting under a temporary name next to its
// final path.
type Staged struct {
	Exchange string
	Path     string // Path is the final report path
	Size     int64  // Size is the report size in bytes

	tmpName string
	done    bool
}

// Stage renders table into a synced temporary file in outputDir. Nothing is
// visible under the report name until Commit.
func Stage(exchange string, table models.ResultTable, outputDir string) (*Staged, error) {
	path := filepath.Join(outputDir, ReportFileName(exchange))

	tmp, err := os.CreateTemp(outputDir, "."+ReportFileName(exchange)+".*.tmp")
	if err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()

	fail := func(err error) (*Staged, error) {
		os.Remove(tmpName)
		return nil, &WriteError{Path: path, Err: err}
	}

	if err := writeTable(tmp, table); err != nil {
		tmp.Close()
		return fail(err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fail(err)
	}

	return &Staged{
		Exchange: exchange,
		Path:     path,
		Size:     info.Size(),
		tmpName:  tmpName,
	}, nil
}

// Commit renames the staged file into place. The temporary file is removed if
// the rename fails.
func (s *Staged) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := os.Rename(s.tmpName, s.Path); err != nil {
		os.Remove(s.tmpName)
		return &WriteError{Path: s.Path, Err: err}
	}
	return nil
}

// Discard removes an uncommitted staged file. It is a no-op after Commit.
func (s *Staged) Discard() {
	if s.done {
		return
	}
	s.done = true
	os.Remove(s.tmpName)
}

// EmitAll writes one report per exchange in tables. Every report is staged
// before any is renamed into place, so a failure while rendering leaves
// outputDir untouched. The committed reports are returned in exchange order.
func EmitAll(tables map[string]models.ResultTable, outputDir string) ([]*Staged, error) {
	exchanges := make([]string, 0, len(tables))
	for exchange := range tables {
		exchanges = append(exchanges, exchange)
	}
	sort.Strings(exchanges)

	staged := make([]*Staged, 0, len(exchanges))
	for _, exchange := range exchanges {
		s, err := Stage(exchange, tables[exchange], outputDir)
		if err != nil {
			discardAll(staged)
			return nil, err
		}
		staged = append(staged, s)
	}

	for i, s := range staged {
		if err := s.Commit(); err != nil {
			discardAll(staged[i+1:])
			return staged[:i], err
		}
	}
	return staged, nil
}

func discardAll(staged []*Staged) {
	for _, s := range staged {
		s.Discard()
	}
}

func writeTable(f *os.File, table models.ResultTable) error {
	buf := bufio.NewWriter(f)
	w := csv.NewWriter(buf)

	if err := w.Write(Header); err != nil {
		return err
	}
	for _, result := range table {
		if err := w.Write(Row(result)); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
