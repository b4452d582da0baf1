// Package ingest discovers raw per-exchange trade files and streams their rows
// one at a time. It is shared by the daily report tool and the store loader.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
)

// exchangeDelimiter separates the exchange name from the rest of a file name.
const exchangeDelimiter = "USD"

// cancelCheckInterval is how many rows are read between context checks.
const cancelCheckInterval = 4096

// FileAccessError reports an input file that could not be listed, opened or read,
// or whose name does not yield an exchange.
type FileAccessError struct {
	Path string
	Err  error
}

// Error implements the error interface for FileAccessError.
func (e *FileAccessError) Error() string {
	return fmt.Sprintf("file access error for %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FileAccessError) Unwrap() error {
	return e.Err
}

// InputFile is a discovered raw trade file and the exchange it belongs to.
type InputFile struct {
	Path     string
	Exchange string
}

// ExchangeGroup is the set of input files for one exchange, in path order.
type ExchangeGroup struct {
	Exchange string
	Files    []InputFile
}

// RowHandler receives one CSV record and its 1-based line number. The record
// slice is reused between calls and must not be retained.
type RowHandler func(line int, record []string) error

// ExchangeNameFromFile derives the exchange name from a file path: everything
// before the first "USD", reduced to its final path element.
//
//	COINBASEUSD.csv                      -> COINBASE
//	raw-price-data/BITSTAMPUSD_1min.csv  -> BITSTAMP
//
// A path without "USD" yields its whole final element, and a prefix ending in a
// separator yields "".
func ExchangeNameFromFile(path string) string {
	prefix, _, _ := strings.Cut(path, exchangeDelimiter)
	prefix = filepath.ToSlash(prefix)
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		return prefix[i+1:]
	}
	return prefix
}

// Discover lists the files in dir matching pattern, sorted by path.
func Discover(dir, pattern string) ([]InputFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &FileAccessError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &FileAccessError{Path: dir, Err: errors.New("not a directory")}
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid input pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)

	files := make([]InputFile, 0, len(matches))
	for _, path := range matches {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			continue
		}

		exchange := ExchangeNameFromFile(path)
		if exchange == "" {
			return nil, &FileAccessError{Path: path, Err: errors.New("cannot derive exchange name from file name")}
		}
		files = append(files, InputFile{Path: path, Exchange: exchange})
	}

	return files, nil
}

// GroupByExchange groups files by exchange. Exchanges appear in first-seen order
// and keep the relative order of their files.
func GroupByExchange(files []InputFile) []ExchangeGroup {
	index := make(map[string]int)
	var groups []ExchangeGroup

	for _, f := range files {
		i, ok := index[f.Exchange]
		if !ok {
			i = len(groups)
			index[f.Exchange] = i
			groups = append(groups, ExchangeGroup{Exchange: f.Exchange})
		}
		groups[i].Files = append(groups[i].Files, f)
	}

	return groups
}

// StreamFile reads path as CSV and calls handler for each record in file order.
// Only the current record is held in memory. It returns the number of records
// handed to handler. Handler errors are returned unchanged.
func StreamFile(ctx context.Context, path string, handler RowHandler) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &FileAccessError{Path: path, Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var rows int64
	for {
		if rows%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return rows, err
			}
		}

		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return rows, &models.MalformedRowError{
					File:   path,
					Line:   parseErr.StartLine,
					Reason: parseErr.Err.Error(),
				}
			}
			return rows, &FileAccessError{Path: path, Err: err}
		}

		line, _ := reader.FieldPos(0)
		rows++
		if err := handler(line, record); err != nil {
			return rows, err
		}
	}
}
