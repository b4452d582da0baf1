// Package models provides the core data structures for historical BTC trade data.
// It contains the trade event parsed from a raw CSV row, the per-day OHLCV
// aggregate built from those events, and the helpers used to key and render them.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeFieldCount is the number of fields a raw trade row must carry:
// epoch seconds, USD price and BTC amount.
const TradeFieldCount = 3

// TradeEvent represents a single historical trade read from an exchange CSV file.
// Prices and amounts are exact decimals; they are never converted to float64.
type TradeEvent struct {
	Exchange  string          `json:"exchange" db:"exchange_name"`
	Timestamp time.Time       `json:"timestamp" db:"created_at"`
	USDRate   decimal.Decimal `json:"usd_rate" db:"usd_price"`
	BTCAmount decimal.Decimal `json:"btc_amount" db:"btc_price"`
}

// VolumeUSD returns the USD value of the trade (rate * amount).
func (t TradeEvent) VolumeUSD() decimal.Decimal {
	return t.USDRate.Mul(t.BTCAmount)
}

// String returns a human-readable representation of the trade.
func (t TradeEvent) String() string {
	return fmt.Sprintf("Trade{Exchange: %s, Timestamp: %s, USD: %s, BTC: %s}",
		t.Exchange, t.Timestamp.UTC().Format(time.RFC3339), t.USDRate, t.BTCAmount)
}

// MalformedRowError reports a raw CSV row that could not be turned into a TradeEvent.
// File and Line are zero when the parser is used outside of a file stream; the
// streaming layer fills them in.
type MalformedRowError struct {
	File   string // File is the input file the row came from
	Line   int    // Line is the 1-based line number within File
	Field  string // Field is the name of the offending field, if known
	Value  string // Value is the raw text of the offending field
	Reason string // Reason describes what was wrong with the row
}

// Error implements the error interface for MalformedRowError.
func (e *MalformedRowError) Error() string {
	var b strings.Builder
	b.WriteString("malformed row")
	if e.File != "" {
		fmt.Fprintf(&b, " in %s", e.File)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %s (%q)", e.Field, e.Value)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	return b.String()
}

// ParseTradeRow converts one raw CSV row into a TradeEvent for the given exchange.
// The row must contain at least epoch seconds, USD price and BTC amount; any
// further fields are ignored. Prices and amounts may be zero but not negative.
func ParseTradeRow(row []string, exchange string) (TradeEvent, error) {
	if len(row) < TradeFieldCount {
		return TradeEvent{}, &MalformedRowError{
			Reason: fmt.Sprintf("expected %d fields, got %d", TradeFieldCount, len(row)),
		}
	}

	rawTS := strings.TrimSpace(row[0])
	if rawTS == "" {
		return TradeEvent{}, &MalformedRowError{Field: "timestamp", Reason: "field is empty"}
	}
	seconds, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return TradeEvent{}, &MalformedRowError{
			Field:  "timestamp",
			Value:  row[0],
			Reason: "not an integer epoch second count",
		}
	}

	rate, err := parseAmount("usd_price", row[1])
	if err != nil {
		return TradeEvent{}, err
	}

	amount, err := parseAmount("btc_amount", row[2])
	if err != nil {
		return TradeEvent{}, err
	}

	return TradeEvent{
		Exchange:  exchange,
		Timestamp: time.Unix(seconds, 0).UTC(),
		USDRate:   rate,
		BTCAmount: amount,
	}, nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return decimal.Zero, &MalformedRowError{Field: field, Reason: "field is empty"}
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, &MalformedRowError{Field: field, Value: raw, Reason: "not a decimal number"}
	}
	if d.IsNegative() {
		return decimal.Zero, &MalformedRowError{Field: field, Value: raw, Reason: "must not be negative"}
	}

	return d, nil
}

// FormatDecimal renders d in its exact textual form. The scale produced by the
// arithmetic is kept, so 100.00 * 1.0 renders as "100.000" rather than "100".
func FormatDecimal(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}
