package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Date is a civil calendar date. It is comparable and used as the per-day key
// of daily aggregates.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in loc. A nil loc means UTC.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// Before reports whether d falls strictly before other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// PricePoint is a price observed at a specific instant. Valid is false until a
// trade has been recorded, so a zero price is never mistaken for "unset".
type PricePoint struct {
	Time  time.Time
	Price decimal.Decimal
	Valid bool
}

// DailyAggregate holds the running OHLCV summary for one (exchange, date) key.
// It is refined monotonically: volumes only grow, [Low, High] only widens and
// [Open.Time, Close.Time] only extends.
type DailyAggregate struct {
	VolumeUSD decimal.Decimal
	VolumeBTC decimal.Decimal
	High      decimal.NullDecimal
	Low       decimal.NullDecimal
	Open      PricePoint
	Close     PricePoint
	Trades    int64
}

// NewDailyAggregate returns an empty aggregate with zero volumes and no prices.
func NewDailyAggregate() *DailyAggregate {
	return &DailyAggregate{
		VolumeUSD: decimal.Zero,
		VolumeBTC: decimal.Zero,
	}
}

// Observe folds a trade into the aggregate.
//
// Open and close only move on a strictly earlier or later timestamp, so among
// trades sharing a timestamp the first one observed keeps the slot.
func (a *DailyAggregate) Observe(event TradeEvent) {
	a.Trades++
	a.VolumeBTC = a.VolumeBTC.Add(event.BTCAmount)
	a.VolumeUSD = a.VolumeUSD.Add(event.VolumeUSD())

	if !a.High.Valid || event.USDRate.GreaterThan(a.High.Decimal) {
		a.High = decimal.NewNullDecimal(event.USDRate)
	}
	if !a.Low.Valid || event.USDRate.LessThan(a.Low.Decimal) {
		a.Low = decimal.NewNullDecimal(event.USDRate)
	}

	if !a.Open.Valid || event.Timestamp.Before(a.Open.Time) {
		a.Open = PricePoint{Time: event.Timestamp, Price: event.USDRate, Valid: true}
	}
	if !a.Close.Valid || event.Timestamp.After(a.Close.Time) {
		a.Close = PricePoint{Time: event.Timestamp, Price: event.USDRate, Valid: true}
	}
}

// DailyResult pairs a date with its finalized aggregate.
type DailyResult struct {
	Date      Date
	Aggregate DailyAggregate
}

// ResultTable is the per-exchange sequence of daily results, sorted by date ascending.
type ResultTable []DailyResult
