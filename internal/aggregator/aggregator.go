// Package aggregator builds per-exchange daily OHLCV aggregates from a stream of
// trade events in a single pass. Only per-day summary state is held in memory.
package aggregator

import (
	"sort"
	"time"

	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
)

// Aggregator owns the (exchange, date) -> DailyAggregate state for one run.
// It is not safe for concurrent use; callers that parallelize must give each
// goroutine its own Aggregator over a disjoint set of exchanges.
type Aggregator struct {
	location  *time.Location
	exchanges map[string]map[models.Date]*models.DailyAggregate
	trades    int64
}

// New creates an Aggregator that buckets trades by calendar date in loc.
// A nil loc means UTC.
func New(loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		location:  loc,
		exchanges: make(map[string]map[models.Date]*models.DailyAggregate),
	}
}

// Location returns the time zone used to derive trade dates.
func (a *Aggregator) Location() *time.Location {
	return a.location
}

// Update folds a trade event into the aggregate for its (exchange, date),
// creating the aggregate on first use.
func (a *Aggregator) Update(event models.TradeEvent) {
	days, ok := a.exchanges[event.Exchange]
	if !ok {
		days = make(map[models.Date]*models.DailyAggregate)
		a.exchanges[event.Exchange] = days
	}

	date := models.DateOf(event.Timestamp, a.location)
	agg, ok := days[date]
	if !ok {
		agg = models.NewDailyAggregate()
		days[date] = agg
	}

	agg.Observe(event)
	a.trades++
}

// Lookup returns the aggregate for (exchange, date) without creating it.
func (a *Aggregator) Lookup(exchange string, date models.Date) (*models.DailyAggregate, bool) {
	days, ok := a.exchanges[exchange]
	if !ok {
		return nil, false
	}
	agg, ok := days[date]
	return agg, ok
}

// Finalize returns the daily results for exchange sorted by date ascending.
// An exchange with no trades yields an empty table.
func (a *Aggregator) Finalize(exchange string) models.ResultTable {
	days := a.exchanges[exchange]
	table := make(models.ResultTable, 0, len(days))
	for date, agg := range days {
		table = append(table, models.DailyResult{Date: date, Aggregate: *agg})
	}

	sort.Slice(table, func(i, j int) bool {
		return table[i].Date.Before(table[j].Date)
	})

	return table
}

// Exchanges returns the names of all exchanges seen so far, sorted.
func (a *Aggregator) Exchanges() []string {
	names := make([]string, 0, len(a.exchanges))
	for name := range a.exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Days returns the number of (exchange, date) aggregates held.
func (a *Aggregator) Days() int {
	total := 0
	for _, days := range a.exchanges {
		total += len(days)
	}
	return total
}

// TradeCount returns the number of events folded in so far.
func (a *Aggregator) TradeCount() int64 {
	return a.trades
}
