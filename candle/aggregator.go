package candle

import (
	"sync"

	"github.com/openalpha/market-sim/types"
)

const (
	// DefaultInterval is the candle width in ms (15 minutes).
	DefaultInterval int64 = 900_000

	// MaxRetained is the number of candles kept per simulation.
	MaxRetained = 250
)

// Aggregator is the single-owner OHLCV builder for one simulation.
// Construction must go through the coordinator registry so exactly one
// aggregator exists per simulation id.
type Aggregator struct {
	mu           sync.Mutex
	simulationID string
	interval     int64
	candles      []types.Candle
	lastPeriod   int64
	active       bool
}

func newAggregator(simulationID string, interval int64) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		simulationID: simulationID,
		interval:     interval,
		candles:      make([]types.Candle, 0, MaxRetained),
		lastPeriod:   -1,
	}
}

// Initialize seeds the aggregator clock. No candle is opened until the
// first price sample arrives.
func (a *Aggregator) Initialize(startTime int64, initialPrice float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candles = a.candles[:0]
	a.lastPeriod = -1
	a.active = true
	_ = startTime
	_ = initialPrice
}

// UpdateCandle folds one price sample into the current candle, opening a
// new candle when the sample crosses an interval boundary.
func (a *Aggregator) UpdateCandle(timestamp int64, price, volume float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	period := timestamp / a.interval
	if period > a.lastPeriod || len(a.candles) == 0 {
		a.candles = append(a.candles, types.Candle{
			Timestamp: period * a.interval,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    volume,
		})
		a.lastPeriod = period
		if len(a.candles) > MaxRetained {
			a.candles = a.candles[len(a.candles)-MaxRetained:]
		}
		return
	}

	cur := &a.candles[len(a.candles)-1]
	cur.Close = price
	if price > cur.High {
		cur.High = price
	}
	if price < cur.Low {
		cur.Low = price
	}
	cur.Volume += volume
}

// GetCandles returns a copy of up to limit most recent candles. limit <= 0
// returns everything retained.
func (a *Aggregator) GetCandles(limit int) []types.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.candles)
	if limit > 0 && limit < n {
		out := make([]types.Candle, limit)
		copy(out, a.candles[n-limit:])
		return out
	}
	out := make([]types.Candle, n)
	copy(out, a.candles)
	return out
}

// Clear drops all candles but keeps the aggregator usable.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candles = a.candles[:0]
	a.lastPeriod = -1
}

// Reset is Clear plus reactivation; used when a simulation restarts.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candles = a.candles[:0]
	a.lastPeriod = -1
	a.active = true
}

// Shutdown marks the aggregator inactive. Further updates are ignored by
// the coordinator once it drops its registry entry.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
}

// Interval returns the candle width in ms.
func (a *Aggregator) Interval() int64 { return a.interval }
