package candle

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/metrics"
	"github.com/openalpha/market-sim/types"
)

const (
	flushInterval = 25 * time.Millisecond

	// priceFloor/priceCeil bound acceptable sample prices.
	priceFloor = 1e-6
	priceCeil  = 1e6

	// error escalation thresholds
	maxCreateFailures = 3
	maxTotalFailures  = 5
)

// ErrInvalidSample is returned when a queued sample fails validation.
var ErrInvalidSample = errors.New("invalid candle sample")

// Sample is one (timestamp, price, volume) observation from the engine.
// Timestamps are passed to the aggregator verbatim.
type Sample struct {
	Timestamp int64
	Price     float64
	Volume    float64
}

// HistoryWriter receives validated candles for a simulation's price
// history. Implemented by the engine manager.
type HistoryWriter interface {
	SetPriceHistory(simulationID string, candles []types.Candle)
}

// Notifier receives candle_update events for fan-out. Implemented by the
// broadcast hub.
type Notifier interface {
	QueueUpdate(simulationID string, ev types.Event)
}

type simState struct {
	queue          []Sample
	createFailures int
	totalFailures  int
	dropped        bool
}

// Coordinator relays price samples from all simulations into their
// singleton aggregators on a 25 ms flush cadence. It validates input but
// never rewrites timestamps and never suppresses valid samples.
type Coordinator struct {
	mu          sync.Mutex
	aggregators map[string]*Aggregator
	sims        map[string]*simState
	interval    int64

	history  HistoryWriter
	notifier Notifier

	// replaceable for fault-injection in tests
	newAggregator func(simulationID string, interval int64) (*Aggregator, error)

	cancel context.CancelFunc
	log    *logging.Logger
}

// NewCoordinator creates a coordinator with the given collaborators. Pass
// interval 0 for the 15 minute default.
func NewCoordinator(history HistoryWriter, notifier Notifier, interval int64) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		aggregators: make(map[string]*Aggregator),
		sims:        make(map[string]*simState),
		interval:    interval,
		history:     history,
		notifier:    notifier,
		newAggregator: func(id string, interval int64) (*Aggregator, error) {
			return newAggregator(id, interval), nil
		},
		log: logging.NewComponentLogger("candle-coordinator"),
	}
}

// Start launches the background flusher.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Flush()
			}
		}
	}()
}

// Shutdown stops the flusher and releases all per-simulation state.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	for id, agg := range c.aggregators {
		agg.Shutdown()
		delete(c.aggregators, id)
	}
	c.sims = make(map[string]*simState)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// QueueUpdate validates and enqueues one sample. Validation rejects
// non-finite numbers, non-positive or out-of-range prices and negative
// volume; everything else is consumed untouched.
func (c *Coordinator) QueueUpdate(simulationID string, s Sample) error {
	if math.IsNaN(s.Price) || math.IsInf(s.Price, 0) ||
		math.IsNaN(s.Volume) || math.IsInf(s.Volume, 0) {
		metrics.GetCollector().SamplesRejected.WithLabelValues(simulationID).Inc()
		return ErrInvalidSample
	}
	if s.Price <= 0 || s.Price < priceFloor || s.Price > priceCeil {
		metrics.GetCollector().SamplesRejected.WithLabelValues(simulationID).Inc()
		return ErrInvalidSample
	}
	if s.Volume < 0 {
		metrics.GetCollector().SamplesRejected.WithLabelValues(simulationID).Inc()
		return ErrInvalidSample
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.sims[simulationID]
	if st == nil {
		st = &simState{}
		c.sims[simulationID] = st
	}
	if st.dropped {
		return nil
	}
	st.queue = append(st.queue, s)
	return nil
}

// Flush drains every simulation's queue through its aggregator, writes
// validated candles into price history and signals the notifier.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sims))
	for id, st := range c.sims {
		if len(st.queue) > 0 {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.flushSim(id)
	}
}

func (c *Coordinator) flushSim(simulationID string) {
	c.mu.Lock()
	st := c.sims[simulationID]
	if st == nil || len(st.queue) == 0 {
		c.mu.Unlock()
		return
	}
	samples := st.queue
	st.queue = nil

	agg := c.aggregators[simulationID]
	if agg == nil {
		created, err := c.newAggregator(simulationID, c.interval)
		if err != nil {
			st.createFailures++
			st.totalFailures++
			c.escalateLocked(simulationID, st)
			c.mu.Unlock()
			c.log.WithError(err).WithField("simulation", simulationID).
				Error("aggregator creation failed")
			return
		}
		st.createFailures = 0
		agg = created
		c.aggregators[simulationID] = agg
	}
	c.mu.Unlock()

	for _, s := range samples {
		agg.UpdateCandle(s.Timestamp, s.Price, s.Volume)
	}

	candles := agg.GetCandles(MaxRetained)
	valid := candles[:0:0]
	invalid := 0
	for _, cd := range candles {
		if cd.Valid() {
			valid = append(valid, cd)
		} else {
			invalid++
		}
	}
	if invalid > 0 {
		c.mu.Lock()
		st.totalFailures++
		c.escalateLocked(simulationID, st)
		c.mu.Unlock()
		c.log.WithFields(map[string]any{
			"simulation": simulationID,
			"invalid":    invalid,
		}).Warn("dropped candles failing OHLC validation")
	} else {
		c.mu.Lock()
		st.totalFailures = 0
		c.mu.Unlock()
	}

	metrics.GetCollector().CandlesEmitted.WithLabelValues(simulationID).Add(float64(len(valid)))
	if c.history != nil {
		c.history.SetPriceHistory(simulationID, valid)
	}
	if c.notifier != nil {
		c.notifier.QueueUpdate(simulationID, types.Event{
			Type:      types.EventCandleUpdate,
			Timestamp: time.Now().UnixMilli(),
			Data:      map[string]any{"candles": valid},
		})
	}
}

// escalateLocked applies the error policy: 3 consecutive creation failures
// drop the queue; 5 failures of any kind tear down the simulation's
// coordinator state.
func (c *Coordinator) escalateLocked(simulationID string, st *simState) {
	if st.totalFailures >= maxTotalFailures {
		if agg := c.aggregators[simulationID]; agg != nil {
			agg.Shutdown()
		}
		delete(c.aggregators, simulationID)
		delete(c.sims, simulationID)
		c.log.WithField("simulation", simulationID).
			Error("failure threshold reached, removing coordinator state")
		return
	}
	if st.createFailures >= maxCreateFailures {
		st.queue = nil
		st.dropped = true
		c.log.WithField("simulation", simulationID).
			Error("repeated aggregator creation failures, dropping queue")
	}
}

// EnsureCleanStart atomically wipes the aggregator, queue and error
// counters for a simulation. Used on create and reset.
func (c *Coordinator) EnsureCleanStart(simulationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if agg := c.aggregators[simulationID]; agg != nil {
		agg.Shutdown()
	}
	delete(c.aggregators, simulationID)
	delete(c.sims, simulationID)
}

// ClearCandles clears a simulation's aggregator but keeps it registered.
func (c *Coordinator) ClearCandles(simulationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agg := c.aggregators[simulationID]; agg != nil {
		agg.Clear()
	}
}

// Aggregator returns the singleton aggregator for a simulation id,
// creating it on first use. This is the only construction path.
func (c *Coordinator) Aggregator(simulationID string) *Aggregator {
	c.mu.Lock()
	defer c.mu.Unlock()

	if agg := c.aggregators[simulationID]; agg != nil {
		return agg
	}
	agg, err := c.newAggregator(simulationID, c.interval)
	if err != nil {
		return nil
	}
	c.aggregators[simulationID] = agg
	return agg
}

// AggregatorCount reports the number of live aggregators.
func (c *Coordinator) AggregatorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aggregators)
}
