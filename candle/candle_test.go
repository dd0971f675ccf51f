package candle

import (
	"errors"
	"testing"

	"github.com/openalpha/market-sim/types"
)

type captureHistory struct {
	byID map[string][]types.Candle
}

func (h *captureHistory) SetPriceHistory(id string, candles []types.Candle) {
	if h.byID == nil {
		h.byID = make(map[string][]types.Candle)
	}
	h.byID[id] = candles
}

type captureNotifier struct {
	events []types.Event
}

func (n *captureNotifier) QueueUpdate(_ string, ev types.Event) {
	n.events = append(n.events, ev)
}

// TestAggregatorOpensCandlePerPeriod checks boundary alignment and OHLC
// accumulation within one period.
func TestAggregatorOpensCandlePerPeriod(t *testing.T) {
	agg := newAggregator("sim-1", 900_000)
	agg.Initialize(0, 100)

	agg.UpdateCandle(10_000, 100, 5)
	agg.UpdateCandle(20_000, 110, 2)
	agg.UpdateCandle(30_000, 95, 3)

	candles := agg.GetCandles(0)
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	c := candles[0]
	if c.Timestamp != 0 {
		t.Errorf("expected boundary-aligned timestamp 0, got %d", c.Timestamp)
	}
	if c.Open != 100 || c.High != 110 || c.Low != 95 || c.Close != 95 {
		t.Errorf("unexpected OHLC: %+v", c)
	}
	if c.Volume != 10 {
		t.Errorf("expected volume 10, got %v", c.Volume)
	}
	if !c.Valid() {
		t.Errorf("candle failed integrity check: %+v", c)
	}
}

// TestAggregatorRollsOverOnBoundary checks a new candle opens with
// open=high=low=close=price when the period advances.
func TestAggregatorRollsOverOnBoundary(t *testing.T) {
	agg := newAggregator("sim-1", 900_000)
	agg.Initialize(0, 100)

	agg.UpdateCandle(100_000, 100, 1)
	agg.UpdateCandle(950_000, 120, 4)

	candles := agg.GetCandles(0)
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	second := candles[1]
	if second.Timestamp != 900_000 {
		t.Errorf("expected timestamp 900000, got %d", second.Timestamp)
	}
	if second.Open != 120 || second.High != 120 || second.Low != 120 || second.Close != 120 {
		t.Errorf("new candle must open flat at the sample price: %+v", second)
	}
}

// TestAggregatorRetention verifies the 250 candle cap evicts oldest first
func TestAggregatorRetention(t *testing.T) {
	agg := newAggregator("sim-1", 1000)
	agg.Initialize(0, 1)

	for i := 0; i < 300; i++ {
		agg.UpdateCandle(int64(i)*1000, float64(i+1), 1)
	}

	candles := agg.GetCandles(0)
	if len(candles) != MaxRetained {
		t.Fatalf("expected %d candles, got %d", MaxRetained, len(candles))
	}
	if candles[0].Timestamp != 50_000 {
		t.Errorf("expected oldest retained timestamp 50000, got %d", candles[0].Timestamp)
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Timestamp < candles[i-1].Timestamp {
			t.Fatalf("timestamps not non-decreasing at %d", i)
		}
	}
}

// TestCoordinatorValidation rejects bad samples at the boundary
func TestCoordinatorValidation(t *testing.T) {
	c := NewCoordinator(nil, nil, 0)

	bad := []Sample{
		{Timestamp: 1, Price: 0, Volume: 1},
		{Timestamp: 1, Price: -5, Volume: 1},
		{Timestamp: 1, Price: 1e-7, Volume: 1},
		{Timestamp: 1, Price: 2e6, Volume: 1},
		{Timestamp: 1, Price: 10, Volume: -1},
	}
	for _, s := range bad {
		if err := c.QueueUpdate("sim-1", s); !errors.Is(err, ErrInvalidSample) {
			t.Errorf("expected rejection for %+v, got %v", s, err)
		}
	}

	if err := c.QueueUpdate("sim-1", Sample{Timestamp: 1, Price: 10, Volume: 1}); err != nil {
		t.Errorf("valid sample rejected: %v", err)
	}
}

// TestCoordinatorFlushWritesHistoryAndNotifies drives one flush through
// the relay into history and the notifier.
func TestCoordinatorFlushWritesHistoryAndNotifies(t *testing.T) {
	hist := &captureHistory{}
	notif := &captureNotifier{}
	c := NewCoordinator(hist, notif, 1000)

	for i := 0; i < 5; i++ {
		s := Sample{Timestamp: int64(i) * 250, Price: 10 + float64(i), Volume: 1}
		if err := c.QueueUpdate("sim-1", s); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	c.Flush()

	got := hist.byID["sim-1"]
	if len(got) != 2 {
		t.Fatalf("expected 2 candles in history, got %d", len(got))
	}
	for _, cd := range got {
		if !cd.Valid() {
			t.Errorf("invalid candle published: %+v", cd)
		}
	}
	if len(notif.events) != 1 {
		t.Fatalf("expected 1 candle_update event, got %d", len(notif.events))
	}
	if notif.events[0].Type != types.EventCandleUpdate {
		t.Errorf("expected candle_update, got %s", notif.events[0].Type)
	}
}

// TestCoordinatorSingletonPerID checks repeated lookups return one
// aggregator instance per id.
func TestCoordinatorSingletonPerID(t *testing.T) {
	c := NewCoordinator(nil, nil, 0)

	a1 := c.Aggregator("sim-1")
	a2 := c.Aggregator("sim-1")
	b := c.Aggregator("sim-2")

	if a1 != a2 {
		t.Error("expected one aggregator per simulation id")
	}
	if a1 == b {
		t.Error("distinct simulations must not share an aggregator")
	}
	if c.AggregatorCount() != 2 {
		t.Errorf("expected 2 live aggregators, got %d", c.AggregatorCount())
	}
}

// TestEnsureCleanStartWipesState checks create/reset leaves no residue
func TestEnsureCleanStartWipesState(t *testing.T) {
	hist := &captureHistory{}
	c := NewCoordinator(hist, nil, 1000)

	_ = c.QueueUpdate("sim-1", Sample{Timestamp: 100, Price: 10, Volume: 1})
	c.Flush()
	if c.AggregatorCount() != 1 {
		t.Fatalf("expected aggregator after flush")
	}

	c.EnsureCleanStart("sim-1")
	if c.AggregatorCount() != 0 {
		t.Errorf("expected aggregator removed, got %d", c.AggregatorCount())
	}

	// A fresh aggregator starts empty.
	if candles := c.Aggregator("sim-1").GetCandles(0); len(candles) != 0 {
		t.Errorf("expected empty aggregator after clean start, got %d candles", len(candles))
	}
}

// TestCoordinatorDropsQueueAfterCreateFailures injects creation faults and
// checks the 3-consecutive-failure policy drops the queue.
func TestCoordinatorDropsQueueAfterCreateFailures(t *testing.T) {
	c := NewCoordinator(nil, nil, 1000)
	c.newAggregator = func(string, int64) (*Aggregator, error) {
		return nil, errors.New("boom")
	}

	for i := 0; i < 3; i++ {
		_ = c.QueueUpdate("sim-1", Sample{Timestamp: int64(i), Price: 10, Volume: 1})
		c.Flush()
	}

	c.mu.Lock()
	st := c.sims["sim-1"]
	c.mu.Unlock()
	if st == nil || !st.dropped {
		t.Fatalf("expected queue dropped after repeated creation failures, state=%+v", st)
	}

	// Further samples are swallowed without error.
	if err := c.QueueUpdate("sim-1", Sample{Timestamp: 99, Price: 10, Volume: 1}); err != nil {
		t.Errorf("dropped sim must swallow samples, got %v", err)
	}
}

// TestSameTimestampSamplesAreOrderPreserving verifies OHLC stability when
// several samples share a timestamp.
func TestSameTimestampSamplesAreOrderPreserving(t *testing.T) {
	agg := newAggregator("sim-1", 900_000)
	agg.Initialize(0, 100)

	agg.UpdateCandle(5000, 100, 1)
	agg.UpdateCandle(5000, 105, 1)
	agg.UpdateCandle(5000, 98, 1)

	c := agg.GetCandles(0)[0]
	if c.Open != 100 || c.Close != 98 || c.High != 105 || c.Low != 98 {
		t.Errorf("insertion order must drive OHLC, got %+v", c)
	}
}
