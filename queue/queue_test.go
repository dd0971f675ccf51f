package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openalpha/market-sim/types"
)

func makeTrade(i int) *types.Trade {
	return &types.Trade{
		ID:        fmt.Sprintf("t-%d", i),
		Timestamp: time.Now().UnixMilli(),
		Trader:    types.Trader{WalletAddress: fmt.Sprintf("0x%040d", i)},
		Action:    types.ActionBuy,
		Price:     10,
		Quantity:  1,
		Value:     10,
	}
}

// TestSizeThresholdFlush fills a buffer to the threshold and expects a
// synchronous flush.
func TestSizeThresholdFlush(t *testing.T) {
	q := New()

	for i := 0; i < flushThreshold; i++ {
		q.AddTrade(makeTrade(i), "sim-1")
	}

	results := q.GetProcessedTrades("sim-1", 0)
	if len(results) != flushThreshold {
		t.Fatalf("expected %d processed, got %d", flushThreshold, len(results))
	}
	for _, r := range results {
		if !r.Processed || r.SimulationID != "sim-1" {
			t.Errorf("bad result %+v", r)
		}
	}
}

// TestFlushBatchDrainsPartialBuffer flushes below the size threshold
func TestFlushBatchDrainsPartialBuffer(t *testing.T) {
	q := New()

	for i := 0; i < 7; i++ {
		q.AddTrade(makeTrade(i), "sim-1")
	}
	if got := len(q.GetProcessedTrades("sim-1", 0)); got != 0 {
		t.Fatalf("expected no processing before flush, got %d", got)
	}

	q.FlushBatch("sim-1")
	if got := len(q.GetProcessedTrades("sim-1", 0)); got != 7 {
		t.Errorf("expected 7 processed, got %d", got)
	}
}

// TestInvalidTradesGoToDeadLetter checks validation failures are retried
// then recorded.
func TestInvalidTradesGoToDeadLetter(t *testing.T) {
	q := New()

	bad := makeTrade(1)
	bad.Price = 0
	q.AddTrade(bad, "sim-1")
	q.AddTrade(makeTrade(2), "sim-1")
	q.FlushBatch("sim-1")

	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].TradeID != "t-1" {
		t.Errorf("expected t-1 dead-lettered, got %s", dead[0].TradeID)
	}
	if got := len(q.GetProcessedTrades("sim-1", 0)); got != 1 {
		t.Errorf("valid trade must still process, got %d results", got)
	}
}

// TestBufferedTradeSurvivesCallerReset checks the queue holds its own
// copy: recycling the caller's trade object after AddTrade must not
// corrupt the buffered record.
func TestBufferedTradeSurvivesCallerReset(t *testing.T) {
	q := New()

	trade := makeTrade(1)
	q.AddTrade(trade, "sim-1")
	*trade = types.Trade{} // caller returns the object to its pool

	q.FlushBatch("sim-1")

	if dead := q.DeadLetters(); len(dead) != 0 {
		t.Fatalf("valid trade dead-lettered after caller reset: %+v", dead)
	}
	results := q.GetProcessedTrades("sim-1", 0)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].TradeID != "t-1" {
		t.Errorf("expected t-1, got %q", results[0].TradeID)
	}
}

// TestPendingCountsBufferedTrades reports the unflushed depth per
// simulation.
func TestPendingCountsBufferedTrades(t *testing.T) {
	q := New()

	for i := 0; i < 3; i++ {
		q.AddTrade(makeTrade(i), "sim-1")
	}
	if got := q.Pending("sim-1"); got != 3 {
		t.Errorf("expected 3 pending, got %d", got)
	}
	if got := q.Pending("sim-2"); got != 0 {
		t.Errorf("expected 0 pending for unknown sim, got %d", got)
	}

	q.FlushBatch("sim-1")
	if got := q.Pending("sim-1"); got != 0 {
		t.Errorf("expected 0 pending after flush, got %d", got)
	}
}

// TestPriorityTradeProcessedFirst checks priority entries lead the batch
func TestPriorityTradeProcessedFirst(t *testing.T) {
	q := New()

	q.AddTrade(makeTrade(1), "sim-1")
	q.AddPriorityTrade(makeTrade(99), "sim-1")
	q.FlushBatch("sim-1")

	results := q.GetProcessedTrades("sim-1", 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].TradeID != "t-99" {
		t.Errorf("expected priority trade first, got %s", results[0].TradeID)
	}
}

// TestPerSimulationIsolation keeps buffers and results separate per id
func TestPerSimulationIsolation(t *testing.T) {
	q := New()

	q.AddTrade(makeTrade(1), "sim-a")
	q.AddTrade(makeTrade(2), "sim-b")
	q.FlushBatch("sim-a")

	if got := len(q.GetProcessedTrades("sim-a", 0)); got != 1 {
		t.Errorf("sim-a: expected 1 result, got %d", got)
	}
	if got := len(q.GetProcessedTrades("sim-b", 0)); got != 0 {
		t.Errorf("sim-b: expected 0 results before its flush, got %d", got)
	}
}

// TestResultLimit trims GetProcessedTrades to the requested count,
// newest retained.
func TestResultLimit(t *testing.T) {
	q := New()
	// Single chunk keeps result order deterministic.
	for i := 0; i < 8; i++ {
		q.AddTrade(makeTrade(i), "sim-1")
	}
	q.FlushBatch("sim-1")

	results := q.GetProcessedTrades("sim-1", 5)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if results[4].TradeID != "t-7" {
		t.Errorf("expected newest last, got %s", results[4].TradeID)
	}
}

// TestStatsHealth reports ok at rest and counts throughput
func TestStatsHealth(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		q.AddTrade(makeTrade(i), "sim-1")
	}
	q.FlushBatch("sim-1")

	st := q.GetQueueStats()
	if st.Health != "ok" {
		t.Errorf("expected ok health, got %s", st.Health)
	}
	if st.ProcessedTotal != 10 {
		t.Errorf("expected 10 processed, got %d", st.ProcessedTotal)
	}
	if st.BufferedTrades != 0 {
		t.Errorf("expected empty buffers, got %d", st.BufferedTrades)
	}
}

// TestAgeBasedFlush lets the background flusher drain an aged buffer
func TestAgeBasedFlush(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown()

	q.AddTrade(makeTrade(1), "sim-1")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(q.GetProcessedTrades("sim-1", 0)) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("aged buffer was not flushed in time")
}
