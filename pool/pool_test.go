package pool

import (
	"testing"

	"github.com/openalpha/market-sim/types"
)

func newTradePool(maxSize, prefill int) *Pool[types.Trade] {
	return newNamedTradePool("trade", maxSize, prefill)
}

func newNamedTradePool(name string, maxSize, prefill int) *Pool[types.Trade] {
	return New(name, maxSize, prefill,
		func() *types.Trade { return &types.Trade{} },
		func(t *types.Trade) { *t = types.Trade{} },
	)
}

// TestAcquireReusesReleased checks the free list is used before allocating
func TestAcquireReusesReleased(t *testing.T) {
	p := newTradePool(10, 0)

	a := p.Acquire()
	p.Release(a)
	b := p.Acquire()

	if a != b {
		t.Errorf("expected released object to be reused")
	}
	st := p.GetStats()
	if st.TotalReused != 1 {
		t.Errorf("expected 1 reuse, got %d", st.TotalReused)
	}
	if st.Created != 1 {
		t.Errorf("expected 1 live object, got %d", st.Created)
	}
}

// TestPrefill checks prefilled objects count against the ceiling
func TestPrefill(t *testing.T) {
	p := newTradePool(100, 20)
	st := p.GetStats()
	if st.Available != 20 {
		t.Errorf("expected 20 available, got %d", st.Available)
	}
	if st.Created != 20 {
		t.Errorf("expected 20 created, got %d", st.Created)
	}
}

// TestEmergencyAllocationAtCapacity exercises the leak path: exhausting a
// pool without releasing must still return objects, marked as emergency,
// and flip the health check.
func TestEmergencyAllocationAtCapacity(t *testing.T) {
	const capacity = 50
	p := newTradePool(capacity, 0)

	for i := 0; i < capacity; i++ {
		if obj := p.Acquire(); obj == nil {
			t.Fatalf("acquire %d returned nil", i)
		}
	}

	// All holders are fresh, so forced cleanup reclaims nothing and the
	// next acquire must fall through to an emergency allocation.
	extra := p.Acquire()
	if extra == nil {
		t.Fatal("emergency acquire returned nil")
	}

	st := p.GetStats()
	if st.Emergency != 1 {
		t.Errorf("expected 1 emergency allocation, got %d", st.Emergency)
	}
	if st.InUse != capacity {
		t.Errorf("expected %d tracked in use, got %d", capacity, st.InUse)
	}

	h := p.HealthCheck()
	if h.Healthy {
		t.Errorf("expected unhealthy pool, got %+v", h)
	}
}

// TestReleaseIsIdempotent double releases and releases of untracked objects
func TestReleaseIsIdempotent(t *testing.T) {
	p := newTradePool(10, 0)

	obj := p.Acquire()
	p.Release(obj)
	p.Release(obj) // double release
	p.Release(&types.Trade{})

	st := p.GetStats()
	if st.TotalReleased != 1 {
		t.Errorf("expected 1 release counted, got %d", st.TotalReleased)
	}
	if st.Available != 1 {
		t.Errorf("expected 1 available, got %d", st.Available)
	}
}

// TestReleaseResetsObject verifies the reset hook scrubs fields
func TestReleaseResetsObject(t *testing.T) {
	p := newTradePool(10, 0)

	obj := p.Acquire()
	obj.ID = "t-1"
	obj.Price = 42
	p.Release(obj)

	got := p.Acquire()
	if got.ID != "" || got.Price != 0 {
		t.Errorf("expected scrubbed object, got %+v", got)
	}
}

// TestInvariantHeldPlusFreeWithinCeiling checks inUse + available never
// exceeds maxSize for tracked objects.
func TestInvariantHeldPlusFreeWithinCeiling(t *testing.T) {
	p := newTradePool(20, 5)

	held := make([]*types.Trade, 0, 20)
	for i := 0; i < 20; i++ {
		held = append(held, p.Acquire())
	}
	for _, obj := range held[:10] {
		p.Release(obj)
	}

	st := p.GetStats()
	if st.InUse+st.Available > st.MaxSize {
		t.Errorf("inUse(%d)+available(%d) exceeds maxSize(%d)",
			st.InUse, st.Available, st.MaxSize)
	}
}

// TestResizeDiscardsExcessFree shrinks the ceiling below the free count
func TestResizeDiscardsExcessFree(t *testing.T) {
	p := newTradePool(20, 20)
	p.Resize(10)

	st := p.GetStats()
	if st.MaxSize != 10 {
		t.Errorf("expected maxSize 10, got %d", st.MaxSize)
	}
	if st.Available != 10 {
		t.Errorf("expected 10 available after shrink, got %d", st.Available)
	}
	if st.TotalDiscarded != 10 {
		t.Errorf("expected 10 discarded, got %d", st.TotalDiscarded)
	}
}

// TestMonitorRemediatesCritical drives a pool past the critical threshold
// and checks the escalation ladder runs.
func TestMonitorRemediatesCritical(t *testing.T) {
	p := newTradePool(100, 0)
	for i := 0; i < 96; i++ {
		p.Acquire()
	}

	m := NewMonitor()
	m.Register(p)
	m.Scan()

	st := p.GetStats()
	if st.MaxSize != 80 {
		t.Errorf("expected ceiling resized to 80, got %d", st.MaxSize)
	}
	if st.InUse != 0 {
		t.Errorf("expected all objects force-released, got %d in use", st.InUse)
	}
}

// TestMonitorSnapshotAggregates checks pool counting across health bands
func TestMonitorSnapshotAggregates(t *testing.T) {
	healthy := newNamedTradePool("healthy", 100, 10)
	warning := newNamedTradePool("warning", 100, 0)
	for i := 0; i < 85; i++ {
		warning.Acquire()
	}

	m := NewMonitor()
	m.Register(healthy)
	m.Register(warning)

	snap := m.Snapshot()
	if snap.TotalPools != 2 {
		t.Fatalf("expected 2 pools, got %d", snap.TotalPools)
	}
	if snap.HealthyPools != 1 || snap.WarningPools != 1 {
		t.Errorf("expected 1 healthy / 1 warning, got %d / %d",
			snap.HealthyPools, snap.WarningPools)
	}
	if snap.TotalCapacity != 200 {
		t.Errorf("expected capacity 200, got %d", snap.TotalCapacity)
	}
	if len(snap.Details) != 2 {
		t.Errorf("expected 2 detail entries, got %d", len(snap.Details))
	}
}
