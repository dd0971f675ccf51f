package engine

import (
	"math"
	"testing"
)

func TestRebuildLadderShape(t *testing.T) {
	b := NewOrderBookBuilder()
	snap := b.Rebuild(100, 1_000_000, 0.02)

	if len(snap.Bids) != bookDepth || len(snap.Asks) != bookDepth {
		t.Fatalf("depth = %d/%d, want %d per side", len(snap.Bids), len(snap.Asks), bookDepth)
	}

	for i, lv := range snap.Bids {
		if lv.Price >= 100 {
			t.Fatalf("bid %d at %v not strictly below mid", i, lv.Price)
		}
		if i > 0 && lv.Price >= snap.Bids[i-1].Price {
			t.Fatalf("bids not best-first at level %d", i)
		}
	}
	for i, lv := range snap.Asks {
		if lv.Price <= 100 {
			t.Fatalf("ask %d at %v not strictly above mid", i, lv.Price)
		}
		if i > 0 && lv.Price <= snap.Asks[i-1].Price {
			t.Fatalf("asks not best-first at level %d", i)
		}
	}

	// Size decays away from the mid.
	if snap.Bids[0].Quantity <= snap.Bids[bookDepth-1].Quantity {
		t.Error("bid quantity does not decay away from mid")
	}
}

func TestRebuildLiquidityNormalised(t *testing.T) {
	b := NewOrderBookBuilder()
	liquidity := 500_000.0
	snap := b.Rebuild(50, liquidity, 0.02)

	total := 0.0
	for _, lv := range snap.Bids {
		total += lv.Price * lv.Quantity
	}
	if math.Abs(total-liquidity)/liquidity > 0.01 {
		t.Errorf("bid side notional = %v, want ~%v", total, liquidity)
	}
}

func TestRebuildVolatilityWidensSpread(t *testing.T) {
	b := NewOrderBookBuilder()
	calm := b.Rebuild(100, 1_000_000, 0.01)
	calmSpread := calm.Asks[0].Price - calm.Bids[0].Price

	wild := b.Rebuild(100, 1_000_000, 0.05)
	wildSpread := wild.Asks[0].Price - wild.Bids[0].Price

	if wildSpread <= calmSpread {
		t.Errorf("spread %v at high vol not wider than %v at low vol", wildSpread, calmSpread)
	}
}

func TestRebuildDegenerateInputs(t *testing.T) {
	b := NewOrderBookBuilder()
	snap := b.Rebuild(0, 1_000_000, 0.02)
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
		t.Error("non-positive mid should produce an empty book")
	}
}
