package engine

import (
	"testing"

	"github.com/openalpha/market-sim/types"
)

func testParams() types.SimulationParameters {
	return types.SimulationParameters{
		InitialPrice:          5,
		InitialLiquidity:      1_000_000,
		VolatilityFactor:      1,
		Duration:              3600,
		TimeCompressionFactor: 1,
	}
}

func TestFlagsNeverBothTrue(t *testing.T) {
	s := newState("sim", testParams(), 1000)

	s.setFlags(true, true)
	running, paused := s.Flags()
	if running && paused {
		t.Fatal("flags left (true,true) after force-correction")
	}
	if running {
		t.Errorf("force-correction should favour paused, got running=%v", running)
	}

	s.setFlags(true, false)
	if r, p := s.Flags(); !r || p {
		t.Errorf("running transition: got (%v,%v), want (true,false)", r, p)
	}
}

func TestTradeLogBounded(t *testing.T) {
	s := newState("sim", testParams(), 1000)
	released := 0
	s.releaseTrade = func(*types.Trade) { released++ }

	for i := 0; i < maxRecentTrades+25; i++ {
		s.appendTrade(&types.Trade{ID: "t", Timestamp: int64(i)})
	}

	if len(s.recentTrades) != maxRecentTrades {
		t.Fatalf("trade log length = %d, want %d", len(s.recentTrades), maxRecentTrades)
	}
	if released != 25 {
		t.Errorf("released %d evicted trades, want 25", released)
	}
	// Newest first.
	if s.recentTrades[0].Timestamp != int64(maxRecentTrades+24) {
		t.Errorf("head timestamp = %d, want newest", s.recentTrades[0].Timestamp)
	}
}

func TestOnePositionPerTrader(t *testing.T) {
	s := newState("sim", testParams(), 1000)
	wallet := "0xabc"

	first := &types.Position{Trader: types.Trader{WalletAddress: wallet}, EntryPrice: 5, Quantity: 10}
	if !s.openPosition(first) {
		t.Fatal("first open rejected")
	}
	second := &types.Position{Trader: types.Trader{WalletAddress: wallet}, EntryPrice: 5, Quantity: 3}
	if s.openPosition(second) {
		t.Fatal("second open for same wallet accepted")
	}
}

func TestClosePositionRealisesPnl(t *testing.T) {
	s := newState("sim", testParams(), 1000)
	s.traders = []types.TraderProfile{
		{Trader: types.Trader{WalletAddress: "0xlong"}},
		{Trader: types.Trader{WalletAddress: "0xshort"}},
	}
	s.traderIdx["0xlong"] = 0
	s.traderIdx["0xshort"] = 1

	s.openPosition(&types.Position{Trader: s.traders[0].Trader, EntryPrice: 5, Quantity: 10, EntryTime: 1000})
	s.openPosition(&types.Position{Trader: s.traders[1].Trader, EntryPrice: 5, Quantity: -10, EntryTime: 1000})

	closed, ok := s.closePosition("0xlong", 6, 2000)
	if !ok {
		t.Fatal("close failed")
	}
	if closed.CurrentPnl != 10 {
		t.Errorf("long pnl = %v, want 10", closed.CurrentPnl)
	}
	closed, ok = s.closePosition("0xshort", 6, 2000)
	if !ok {
		t.Fatal("close failed")
	}
	if closed.CurrentPnl != -10 {
		t.Errorf("short pnl = %v, want -10", closed.CurrentPnl)
	}

	ranked := s.ranks.ordered()
	if len(ranked) != 2 {
		t.Fatalf("rankings length = %d, want 2", len(ranked))
	}
	if ranked[0].WalletAddress != "0xlong" {
		t.Errorf("top ranked = %s, want 0xlong", ranked[0].WalletAddress)
	}
	if len(s.activePositions) != 0 {
		t.Errorf("active positions = %d after closes, want 0", len(s.activePositions))
	}
}

func TestClampPrice(t *testing.T) {
	s := newState("sim", testParams(), 1000)

	if got := s.clampPrice(0.001); got != 0.05 {
		t.Errorf("low clamp = %v, want 0.05", got)
	}
	if got := s.clampPrice(10_000); got != 500 {
		t.Errorf("high clamp = %v, want 500", got)
	}
	if got := s.clampPrice(7); got != 7 {
		t.Errorf("in-range price changed to %v", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newState("sim", testParams(), 1000)
	s.appendTrade(&types.Trade{ID: "t1", Price: 5})
	s.setPriceHistory([]types.Candle{{Timestamp: 0, Open: 5, High: 5, Low: 5, Close: 5}})

	snap := s.Snapshot()
	snap.RecentTrades[0].Price = 99
	snap.PriceHistory[0].Close = 99

	if s.recentTrades[0].Price != 5 {
		t.Error("snapshot mutation leaked into live trade log")
	}
	if s.priceHistory[0].Close != 5 {
		t.Error("snapshot mutation leaked into live price history")
	}
}
