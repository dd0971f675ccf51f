package engine

import (
	"testing"

	"github.com/openalpha/market-sim/types"
)

func TestActionMultiplierCapped(t *testing.T) {
	if got := ActionMultiplier(1); got != baseActionMultiplier {
		t.Errorf("batch 1 multiplier = %v, want baseline", got)
	}
	if got := ActionMultiplier(4); got != baseActionMultiplier*4 {
		t.Errorf("batch 4 multiplier = %v, want 4x baseline", got)
	}
	if got := ActionMultiplier(500); got != maxActionMultiplier {
		t.Errorf("batch 500 multiplier = %v, want cap %v", got, maxActionMultiplier)
	}
	if got := ActionMultiplier(0); got != baseActionMultiplier {
		t.Errorf("batch 0 multiplier = %v, want baseline", got)
	}
}

func TestForceDecisionsSkipsPositionHolders(t *testing.T) {
	d := NewDecisionEngine(7)
	profiles := generateTraders(20, d.rng)
	positions := map[string]*types.Position{}
	for i := 0; i < 15; i++ {
		w := profiles[i].Trader.WalletAddress
		positions[w] = &types.Position{Trader: profiles[i].Trader}
	}

	view := MarketView{Price: 5, Now: 1000}
	decs := d.ForceDecisions(view, profiles, positions, 10)

	// Only 5 traders are positionless.
	if len(decs) != 5 {
		t.Fatalf("forced %d decisions, want 5", len(decs))
	}
	for _, dec := range decs {
		if positions[dec.WalletAddress] != nil {
			t.Errorf("forced entry for %s which already holds a position", dec.WalletAddress)
		}
		if dec.Action != DecisionEnter {
			t.Errorf("forced decision action = %s, want enter", dec.Action)
		}
		if dec.Quantity == 0 {
			t.Error("forced entry has zero quantity")
		}
	}
}

func TestShouldExitTakeProfitAndStopLoss(t *testing.T) {
	d := NewDecisionEngine(7)
	profile := &types.TraderProfile{Strategy: types.StrategyScalper}
	pos := &types.Position{EntryPrice: 100, Quantity: 10, EntryTime: 0}

	// Scalper takes profit at +0.5%.
	if !d.shouldExit(profile, pos, MarketView{Price: 100.6, Now: 60_000}) {
		t.Error("scalper did not take profit at +0.6%")
	}
	// Stops out at -0.3%.
	if !d.shouldExit(profile, pos, MarketView{Price: 99.6, Now: 60_000}) {
		t.Error("scalper did not stop out at -0.4%")
	}
	// Holds inside the band before timeout.
	if d.shouldExit(profile, pos, MarketView{Price: 100.1, Now: 60_000}) {
		t.Error("scalper exited inside the band before timeout")
	}
	// Scalper timeout exit probability is 1.0 past 30 minutes.
	if !d.shouldExit(profile, pos, MarketView{Price: 100.1, Now: 31 * 60_000}) {
		t.Error("scalper did not exit at timeout")
	}
}

func TestMomentumTimeoutExitsOnlyInProfit(t *testing.T) {
	d := NewDecisionEngine(7)
	profile := &types.TraderProfile{Strategy: types.StrategyMomentum}
	pos := &types.Position{EntryPrice: 100, Quantity: 10, EntryTime: 0}

	// Losing past timeout: momentum holds.
	view := MarketView{Price: 99.5, Now: 200 * 60_000}
	for i := 0; i < 50; i++ {
		if d.shouldExit(profile, pos, view) {
			t.Fatal("momentum exited a losing position on timeout")
		}
	}
}

func TestPositionQuantitySigns(t *testing.T) {
	d := NewDecisionEngine(7)
	p := &types.TraderProfile{PositionSizing: types.SizingModerate}

	if q := d.positionQuantity(p, 5, types.ActionBuy); q <= 0 {
		t.Errorf("buy quantity = %v, want positive", q)
	}
	if q := d.positionQuantity(p, 5, types.ActionSell); q >= 0 {
		t.Errorf("sell quantity = %v, want negative", q)
	}
	if q := d.positionQuantity(p, 0, types.ActionBuy); q != 0 {
		t.Errorf("zero price quantity = %v, want 0", q)
	}
}

func TestTickRespectsFrequencyZero(t *testing.T) {
	d := NewDecisionEngine(7)
	profiles := generateTraders(30, d.rng)
	for i := range profiles {
		profiles[i].TradingFrequency = 0
	}
	decs := d.Tick(MarketView{Price: 5, ActionMultiplier: 1, Now: 1000}, profiles, nil)
	if len(decs) != 0 {
		t.Errorf("zero-frequency population produced %d decisions", len(decs))
	}
}
