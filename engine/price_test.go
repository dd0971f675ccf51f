package engine

import (
	"testing"

	"github.com/openalpha/market-sim/types"
)

func TestStepVolatilityClamped(t *testing.T) {
	e := NewPriceEvolver(1)
	cond := types.MarketConditions{Volatility: 1.0, Trend: types.TrendSideways}

	for i := 0; i < 200; i++ {
		res := e.Step(EvolveInput{Price: 100, Conditions: cond, Speed: 1})
		cond = res.Conditions
		if cond.Volatility < volatilityMin || cond.Volatility > volatilityMax {
			t.Fatalf("volatility %v outside [%v, %v] at step %d", cond.Volatility, volatilityMin, volatilityMax, i)
		}
	}
}

func TestCrashScenarioDrivesPriceDown(t *testing.T) {
	e := NewPriceEvolver(42)
	sc := &Scenario{Type: types.ScenarioCrash, Intensity: 1, VolatilityMultiplier: 1}
	price := 100.0
	cond := types.MarketConditions{Volatility: 0.02, Trend: types.TrendSideways}

	for i := 0; i < 50; i++ {
		res := e.Step(EvolveInput{Price: price, Conditions: cond, Scenario: sc, Speed: 1})
		price = res.NewPrice
		cond = res.Conditions
	}
	if price >= 100 {
		t.Errorf("price %v did not fall under crash forcing", price)
	}
}

func TestPumpScenarioDrivesPriceUp(t *testing.T) {
	e := NewPriceEvolver(42)
	sc := &Scenario{Type: types.ScenarioPump, Intensity: 1, VolatilityMultiplier: 1}
	price := 100.0
	cond := types.MarketConditions{Volatility: 0.02, Trend: types.TrendSideways}

	for i := 0; i < 50; i++ {
		res := e.Step(EvolveInput{Price: price, Conditions: cond, Scenario: sc, Speed: 1})
		price = res.NewPrice
		cond = res.Conditions
	}
	if price <= 100 {
		t.Errorf("price %v did not rise under pump forcing", price)
	}
}

func TestClassifyTrend(t *testing.T) {
	flat := make([]float64, trendLookback)
	up := make([]float64, trendLookback)
	down := make([]float64, trendLookback)
	for i := range flat {
		flat[i] = 100
		up[i] = 100 * (1 + 0.004*float64(i))
		down[i] = 100 * (1 - 0.003*float64(i))
	}

	if got := classifyTrend(up, types.TrendSideways); got != types.TrendBullish {
		t.Errorf("rising closes classified as %s", got)
	}
	if got := classifyTrend(down, types.TrendSideways); got != types.TrendBearish {
		t.Errorf("falling closes classified as %s", got)
	}
	if got := classifyTrend(flat, types.TrendBullish); got != types.TrendSideways {
		t.Errorf("flat closes classified as %s", got)
	}
	// Short history keeps the previous label.
	if got := classifyTrend(flat[:3], types.TrendBearish); got != types.TrendBearish {
		t.Errorf("short history reclassified to %s", got)
	}
}

func TestScenarioVolatilityMultipliers(t *testing.T) {
	cases := []struct {
		st   types.ScenarioType
		want float64
	}{
		{types.ScenarioTrend, 0.5},
		{types.ScenarioConsolidation, 0.2},
		{types.ScenarioAccumulation, 0.3},
		{types.ScenarioDistribution, 0.3},
	}
	for _, c := range cases {
		sc := NewScenario(c.st, 1, 2.5, nil)
		if sc == nil || sc.VolatilityMultiplier != c.want {
			t.Errorf("%s multiplier = %v, want %v", c.st, sc.VolatilityMultiplier, c.want)
		}
	}
	if sc := NewScenario(types.ScenarioCrash, 1, 2.5, nil); sc.VolatilityMultiplier != 2.5 {
		t.Errorf("crash keeps configured multiplier, got %v", sc.VolatilityMultiplier)
	}
	if NewScenario(types.ScenarioNone, 1, 1, nil) != nil {
		t.Error("none scenario should be nil forcing")
	}
}
