package engine

import (
	"math"
	"math/rand"

	"github.com/openalpha/market-sim/types"
)

const (
	// volatility EWMA smoothing and clamps
	volatilityAlpha = 0.1
	volatilityMin   = 0.01
	volatilityMax   = 0.05

	// baseline drift applied per tick for a trending market
	baseTrendFactor = 1e-4

	// fraction of market volatility feeding per-tick noise
	noiseScale = 0.3

	// trend classification thresholds over the last 10 candles
	trendLookback     = 10
	trendBullishAbove = 0.02
	trendBearishBelow = -0.015
)

// Scenario is a temporary forcing function layered over the base price
// model.
type Scenario struct {
	Type                 types.ScenarioType
	Intensity            float64 // (0,1]
	VolatilityMultiplier float64
	Direction            float64 // +1 / -1 for breakout and trend
}

// EvolveInput carries everything one price step needs.
type EvolveInput struct {
	Price      float64
	Conditions types.MarketConditions
	Scenario   *Scenario
	Speed      float64
	Batched    bool
	// Closes are candle close prices, oldest first, for trend recompute.
	Closes []float64
}

// EvolveResult is the outcome of one price step.
type EvolveResult struct {
	NewPrice   float64
	Change     float64
	Conditions types.MarketConditions
}

// PriceEvolver advances the mid price with multiplicative drift plus
// noise and maintains the adaptive market conditions.
type PriceEvolver struct {
	rng *rand.Rand
}

// NewPriceEvolver creates an evolver seeded from seed.
func NewPriceEvolver(seed int64) *PriceEvolver {
	return &PriceEvolver{rng: rand.New(rand.NewSource(seed))}
}

// Step computes the next price and recomputes volatility and trend.
// Clamping to the simulation's allowed band is the caller's job.
func (e *PriceEvolver) Step(in EvolveInput) EvolveResult {
	cond := in.Conditions

	baseVol := cond.Volatility * noiseScale
	if in.Batched && in.Speed > 1 {
		// High-speed batching compounds many virtual steps per real
		// tick; damp the noise to keep the walk stable.
		baseVol /= math.Sqrt(in.Speed)
	}

	trendFactor := e.trendFactor(cond.Trend, in.Scenario)
	if in.Scenario != nil && in.Scenario.VolatilityMultiplier > 0 {
		baseVol *= in.Scenario.VolatilityMultiplier
	}

	randomFactor := (e.rng.Float64() - 0.5) * baseVol
	change := in.Price * (trendFactor + randomFactor)
	newPrice := in.Price + change

	// Adaptive volatility: EWMA of the relative move.
	if in.Price > 0 {
		rel := math.Abs(change) / in.Price
		cond.Volatility = (1-volatilityAlpha)*cond.Volatility + volatilityAlpha*rel
	}
	if cond.Volatility < volatilityMin {
		cond.Volatility = volatilityMin
	}
	if cond.Volatility > volatilityMax {
		cond.Volatility = volatilityMax
	}

	cond.Trend = classifyTrend(in.Closes, cond.Trend)

	return EvolveResult{NewPrice: newPrice, Change: change, Conditions: cond}
}

// trendFactor resolves the per-tick drift, letting an active scenario
// override the baseline trend drift.
func (e *PriceEvolver) trendFactor(trend types.TrendDirection, sc *Scenario) float64 {
	if sc != nil && sc.Type != types.ScenarioNone {
		dir := sc.Direction
		if dir == 0 {
			dir = 1
		}
		switch sc.Type {
		case types.ScenarioCrash:
			return -0.01 * sc.Intensity
		case types.ScenarioPump:
			return 0.01 * sc.Intensity
		case types.ScenarioBreakout:
			return 0.005 * sc.Intensity * dir
		case types.ScenarioTrend:
			return 0.002 * sc.Intensity * dir
		case types.ScenarioConsolidation:
			return 0
		case types.ScenarioAccumulation:
			return 0.0005 * sc.Intensity
		case types.ScenarioDistribution:
			return -0.0005 * sc.Intensity
		}
	}

	switch trend {
	case types.TrendBullish:
		return baseTrendFactor
	case types.TrendBearish:
		return -baseTrendFactor
	default:
		return 0
	}
}

// NewScenario builds the forcing function for a scenario type with the
// volatility multipliers from the scenario table.
func NewScenario(t types.ScenarioType, intensity, configuredVolMult float64, rng *rand.Rand) *Scenario {
	if t == types.ScenarioNone {
		return nil
	}
	if intensity <= 0 {
		intensity = 1
	}
	sc := &Scenario{Type: t, Intensity: intensity, Direction: 1}
	if rng != nil && rng.Float64() < 0.5 {
		sc.Direction = -1
	}
	switch t {
	case types.ScenarioTrend:
		sc.VolatilityMultiplier = 0.5
	case types.ScenarioConsolidation:
		sc.VolatilityMultiplier = 0.2
	case types.ScenarioAccumulation, types.ScenarioDistribution:
		sc.VolatilityMultiplier = 0.3
	default:
		sc.VolatilityMultiplier = configuredVolMult
		if sc.VolatilityMultiplier <= 0 {
			sc.VolatilityMultiplier = 1
		}
	}
	return sc
}

// classifyTrend derives the trend label from the return over the last 10
// candle closes, keeping the previous label when history is short.
func classifyTrend(closes []float64, prev types.TrendDirection) types.TrendDirection {
	if len(closes) < trendLookback {
		return prev
	}
	first := closes[len(closes)-trendLookback]
	last := closes[len(closes)-1]
	if first <= 0 {
		return prev
	}
	ret := (last - first) / first
	switch {
	case ret > trendBullishAbove:
		return types.TrendBullish
	case ret < trendBearishBelow:
		return types.TrendBearish
	default:
		return types.TrendSideways
	}
}
