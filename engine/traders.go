package engine

import (
	"fmt"
	"math/rand"

	"github.com/openalpha/market-sim/types"
)

// defaultPopulation is the synthetic trader head-count per simulation.
const defaultPopulation = 118

var firstNames = []string{
	"Alex", "Morgan", "Riley", "Casey", "Jordan", "Quinn", "Avery", "Dakota",
	"Skyler", "Rowan", "Emerson", "Finley", "Harper", "Kendall", "Logan",
	"Marlow", "Nico", "Parker", "Reese", "Sage", "Tatum", "Blake", "Cameron",
	"Drew", "Ellis",
}

var lastNames = []string{
	"Nakamoto", "Vega", "Sterling", "Frost", "Calloway", "Mercer", "Hale",
	"Winters", "Ashford", "Briggs", "Crane", "Delacroix", "Ember", "Falk",
	"Grayson", "Holt", "Iverson", "Juno", "Kessler", "Lowell",
}

var strategies = []types.Strategy{
	types.StrategyScalper,
	types.StrategySwing,
	types.StrategyMomentum,
	types.StrategyContrarian,
}

// generateTraders builds a population of n synthetic trader profiles with
// unique wallet addresses. n <= 0 uses the default population.
func generateTraders(n int, rng *rand.Rand) []types.TraderProfile {
	if n <= 0 {
		n = defaultPopulation
	}
	out := make([]types.TraderProfile, 0, n)
	for i := 0; i < n; i++ {
		wallet := fmt.Sprintf("0x%040x", rng.Uint64()^uint64(i)<<32|uint64(i))
		name := fmt.Sprintf("%s %s",
			firstNames[rng.Intn(len(firstNames))],
			lastNames[rng.Intn(len(lastNames))])

		strategy := strategies[rng.Intn(len(strategies))]
		sizing := types.SizingModerate
		risk := "balanced"
		switch r := rng.Float64(); {
		case r < 0.3:
			sizing = types.SizingConservative
			risk = "cautious"
		case r > 0.8:
			sizing = types.SizingAggressive
			risk = "degen"
		}

		out = append(out, types.TraderProfile{
			Trader: types.Trader{
				WalletAddress: wallet,
				PreferredName: name,
			},
			Strategy:         strategy,
			TradingFrequency: 0.1 + rng.Float64()*0.9,
			PositionSizing:   sizing,
			StopLoss:         0.005 + rng.Float64()*0.02,
			TakeProfit:       0.01 + rng.Float64()*0.04,
			RiskProfile:      risk,
		})
	}
	return out
}

// resolveInitialPrice applies the priceRange/customPrice rules to pick a
// starting price.
func resolveInitialPrice(params types.SimulationParameters, rng *rand.Rand) float64 {
	if params.UseCustomPrice && params.CustomPrice > 0 {
		return params.CustomPrice
	}
	if params.InitialPrice > 0 && params.PriceRange == "" {
		return params.InitialPrice
	}

	pr := params.PriceRange
	if pr == types.PriceRangeRandom || pr == "" {
		all := []types.PriceRange{
			types.PriceRangeMicro, types.PriceRangeSmall, types.PriceRangeMid,
			types.PriceRangeLarge, types.PriceRangeMega,
		}
		pr = all[rng.Intn(len(all))]
	}

	var lo, hi float64
	switch pr {
	case types.PriceRangeMicro:
		lo, hi = 0.0001, 0.01
	case types.PriceRangeSmall:
		lo, hi = 0.01, 1
	case types.PriceRangeMid:
		lo, hi = 1, 10
	case types.PriceRangeLarge:
		lo, hi = 10, 100
	case types.PriceRangeMega:
		lo, hi = 100, 1000
	default:
		lo, hi = 1, 10
	}
	return lo + rng.Float64()*(hi-lo)
}

// categoryImpactMultiplier scales external-trade impact by price
// category.
func categoryImpactMultiplier(pr types.PriceRange) float64 {
	switch pr {
	case types.PriceRangeMicro:
		return 1.8
	case types.PriceRangeSmall:
		return 1.4
	case types.PriceRangeLarge:
		return 0.8
	case types.PriceRangeMega:
		return 0.6
	default:
		return 1.0
	}
}

// categoryImpactCap is the maximum absolute per-trade impact fraction.
func categoryImpactCap(pr types.PriceRange) float64 {
	switch pr {
	case types.PriceRangeMicro:
		return 0.05
	case types.PriceRangeSmall:
		return 0.03
	case types.PriceRangeLarge:
		return 0.015
	case types.PriceRangeMega:
		return 0.01
	default:
		return 0.02
	}
}
