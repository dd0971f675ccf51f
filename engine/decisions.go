package engine

import (
	"math/rand"

	"github.com/cinar/indicator"

	"github.com/openalpha/market-sim/types"
)

const (
	// baseline per-tick action probability multiplier
	baseActionMultiplier = 0.05

	// cap on the batched-mode multiplier, 10x baseline
	maxActionMultiplier = baseActionMultiplier * 10

	// position sizing
	basePositionValue = 10_000.0

	// RSI bands
	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// DecisionAction is what a trader wants to do this tick.
type DecisionAction string

const (
	DecisionEnter DecisionAction = "enter"
	DecisionExit  DecisionAction = "exit"
)

// Decision is one trader's intent for the tick. Quantity is signed for
// entries: positive long, negative short. Exits close whatever is open.
type Decision struct {
	WalletAddress string
	Action        DecisionAction
	Quantity      float64
}

// MarketView is the read-only market slice handed to the decision engine.
type MarketView struct {
	Price            float64
	Conditions       types.MarketConditions
	Closes           []float64 // candle closes, oldest first
	Now              int64     // virtual ms
	ActionMultiplier float64
}

// exitRule is the per-strategy exit threshold set.
type exitRule struct {
	takeProfit        float64 // fraction, +0.005 = +0.5%
	stopLoss          float64 // fraction, negative
	maxMinutes        float64
	timeoutExitProb   float64
	profitOnlyTimeout bool
}

var exitRules = map[types.Strategy]exitRule{
	types.StrategyScalper:    {takeProfit: 0.005, stopLoss: -0.003, maxMinutes: 30, timeoutExitProb: 1.0},
	types.StrategySwing:      {takeProfit: 0.02, stopLoss: -0.01, maxMinutes: 180, timeoutExitProb: 0.3},
	types.StrategyMomentum:   {takeProfit: 0.03, stopLoss: -0.015, maxMinutes: 120, timeoutExitProb: 0.2, profitOnlyTimeout: true},
	types.StrategyContrarian: {takeProfit: 0.015, stopLoss: -0.02, maxMinutes: 90, timeoutExitProb: 0.4},
}

var defaultExitRule = exitRule{takeProfit: 0.01, stopLoss: -0.005, maxMinutes: 60, timeoutExitProb: 0.5}

// DecisionEngine produces per-tick entry/exit intents for the synthetic
// trader population.
type DecisionEngine struct {
	rng *rand.Rand
}

// NewDecisionEngine creates an engine seeded from seed.
func NewDecisionEngine(seed int64) *DecisionEngine {
	return &DecisionEngine{rng: rand.New(rand.NewSource(seed))}
}

// ActionMultiplier resolves the per-tick action probability multiplier for
// a batch of batchSize virtual steps, capped at 10x baseline.
func ActionMultiplier(batchSize int) float64 {
	if batchSize < 1 {
		batchSize = 1
	}
	m := baseActionMultiplier * float64(batchSize)
	if m > maxActionMultiplier {
		m = maxActionMultiplier
	}
	return m
}

// Tick evaluates every profile against the market view. positions maps
// wallet to the trader's open position, if any.
func (d *DecisionEngine) Tick(view MarketView, profiles []types.TraderProfile, positions map[string]*types.Position) []Decision {
	mult := view.ActionMultiplier
	if mult <= 0 {
		mult = baseActionMultiplier
	}

	var sma5, sma20, rsi []float64
	if len(view.Closes) >= 5 {
		sma5 = indicator.Sma(5, view.Closes)
	}
	if len(view.Closes) >= 20 {
		sma20 = indicator.Sma(20, view.Closes)
	}
	if len(view.Closes) >= 15 {
		_, rsi = indicator.Rsi(view.Closes)
	}

	var out []Decision
	for i := range profiles {
		p := &profiles[i]
		if d.rng.Float64() >= p.TradingFrequency*mult {
			continue
		}
		wallet := p.Trader.WalletAddress
		if pos := positions[wallet]; pos != nil {
			if d.shouldExit(p, pos, view) {
				out = append(out, Decision{WalletAddress: wallet, Action: DecisionExit})
			}
			continue
		}
		if dec, ok := d.tryEnter(p, view, last(sma5), last(sma20), last(rsi)); ok {
			out = append(out, dec)
		}
	}
	return out
}

// ForceDecisions picks n random traders without a position and forces one
// entry each. Used to bootstrap an otherwise silent market.
func (d *DecisionEngine) ForceDecisions(view MarketView, profiles []types.TraderProfile, positions map[string]*types.Position, n int) []Decision {
	var candidates []*types.TraderProfile
	for i := range profiles {
		if positions[profiles[i].Trader.WalletAddress] == nil {
			candidates = append(candidates, &profiles[i])
		}
	}
	d.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n > len(candidates) {
		n = len(candidates)
	}

	out := make([]Decision, 0, n)
	for _, p := range candidates[:n] {
		direction := types.ActionBuy
		if d.rng.Float64() < 0.5 {
			direction = types.ActionSell
		}
		out = append(out, Decision{
			WalletAddress: p.Trader.WalletAddress,
			Action:        DecisionEnter,
			Quantity:      d.positionQuantity(p, view.Price, direction),
		})
	}
	return out
}

// tryEnter consults the profile's strategy for an entry this tick.
func (d *DecisionEngine) tryEnter(p *types.TraderProfile, view MarketView, sma5, sma20, rsi float64) (Decision, bool) {
	trend := view.Conditions.Trend
	price := view.Price

	var enter bool
	direction := types.ActionBuy

	switch p.Strategy {
	case types.StrategyScalper:
		if view.Conditions.Volatility > 0.015 && d.rng.Float64() < 0.3 {
			enter = true
			if d.rng.Float64() < 0.5 {
				direction = types.ActionSell
			}
		}

	case types.StrategySwing:
		// Trade the trend when price crosses the short SMA.
		if sma5 > 0 && trend != types.TrendSideways && d.rng.Float64() < 0.4 {
			if trend == types.TrendBullish && price > sma5 {
				enter = true
			} else if trend == types.TrendBearish && price < sma5 {
				enter = true
				direction = types.ActionSell
			}
		}

	case types.StrategyMomentum:
		if sma20 > 0 && rsi > 0 && rsi < rsiOverbought && rsi > rsiOversold && d.rng.Float64() < 0.5 {
			if trend == types.TrendBullish && price > sma20 {
				enter = true
			} else if trend == types.TrendBearish && price < sma20 {
				enter = true
				direction = types.ActionSell
			}
		}

	case types.StrategyContrarian:
		// Fade the extremes.
		if rsi > 0 && d.rng.Float64() < 0.6 {
			if rsi > rsiOverbought {
				enter = true
				direction = types.ActionSell
			} else if rsi < rsiOversold {
				enter = true
			}
		}

	default:
		if d.rng.Float64() < 0.2 {
			enter = true
			if d.rng.Float64() < 0.5 {
				direction = types.ActionSell
			}
		}
	}

	if !enter {
		return Decision{}, false
	}
	return Decision{
		WalletAddress: p.Trader.WalletAddress,
		Action:        DecisionEnter,
		Quantity:      d.positionQuantity(p, price, direction),
	}, true
}

// positionQuantity sizes an entry: base value times the sizing multiplier
// times a (0.5, 1.5) jitter, converted to quantity at the current price.
func (d *DecisionEngine) positionQuantity(p *types.TraderProfile, price float64, direction types.TradeAction) float64 {
	if price <= 0 {
		return 0
	}
	mult := 1.0
	switch p.PositionSizing {
	case types.SizingModerate:
		mult = 1.5
	case types.SizingAggressive:
		mult = 3.0
	}
	value := basePositionValue * mult * (0.5 + d.rng.Float64())
	qty := value / price
	if direction == types.ActionSell {
		qty = -qty
	}
	return qty
}

// shouldExit applies the strategy exit table to an open position.
func (d *DecisionEngine) shouldExit(p *types.TraderProfile, pos *types.Position, view MarketView) bool {
	rule, ok := exitRules[p.Strategy]
	if !ok {
		rule = defaultExitRule
	}

	pnlFrac := 0.0
	if pos.EntryPrice > 0 && pos.Quantity != 0 {
		pnlFrac = (view.Price - pos.EntryPrice) * pos.Quantity /
			(pos.EntryPrice * abs(pos.Quantity))
	}

	if pnlFrac >= rule.takeProfit || pnlFrac <= rule.stopLoss {
		return true
	}

	elapsedMinutes := float64(view.Now-pos.EntryTime) / 60_000.0
	if elapsedMinutes >= rule.maxMinutes {
		if rule.profitOnlyTimeout && pnlFrac <= 0 {
			return false
		}
		return d.rng.Float64() < rule.timeoutExitProb
	}
	return false
}

func last(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[len(vals)-1]
}
