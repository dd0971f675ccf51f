package engine

import (
	"time"

	"github.com/openalpha/market-sim/metrics"
	"github.com/openalpha/market-sim/types"
)

const (
	// externalImpactScale converts notional/liquidity into a price
	// impact fraction before mode and category multipliers apply.
	externalImpactScale = 0.01

	// cascade order sizing
	cascadeMinOrders = 15
	cascadeMaxOrders = 40

	// tpsWindowMs is the sliding window for the actual-TPS reading.
	tpsWindowMs = 1000
)

// ExternalTradeRequest is an injected order from outside the synthetic
// population.
type ExternalTradeRequest struct {
	ID       string            `json:"id,omitempty"`
	TraderID string            `json:"traderId,omitempty"`
	Action   types.TradeAction `json:"action"`
	Price    float64           `json:"price,omitempty"`
	Quantity float64           `json:"quantity"`
}

// TPSMode returns the current throughput mode.
func (e *Engine) TPSMode() types.TPSMode {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.tpsMode
}

// SetTPSMode switches the throughput mode, retargeting currentTPS and the
// action/impact multipliers, and announces the change.
func (e *Engine) SetTPSMode(mode types.TPSMode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	s := e.state
	s.mu.Lock()
	prev := s.tpsMode
	s.tpsMode = mode
	s.external.CurrentTPS = mode.TargetTPS()
	s.mu.Unlock()

	e.hub.QueueUpdate(s.id, types.Event{
		Type:      types.EventTPSModeChanged,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"previousMode": prev,
			"mode":         mode,
			"targetTPS":    mode.TargetTPS(),
			"multiplier":   mode.Multiplier(),
		},
	})
	return nil
}

// ExternalMetrics returns a copy of the throughput counters with the
// derived readings filled in: actual TPS over the sliding window and the
// post-processing queue depth.
func (e *Engine) ExternalMetrics() types.ExternalMarketMetrics {
	s := e.state
	cut := time.Now().UnixMilli() - tpsWindowMs

	s.mu.RLock()
	m := s.external
	recent := 0
	for _, ts := range s.externalTimes {
		if ts >= cut {
			recent++
		}
	}
	s.mu.RUnlock()

	m.ActualTPS = float64(recent) * 1000 / tpsWindowMs
	m.QueueDepth = e.trades.Pending(s.id)
	return m
}

// InjectExternalTrade applies an outside order to the market. Impact is
// notional-proportional, scaled by the TPS mode and the price category,
// and clamped to the category's maximum. Counters are monotone.
func (e *Engine) InjectExternalTrade(req ExternalTradeRequest) (types.ExternalTradeResult, error) {
	if req.Quantity <= 0 || (req.Action != types.ActionBuy && req.Action != types.ActionSell) {
		e.state.mu.Lock()
		e.state.external.RejectedOrders++
		e.state.mu.Unlock()
		metrics.GetCollector().RejectedTrades.WithLabelValues(e.state.id).Inc()
		return types.ExternalTradeResult{}, ErrValidation
	}

	s := e.state
	s.mu.Lock()
	price := s.currentPrice
	if req.Price > 0 {
		price = req.Price
	}
	liquidity := s.params.InitialLiquidity
	mode := s.tpsMode
	category := e.priceCategoryLocked()
	now := s.currentTime
	if now == s.startTime {
		now = time.Now().UnixMilli()
	}
	s.mu.Unlock()

	notional := req.Quantity * price
	impact := notional / liquidity * externalImpactScale *
		mode.Multiplier() * categoryImpactMultiplier(category)
	if maxImpact := categoryImpactCap(category); impact > maxImpact {
		impact = maxImpact
	}
	if req.Action == types.ActionSell {
		impact = -impact
	}

	trader := types.Trader{WalletAddress: req.TraderID, PreferredName: "external"}
	if trader.WalletAddress == "" {
		trader.WalletAddress = "0xexternal"
	}
	trade := e.newTrade(trader, req.Action, price, req.Quantity, now, impact)
	if req.ID != "" {
		trade.ID = req.ID
	}

	var newPrice float64
	s.mu.Lock()
	newPrice = s.clampPrice(s.currentPrice * (1 + impact))
	s.currentPrice = newPrice
	s.external.ProcessedOrders++
	s.recordExternalLocked(time.Now().UnixMilli())
	s.appendTradeLocked(trade)
	s.mu.Unlock()

	metrics.GetCollector().ExternalTrades.WithLabelValues(s.id, string(mode)).Inc()
	e.publishTrade(trade)
	e.hub.QueueUpdate(s.id, types.Event{
		Type:      types.EventExternalPressure,
		Timestamp: now,
		Data: map[string]any{
			"impact":   impact,
			"newPrice": newPrice,
			"action":   req.Action,
		},
	})
	e.hub.QueueUpdate(s.id, types.Event{
		Type:      types.EventExternalMetrics,
		Timestamp: now,
		Data:      e.ExternalMetrics(),
	})

	return types.ExternalTradeResult{Trade: trade, NewPrice: newPrice, Impact: impact}, nil
}

// TriggerLiquidationCascade fires a burst of synthetic sell orders.
// Only legal in STRESS or HFT mode.
func (e *Engine) TriggerLiquidationCascade() (types.CascadeResult, error) {
	s := e.state
	s.mu.Lock()
	mode := s.tpsMode
	if mode != types.TPSModeStress && mode != types.TPSModeHFT {
		s.mu.Unlock()
		return types.CascadeResult{}, ErrInvalidMode
	}
	price := s.currentPrice
	liquidity := s.params.InitialLiquidity
	category := e.priceCategoryLocked()
	now := s.currentTime
	s.mu.Unlock()

	e.rngMu.Lock()
	orders := cascadeMinOrders + e.rng.Intn(cascadeMaxOrders-cascadeMinOrders+1)
	sizeFractions := make([]float64, orders)
	for i := range sizeFractions {
		sizeFractions[i] = 0.001 + e.rng.Float64()*0.004
	}
	e.rngMu.Unlock()

	totalImpact := 0.0
	maxImpact := categoryImpactCap(category)

	for i := 0; i < orders; i++ {
		qty := liquidity / price * sizeFractions[i]
		impact := qty * price / liquidity * externalImpactScale *
			mode.Multiplier() * categoryImpactMultiplier(category)
		if impact > maxImpact {
			impact = maxImpact
		}
		impact = -impact
		totalImpact += impact

		trade := e.newTrade(
			types.Trader{WalletAddress: "0xliquidator", PreferredName: "liquidation"},
			types.ActionSell, price, qty, now, impact)
		s.appendTrade(trade)
		e.publishTrade(trade)

		s.mu.Lock()
		price = s.clampPrice(price * (1 + impact))
		s.currentPrice = price
		s.external.ProcessedOrders++
		s.recordExternalLocked(time.Now().UnixMilli())
		s.mu.Unlock()
	}

	size := "small"
	switch {
	case orders >= 32:
		size = "large"
	case orders >= 22:
		size = "medium"
	}
	result := types.CascadeResult{
		OrdersGenerated: orders,
		EstimatedImpact: totalImpact,
		CascadeSize:     size,
	}
	metrics.GetCollector().CascadesTotal.WithLabelValues(s.id, size).Inc()

	e.hub.QueueUpdate(s.id, types.Event{
		Type:      types.EventLiquidationCascade,
		Timestamp: time.Now().UnixMilli(),
		Data:      result,
	})
	return result, nil
}

// priceCategoryLocked resolves the effective price category, falling back
// to classifying the live price when the configured range is random or
// absent. Caller holds the state lock.
func (e *Engine) priceCategoryLocked() types.PriceRange {
	pr := e.state.params.PriceRange
	if pr != "" && pr != types.PriceRangeRandom {
		return pr
	}
	return classifyPrice(e.state.currentPrice)
}

func classifyPrice(p float64) types.PriceRange {
	switch {
	case p < 0.01:
		return types.PriceRangeMicro
	case p < 1:
		return types.PriceRangeSmall
	case p < 10:
		return types.PriceRangeMid
	case p < 100:
		return types.PriceRangeLarge
	default:
		return types.PriceRangeMega
	}
}
