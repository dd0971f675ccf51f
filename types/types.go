package types

// Shared domain types for the market simulator. Everything here is plain
// data; behaviour lives in the owning packages (engine, candle, pool, queue).

// PriceRange buckets the initial price of a simulated asset.
type PriceRange string

const (
	PriceRangeMicro  PriceRange = "micro"
	PriceRangeSmall  PriceRange = "small"
	PriceRangeMid    PriceRange = "mid"
	PriceRangeLarge  PriceRange = "large"
	PriceRangeMega   PriceRange = "mega"
	PriceRangeRandom PriceRange = "random"
)

// ScenarioType is a temporary forcing function layered over price evolution.
type ScenarioType string

const (
	ScenarioNone          ScenarioType = ""
	ScenarioCrash         ScenarioType = "crash"
	ScenarioPump          ScenarioType = "pump"
	ScenarioBreakout      ScenarioType = "breakout"
	ScenarioTrend         ScenarioType = "trend"
	ScenarioConsolidation ScenarioType = "consolidation"
	ScenarioAccumulation  ScenarioType = "accumulation"
	ScenarioDistribution  ScenarioType = "distribution"
)

// TPSMode is the operating band that sets target throughput and impact
// multipliers.
type TPSMode string

const (
	TPSModeNormal TPSMode = "NORMAL"
	TPSModeBurst  TPSMode = "BURST"
	TPSModeStress TPSMode = "STRESS"
	TPSModeHFT    TPSMode = "HFT"
)

// TargetTPS returns the target transactions per second for the mode.
func (m TPSMode) TargetTPS() int {
	switch m {
	case TPSModeBurst:
		return 150
	case TPSModeStress:
		return 1500
	case TPSModeHFT:
		return 15000
	default:
		return 25
	}
}

// Multiplier returns the trader-action and external-impact multiplier for
// the mode.
func (m TPSMode) Multiplier() float64 {
	switch m {
	case TPSModeBurst:
		return 1.2
	case TPSModeStress:
		return 2.0
	case TPSModeHFT:
		return 1.8
	default:
		return 1.0
	}
}

// Valid reports whether m names a known TPS mode.
func (m TPSMode) Valid() bool {
	switch m {
	case TPSModeNormal, TPSModeBurst, TPSModeStress, TPSModeHFT:
		return true
	}
	return false
}

// TrendDirection of the simulated market.
type TrendDirection string

const (
	TrendBullish  TrendDirection = "bullish"
	TrendBearish  TrendDirection = "bearish"
	TrendSideways TrendDirection = "sideways"
)

// Strategy identifies the behaviour model of a synthetic trader.
type Strategy string

const (
	StrategyScalper    Strategy = "scalper"
	StrategySwing      Strategy = "swing"
	StrategyMomentum   Strategy = "momentum"
	StrategyContrarian Strategy = "contrarian"
)

// PositionSizing buckets how aggressively a trader sizes entries.
type PositionSizing string

const (
	SizingConservative PositionSizing = "conservative"
	SizingModerate     PositionSizing = "moderate"
	SizingAggressive   PositionSizing = "aggressive"
)

// TradeAction is the direction of a trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// SimulationParameters are fixed at creation except TimeCompressionFactor,
// which is mutable through the speed API.
type SimulationParameters struct {
	InitialPrice          float64      `json:"initialPrice"`
	InitialLiquidity      float64      `json:"initialLiquidity"`
	VolatilityFactor      float64      `json:"volatilityFactor"`
	Duration              int64        `json:"duration"` // seconds
	TimeCompressionFactor float64      `json:"timeCompressionFactor"`
	ScenarioType          ScenarioType `json:"scenarioType,omitempty"`
	ScenarioIntensity     float64      `json:"scenarioIntensity,omitempty"`
	PriceRange            PriceRange   `json:"priceRange,omitempty"`
	CustomPrice           float64      `json:"customPrice,omitempty"`
	UseCustomPrice        bool         `json:"useCustomPrice,omitempty"`
	TraderCount           int          `json:"traderCount,omitempty"`
}

// MarketConditions carry the adaptive volatility/trend/volume state.
type MarketConditions struct {
	Volatility float64        `json:"volatility"`
	Trend      TrendDirection `json:"trend"`
	Volume     float64        `json:"volume"`
}

// Candle is an OHLCV summary of price activity over a fixed interval.
// Timestamp is aligned to the candle interval, in ms since epoch.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Valid reports whether the candle satisfies OHLC integrity: all prices
// positive, low <= min(open,close) <= max(open,close) <= high, volume >= 0.
func (c Candle) Valid() bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return false
	}
	if c.Volume < 0 {
		return false
	}
	lo, hi := c.Open, c.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return c.Low <= lo && hi <= c.High
}

// PriceLevel is a single rung of the order book ladder.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot is the 20-level bid/ask ladder around the mid price.
type OrderBookSnapshot struct {
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	LastUpdateTime int64        `json:"lastUpdateTime"`
}

// Trader is the public identity of a synthetic market participant.
type Trader struct {
	WalletAddress string  `json:"walletAddress"`
	PreferredName string  `json:"preferredName"`
	NetPnl        float64 `json:"netPnl"`
}

// TraderProfile couples a trader identity to its behaviour model.
type TraderProfile struct {
	Trader           Trader         `json:"trader"`
	Strategy         Strategy       `json:"strategy"`
	TradingFrequency float64        `json:"tradingFrequency"` // (0,1]
	PositionSizing   PositionSizing `json:"positionSizing"`
	StopLoss         float64        `json:"stopLoss"`
	TakeProfit       float64        `json:"takeProfit"`
	RiskProfile      string         `json:"riskProfile"`
}

// Trade is a committed trade record. Instances are pooled; callers must
// release them back to the owning pool when evicted from state.
type Trade struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Trader    Trader      `json:"trader"`
	Action    TradeAction `json:"action"`
	Price     float64     `json:"price"`
	Quantity  float64     `json:"quantity"`
	Value     float64     `json:"value"`
	Impact    float64     `json:"impact"`
}

// Position is an open exposure. Quantity is signed: positive long,
// negative short. Instances are pooled.
type Position struct {
	Trader               Trader  `json:"trader"`
	EntryPrice           float64 `json:"entryPrice"`
	Quantity             float64 `json:"quantity"`
	EntryTime            int64   `json:"entryTime"`
	ExitPrice            float64 `json:"exitPrice,omitempty"`
	ExitTime             int64   `json:"exitTime,omitempty"`
	CurrentPnl           float64 `json:"currentPnl"`
	CurrentPnlPercentage float64 `json:"currentPnlPercentage"`
}

// ExternalMarketMetrics are monotone counters describing throughput of the
// external-trade path.
type ExternalMarketMetrics struct {
	CurrentTPS      int     `json:"currentTPS"`
	ActualTPS       float64 `json:"actualTPS"`
	QueueDepth      int     `json:"queueDepth"`
	ProcessedOrders int64   `json:"processedOrders"`
	RejectedOrders  int64   `json:"rejectedOrders"`
}

// TradeResult is the outcome of post-processing a trade through the
// transaction queue.
type TradeResult struct {
	TradeID      string `json:"tradeId"`
	Processed    bool   `json:"processed"`
	Timestamp    int64  `json:"timestamp"`
	SimulationID string `json:"simulationId"`
}

// Event is a single server-to-client message payload. Data must be
// JSON-serialisable; the broadcast layer sanitises anything that is not.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Event types delivered on the immediate path. Everything else batches.
const (
	EventWelcome             = "welcome"
	EventConnection          = "connection"
	EventPong                = "pong"
	EventSubscribeResponse   = "subscribe_response"
	EventUnsubscribeResponse = "unsubscribe_response"
	EventPriceUpdate         = "price_update"
	EventTrade               = "trade"
	EventProcessedTrade      = "processed_trade"
	EventCandleUpdate        = "candle_update"
	EventBatchUpdate         = "batch_update"
	EventOrderBook           = "order_book"
	EventPositionOpen        = "position_open"
	EventPositionClose       = "position_close"
	EventSimulationStatus    = "simulation_status"
	EventSimulationReset     = "simulation_reset"
	EventSimulationState     = "simulation_state"
	EventTPSModeChanged      = "tps_mode_changed"
	EventLiquidationCascade  = "liquidation_cascade_triggered"
	EventExternalPressure    = "external_market_pressure"
	EventExternalMetrics     = "external_market_metrics"
	EventError               = "error"
)

// CascadeResult is returned by the liquidation cascade stress tool.
type CascadeResult struct {
	OrdersGenerated int     `json:"ordersGenerated"`
	EstimatedImpact float64 `json:"estimatedImpact"`
	CascadeSize     string  `json:"cascadeSize"`
}

// ExternalTradeResult is returned when an external trade is injected.
type ExternalTradeResult struct {
	Trade    *Trade  `json:"trade"`
	NewPrice float64 `json:"newPrice"`
	Impact   float64 `json:"impact"`
}
