package engine

import (
	"sync"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/types"
)

const (
	// maxRecentTrades bounds the per-simulation trade log.
	maxRecentTrades = 1000

	// price clamps relative to the initial price
	priceClampLow  = 0.01
	priceClampHigh = 100.0

	// absolute price bounds
	absPriceFloor = 1e-6
	absPriceCeil  = 1e6
)

// SimulationState is the authoritative in-memory record for one
// simulation. It is mutated only from its owning engine's tick context;
// everything else reads copies through Snapshot.
type SimulationState struct {
	mu sync.RWMutex

	id          string
	startTime   int64
	currentTime int64
	endTime     int64

	isRunning bool
	isPaused  bool

	params       types.SimulationParameters
	currentPrice float64
	market       types.MarketConditions

	priceHistory []types.Candle
	orderBook    types.OrderBookSnapshot

	traders   []types.TraderProfile
	traderIdx map[string]int

	activePositions map[string]*types.Position
	closedPositions []types.Position
	recentTrades    []*types.Trade
	ranks           *rankings

	tpsMode  types.TPSMode
	external types.ExternalMarketMetrics

	// externalTimes holds wall-clock ms stamps of recently processed
	// external orders, trimmed to the actual-TPS window.
	externalTimes []int64

	// releaseTrade returns evicted trade records to the owning pool.
	releaseTrade    func(*types.Trade)
	releasePosition func(*types.Position)

	log *logging.Logger
}

// StateSnapshot is a deep copy of the state, safe to serialise.
type StateSnapshot struct {
	ID                    string                      `json:"id"`
	StartTime             int64                       `json:"startTime"`
	CurrentTime           int64                       `json:"currentTime"`
	EndTime               int64                       `json:"endTime"`
	IsRunning             bool                        `json:"isRunning"`
	IsPaused              bool                        `json:"isPaused"`
	Parameters            types.SimulationParameters  `json:"parameters"`
	CurrentPrice          float64                     `json:"currentPrice"`
	MarketConditions      types.MarketConditions      `json:"marketConditions"`
	PriceHistory          []types.Candle              `json:"priceHistory"`
	OrderBook             types.OrderBookSnapshot     `json:"orderBook"`
	Traders               []types.TraderProfile       `json:"traders"`
	ActivePositions       []types.Position            `json:"activePositions"`
	ClosedPositions       []types.Position            `json:"closedPositions"`
	RecentTrades          []types.Trade               `json:"recentTrades"`
	TraderRankings        []types.Trader              `json:"traderRankings"`
	CurrentTPSMode        types.TPSMode               `json:"currentTPSMode"`
	ExternalMarketMetrics types.ExternalMarketMetrics `json:"externalMarketMetrics"`
}

// Summary is the compact listing form.
type Summary struct {
	ID           string        `json:"id"`
	IsRunning    bool          `json:"isRunning"`
	IsPaused     bool          `json:"isPaused"`
	CurrentPrice float64       `json:"currentPrice"`
	CurrentTime  int64         `json:"currentTime"`
	EndTime      int64         `json:"endTime"`
	TPSMode      types.TPSMode `json:"currentTPSMode"`
	TraderCount  int           `json:"traderCount"`
}

func newState(id string, params types.SimulationParameters, startTime int64) *SimulationState {
	return &SimulationState{
		id:           id,
		startTime:    startTime,
		currentTime:  startTime,
		endTime:      startTime + params.Duration*1000,
		params:       params,
		currentPrice: params.InitialPrice,
		market: types.MarketConditions{
			Volatility: 0.02 * params.VolatilityFactor,
			Trend:      types.TrendSideways,
			Volume:     0,
		},
		traderIdx:       make(map[string]int),
		activePositions: make(map[string]*types.Position),
		ranks:           newRankings(),
		tpsMode:         types.TPSModeNormal,
		external:        types.ExternalMarketMetrics{CurrentTPS: types.TPSModeNormal.TargetTPS()},
		releaseTrade:    func(*types.Trade) {},
		releasePosition: func(*types.Position) {},
		log:             logging.NewComponentLogger("state").WithField("simulation", id),
	}
}

// ID returns the immutable simulation id.
func (s *SimulationState) ID() string { return s.id }

// setFlags applies a lifecycle transition and read-back-verifies the
// (isRunning, isPaused) invariant, force-correcting on violation.
func (s *SimulationState) setFlags(running, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isRunning = running
	s.isPaused = paused
	if s.isRunning && s.isPaused {
		s.log.Error("lifecycle flags both true, force-correcting to paused")
		s.isRunning = false
	}
}

// Flags returns the lifecycle flag pair.
func (s *SimulationState) Flags() (running, paused bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning, s.isPaused
}

// clampPrice bounds a candidate price to the absolute range and to
// [initial*0.01, initial*100].
func (s *SimulationState) clampPrice(p float64) float64 {
	low := s.params.InitialPrice * priceClampLow
	high := s.params.InitialPrice * priceClampHigh
	if low < absPriceFloor {
		low = absPriceFloor
	}
	if high > absPriceCeil {
		high = absPriceCeil
	}
	if p < low {
		return low
	}
	if p > high {
		return high
	}
	return p
}

// appendTrade prepends to the bounded recent-trade log, releasing evicted
// records back to the pool.
func (s *SimulationState) appendTrade(t *types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendTradeLocked(t)
}

// recordExternalLocked timestamps one processed external order for the
// sliding actual-TPS window. Caller holds the state lock.
func (s *SimulationState) recordExternalLocked(wallMs int64) {
	cut := wallMs - tpsWindowMs
	i := 0
	for i < len(s.externalTimes) && s.externalTimes[i] < cut {
		i++
	}
	s.externalTimes = append(s.externalTimes[i:], wallMs)
}

func (s *SimulationState) appendTradeLocked(t *types.Trade) {
	s.recentTrades = append(s.recentTrades, nil)
	copy(s.recentTrades[1:], s.recentTrades)
	s.recentTrades[0] = t
	if len(s.recentTrades) > maxRecentTrades {
		evicted := s.recentTrades[len(s.recentTrades)-1]
		s.recentTrades = s.recentTrades[:len(s.recentTrades)-1]
		s.releaseTrade(evicted)
	}
}

// openPosition records an open position for a trader. A trader holds at
// most one position at a time; a second open is rejected.
func (s *SimulationState) openPosition(p *types.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet := p.Trader.WalletAddress
	if _, exists := s.activePositions[wallet]; exists {
		return false
	}
	s.activePositions[wallet] = p
	return true
}

// closePosition realises a position at exitPrice, appends it to the
// closed log, updates the trader's net PnL and reranks. Returns the
// realised PnL.
func (s *SimulationState) closePosition(wallet string, exitPrice float64, exitTime int64) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.activePositions[wallet]
	if !ok {
		return types.Position{}, false
	}
	delete(s.activePositions, wallet)

	pnl := (exitPrice - p.EntryPrice) * p.Quantity
	closed := *p
	closed.ExitPrice = exitPrice
	closed.ExitTime = exitTime
	closed.CurrentPnl = pnl
	if p.EntryPrice > 0 && p.Quantity != 0 {
		closed.CurrentPnlPercentage = pnl / (p.EntryPrice * abs(p.Quantity)) * 100
	}
	s.closedPositions = append(s.closedPositions, closed)
	s.releasePosition(p)

	if idx, ok := s.traderIdx[wallet]; ok {
		s.traders[idx].Trader.NetPnl += pnl
		s.ranks.upsert(s.traders[idx].Trader)
	}
	return closed, true
}

// updatePositionPnL marks all open positions to the given price.
func (s *SimulationState) updatePositionPnL(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.activePositions {
		p.CurrentPnl = (price - p.EntryPrice) * p.Quantity
		if p.EntryPrice > 0 && p.Quantity != 0 {
			p.CurrentPnlPercentage = p.CurrentPnl / (p.EntryPrice * abs(p.Quantity)) * 100
		}
	}
}

// setPriceHistory replaces the candle history (coordinator callback).
func (s *SimulationState) setPriceHistory(candles []types.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceHistory = candles
}

// Snapshot deep-copies the state for serialisation. The broadcast layer
// must not retain references into live state.
func (s *SimulationState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StateSnapshot{
		ID:                    s.id,
		StartTime:             s.startTime,
		CurrentTime:           s.currentTime,
		EndTime:               s.endTime,
		IsRunning:             s.isRunning,
		IsPaused:              s.isPaused,
		Parameters:            s.params,
		CurrentPrice:          s.currentPrice,
		MarketConditions:      s.market,
		CurrentTPSMode:        s.tpsMode,
		ExternalMarketMetrics: s.external,
	}
	snap.PriceHistory = append([]types.Candle(nil), s.priceHistory...)
	snap.OrderBook = types.OrderBookSnapshot{
		Bids:           append([]types.PriceLevel(nil), s.orderBook.Bids...),
		Asks:           append([]types.PriceLevel(nil), s.orderBook.Asks...),
		LastUpdateTime: s.orderBook.LastUpdateTime,
	}
	snap.Traders = append([]types.TraderProfile(nil), s.traders...)
	snap.ActivePositions = make([]types.Position, 0, len(s.activePositions))
	for _, p := range s.activePositions {
		snap.ActivePositions = append(snap.ActivePositions, *p)
	}
	snap.ClosedPositions = append([]types.Position(nil), s.closedPositions...)
	snap.RecentTrades = make([]types.Trade, 0, len(s.recentTrades))
	for _, t := range s.recentTrades {
		snap.RecentTrades = append(snap.RecentTrades, *t)
	}
	snap.TraderRankings = s.ranks.ordered()
	return snap
}

// Summarize returns the listing form.
func (s *SimulationState) Summarize() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		ID:           s.id,
		IsRunning:    s.isRunning,
		IsPaused:     s.isPaused,
		CurrentPrice: s.currentPrice,
		CurrentTime:  s.currentTime,
		EndTime:      s.endTime,
		TPSMode:      s.tpsMode,
		TraderCount:  len(s.traders),
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
