package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openalpha/market-sim/candle"
	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/metrics"
	"github.com/openalpha/market-sim/pool"
	"github.com/openalpha/market-sim/types"
)

const (
	// virtualStepMs is one virtual minute, the base time advance per tick
	// at 1x speed.
	virtualStepMs = 60_000

	// startSettleDelay lets the candle coordinator finish wiping state
	// before the first tick fires.
	startSettleDelay = 500 * time.Millisecond

	// decisionWorkers is the worker cap for the parallel trader path.
	decisionWorkers = 8

	// bootstrapTraders forced into the market when the trade log is empty.
	bootstrapTraders = 3

	// volumeDecay smooths the rolling market volume.
	volumeDecay = 0.95
)

// Broadcaster fans events out to subscribed clients. Immediate versus
// batched routing is the hub's concern; the engine just publishes.
type Broadcaster interface {
	QueueUpdate(simulationID string, ev types.Event)
}

// Sampler absorbs per-tick price observations for candle aggregation.
// Implemented by candle.Coordinator.
type Sampler interface {
	QueueUpdate(simulationID string, s candle.Sample) error
	EnsureCleanStart(simulationID string)
}

// TradeSink receives committed trades for asynchronous post-processing.
// Implemented by queue.TransactionQueue.
type TradeSink interface {
	AddTrade(trade *types.Trade, simulationID string)
	Pending(simulationID string) int
	RemoveSimulation(simulationID string)
}

// Config wires one engine instance to its collaborators.
type Config struct {
	ID           string
	Params       types.SimulationParameters
	Hub          Broadcaster
	Samples      Sampler
	Trades       TradeSink
	TradePool    *pool.Pool[types.Trade]
	PositionPool *pool.Pool[types.Position]
	Seed         int64
}

// Engine owns one simulation: its state, its tick task and its lifecycle.
// Ticks are strictly serial; control operations serialise through a
// single-slot semaphore so API handlers can time out instead of piling up.
type Engine struct {
	state *SimulationState

	evolver  *PriceEvolver
	workers  []*DecisionEngine
	book     *OrderBookBuilder
	scenario *Scenario
	// rng backs control-path randomness (reset, cascades). Those paths
	// run concurrently, so every draw holds rngMu.
	rngMu sync.Mutex
	rng   *rand.Rand

	hub     Broadcaster
	samples Sampler
	trades  TradeSink

	tradePool    *pool.Pool[types.Trade]
	positionPool *pool.Pool[types.Position]

	ctl        chan struct{}
	cancelTick context.CancelFunc
	tickDone   chan struct{}
	started    bool

	log *logging.Logger
}

// New builds an engine in the created state. The trader population and
// initial price are resolved here; the first tick does not run until
// Start.
func New(cfg Config) *Engine {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	params := cfg.Params
	params.InitialPrice = resolveInitialPrice(params, rng)
	if params.InitialLiquidity <= 0 {
		params.InitialLiquidity = 1_000_000
	}
	if params.TimeCompressionFactor <= 0 {
		params.TimeCompressionFactor = 1
	}

	st := newState(cfg.ID, params, time.Now().UnixMilli())
	st.currentPrice = params.InitialPrice
	st.traders = generateTraders(params.TraderCount, rng)
	for i := range st.traders {
		st.traderIdx[st.traders[i].Trader.WalletAddress] = i
		st.ranks.upsert(st.traders[i].Trader)
	}
	st.releaseTrade = cfg.TradePool.Release
	st.releasePosition = cfg.PositionPool.Release

	workers := make([]*DecisionEngine, decisionWorkers)
	for i := range workers {
		workers[i] = NewDecisionEngine(seed + int64(i) + 1)
	}

	metrics.GetCollector().TraderCount.WithLabelValues(cfg.ID).Set(float64(len(st.traders)))

	return &Engine{
		state:        st,
		evolver:      NewPriceEvolver(seed),
		workers:      workers,
		book:         NewOrderBookBuilder(),
		scenario:     NewScenario(params.ScenarioType, params.ScenarioIntensity, params.VolatilityFactor, rng),
		rng:          rng,
		hub:          cfg.Hub,
		samples:      cfg.Samples,
		trades:       cfg.Trades,
		tradePool:    cfg.TradePool,
		positionPool: cfg.PositionPool,
		ctl:          make(chan struct{}, 1),
		log:          logging.NewComponentLogger("engine").WithField("simulation", cfg.ID),
	}
}

// ID returns the simulation id.
func (e *Engine) ID() string { return e.state.id }

// State exposes the state for snapshotting.
func (e *Engine) State() *SimulationState { return e.state }

// withControl serialises control operations, failing with ErrTimeout when
// the slot cannot be taken before ctx expires.
func (e *Engine) withControl(ctx context.Context, fn func() error) error {
	select {
	case e.ctl <- struct{}{}:
		defer func() { <-e.ctl }()
		return fn()
	case <-ctx.Done():
		return ErrTimeout
	}
}

// Start launches the tick task. Legal from initialized or paused; the
// first start wipes any stale candle state and settles before the flags
// flip.
func (e *Engine) Start(ctx context.Context) error {
	return e.withControl(ctx, func() error {
		running, paused := e.state.Flags()
		if running {
			return ErrInvalidState
		}
		if !paused && !e.started {
			e.samples.EnsureCleanStart(e.state.id)
			time.Sleep(startSettleDelay)
		}
		e.started = true
		e.state.setFlags(true, false)
		e.launchTick()
		e.publishStatus("running")
		return nil
	})
}

// Pause halts the tick task. Legal only while running.
func (e *Engine) Pause(ctx context.Context) error {
	return e.withControl(ctx, func() error {
		running, _ := e.state.Flags()
		if !running {
			return ErrInvalidState
		}
		e.stopTick()
		e.state.setFlags(false, true)
		e.publishStatus("paused")
		return nil
	})
}

// Reset cancels any active tick and reinitialises the simulation to a
// fresh initialized state with a new dynamic price. Legal in any state;
// resetting twice is the same as resetting once.
func (e *Engine) Reset(ctx context.Context) error {
	return e.withControl(ctx, func() error {
		e.stopTick()
		e.samples.EnsureCleanStart(e.state.id)
		e.trades.RemoveSimulation(e.state.id)

		s := e.state
		s.mu.Lock()
		for _, p := range s.activePositions {
			e.positionPool.Release(p)
		}
		s.activePositions = make(map[string]*types.Position)
		for _, t := range s.recentTrades {
			e.tradePool.Release(t)
		}
		s.recentTrades = nil
		s.closedPositions = nil
		s.priceHistory = nil
		s.orderBook = types.OrderBookSnapshot{}
		s.ranks.reset()
		for i := range s.traders {
			s.traders[i].Trader.NetPnl = 0
			s.ranks.upsert(s.traders[i].Trader)
		}
		e.rngMu.Lock()
		s.params.InitialPrice = resolveInitialPrice(s.params, e.rng)
		e.rngMu.Unlock()
		s.currentPrice = s.params.InitialPrice
		s.market = types.MarketConditions{
			Volatility: 0.02 * s.params.VolatilityFactor,
			Trend:      types.TrendSideways,
		}
		s.startTime = time.Now().UnixMilli()
		s.currentTime = s.startTime
		s.endTime = s.startTime + s.params.Duration*1000
		s.tpsMode = types.TPSModeNormal
		s.external = types.ExternalMarketMetrics{CurrentTPS: types.TPSModeNormal.TargetTPS()}
		s.externalTimes = nil
		s.mu.Unlock()

		e.started = false
		e.state.setFlags(false, false)
		e.hub.QueueUpdate(s.id, types.Event{
			Type:      types.EventSimulationReset,
			Timestamp: time.Now().UnixMilli(),
			Data: map[string]any{
				"currentPrice": s.params.InitialPrice,
				"isRunning":    false,
				"isPaused":     false,
			},
		})
		return nil
	})
}

// SetSpeed updates the time compression factor. The running tick loop
// picks the new interval up on its next iteration; the last write wins.
func (e *Engine) SetSpeed(ctx context.Context, speed float64) error {
	if speed < 1 || speed > 1000 {
		return ErrValidation
	}
	return e.withControl(ctx, func() error {
		s := e.state
		s.mu.Lock()
		s.params.TimeCompressionFactor = speed
		s.mu.Unlock()
		return nil
	})
}

// Shutdown stops the tick task without emitting lifecycle events.
func (e *Engine) Shutdown() {
	select {
	case e.ctl <- struct{}{}:
		defer func() { <-e.ctl }()
	default:
	}
	e.stopTick()
	e.state.setFlags(false, true)
}

func (e *Engine) launchTick() {
	tctx, cancel := context.WithCancel(context.Background())
	e.cancelTick = cancel
	e.tickDone = make(chan struct{})
	go e.run(tctx, e.tickDone)
}

func (e *Engine) stopTick() {
	if e.cancelTick == nil {
		return
	}
	e.cancelTick()
	<-e.tickDone
	e.cancelTick = nil
	e.tickDone = nil
}

// schedule maps speed to the real-time tick interval and the virtual
// batch size for the high-speed path.
func schedule(speed float64) (time.Duration, int) {
	switch {
	case speed <= 10:
		return time.Duration(float64(time.Second) / speed), 1
	case speed <= 50:
		return 50 * time.Millisecond, 1
	default:
		return 10 * time.Millisecond, int(math.Ceil(speed / 50))
	}
}

func (e *Engine) speed() float64 {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.params.TimeCompressionFactor
}

// run is the per-simulation tick task. A panic pauses this simulation and
// is logged; it never takes the process down.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("tick task panicked, pausing simulation")
			e.state.setFlags(false, true)
		}
	}()

	for {
		interval, _ := schedule(e.speed())
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if e.tick() {
			e.state.setFlags(false, true)
			e.publishStatus("completed")
			return
		}
	}
}

// tick runs one full iteration: evolve price, sample for candles, run
// trader decisions, rebuild the book, mark positions and publish. Returns
// true when virtual time has reached the end of the run.
func (e *Engine) tick() (ended bool) {
	tickStart := time.Now()
	s := e.state

	s.mu.Lock()
	speed := s.params.TimeCompressionFactor
	interval, batch := schedule(speed)
	dt := int64(virtualStepMs * speed)
	s.currentTime += dt
	now := s.currentTime
	end := s.endTime
	price := s.currentPrice
	cond := s.market
	closes := candleCloses(s.priceHistory)
	liquidity := s.params.InitialLiquidity
	tpsMult := s.tpsMode.Multiplier()
	s.mu.Unlock()

	batched := speed > 50
	steps := 1
	if batched {
		steps = batch
	}
	for i := 0; i < steps; i++ {
		res := e.evolver.Step(EvolveInput{
			Price:      price,
			Conditions: cond,
			Scenario:   e.scenario,
			Speed:      speed,
			Batched:    batched,
			Closes:     closes,
		})
		price = s.clampPrice(res.NewPrice)
		cond = res.Conditions
	}

	mult := baseActionMultiplier
	if batched {
		mult = ActionMultiplier(batch)
	}
	view := MarketView{
		Price:            price,
		Conditions:       cond,
		Closes:           closes,
		Now:              now,
		ActionMultiplier: mult * tpsMult,
	}

	s.mu.RLock()
	profiles := s.traders
	positions := make(map[string]*types.Position, len(s.activePositions))
	for w, p := range s.activePositions {
		positions[w] = p
	}
	s.mu.RUnlock()

	var decisions []Decision
	if speed > 10 {
		decisions = e.parallelDecisions(view, profiles, positions, interval)
	} else {
		decisions = e.workers[0].Tick(view, profiles, positions)
	}

	volume := 0.0
	for _, d := range decisions {
		volume += e.apply(d, price, now)
	}

	// Cold-start fairness: a silent market gets three forced entries.
	s.mu.RLock()
	silent := len(s.recentTrades) == 0
	s.mu.RUnlock()
	if silent {
		for _, d := range e.workers[0].ForceDecisions(view, profiles, positions, bootstrapTraders) {
			volume += e.apply(d, price, now)
		}
	}

	cond.Volume = cond.Volume*volumeDecay + volume

	if err := e.samples.QueueUpdate(s.id, candle.Sample{Timestamp: now, Price: price, Volume: volume}); err != nil {
		e.log.WithError(err).Warn("candle sample rejected")
	}

	book := e.book.Rebuild(price, liquidity, cond.Volatility)

	s.mu.Lock()
	s.currentPrice = price
	s.market = cond
	s.orderBook = book
	s.mu.Unlock()

	s.updatePositionPnL(price)

	e.hub.QueueUpdate(s.id, types.Event{
		Type:      types.EventPriceUpdate,
		Timestamp: now,
		Data: map[string]any{
			"price":      price,
			"timestamp":  now,
			"volume":     volume,
			"volatility": cond.Volatility,
			"trend":      cond.Trend,
		},
	})
	e.hub.QueueUpdate(s.id, types.Event{
		Type:      types.EventOrderBook,
		Timestamp: now,
		Data:      book,
	})

	s.mu.RLock()
	open := len(s.activePositions)
	s.mu.RUnlock()

	mc := metrics.GetCollector()
	mc.TicksTotal.WithLabelValues(s.id).Inc()
	mc.TickDuration.WithLabelValues(s.id).Observe(float64(time.Since(tickStart).Microseconds()) / 1000)
	mc.CurrentPrice.WithLabelValues(s.id).Set(price)
	mc.MarketVolatility.WithLabelValues(s.id).Set(cond.Volatility)
	mc.ActivePositions.WithLabelValues(s.id).Set(float64(open))

	return now >= end
}

// parallelDecisions scatters the population across the worker pool and
// gathers decisions in worker order, keeping the result deterministic for
// a given seed. The gather is bounded by the tick interval; stragglers
// are dropped from the round rather than stalling the loop.
func (e *Engine) parallelDecisions(view MarketView, profiles []types.TraderProfile, positions map[string]*types.Position, timeout time.Duration) []Decision {
	n := len(e.workers)
	chunk := (len(profiles) + n - 1) / n
	if chunk == 0 {
		return nil
	}

	type chunkResult struct {
		idx       int
		decisions []Decision
	}
	ch := make(chan chunkResult, n)

	expected := 0
	for w := 0; w < n; w++ {
		lo := w * chunk
		if lo >= len(profiles) {
			break
		}
		hi := lo + chunk
		if hi > len(profiles) {
			hi = len(profiles)
		}
		expected++
		go func(w, lo, hi int) {
			ch <- chunkResult{w, e.workers[w].Tick(view, profiles[lo:hi], positions)}
		}(w, lo, hi)
	}

	results := make([][]Decision, n)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
gather:
	for received := 0; received < expected; received++ {
		select {
		case r := <-ch:
			results[r.idx] = r.decisions
		case <-timer.C:
			e.log.WithField("missing", expected-received).Warn("decision round timed out")
			break gather
		}
	}

	var out []Decision
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// apply commits one decision to state and publishes its events. The trade
// event goes out only after the position is in state, so observers never
// see a trade without its position. Returns the traded notional.
func (e *Engine) apply(d Decision, price float64, now int64) float64 {
	s := e.state
	switch d.Action {
	case DecisionEnter:
		if d.Quantity == 0 {
			return 0
		}
		idx, ok := func() (int, bool) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			i, ok := s.traderIdx[d.WalletAddress]
			return i, ok
		}()
		if !ok {
			return 0
		}
		trader := s.traders[idx].Trader

		pos := e.positionPool.Acquire()
		pos.Trader = trader
		pos.EntryPrice = price
		pos.Quantity = d.Quantity
		pos.EntryTime = now
		if !s.openPosition(pos) {
			e.positionPool.Release(pos)
			return 0
		}

		action := types.ActionBuy
		if d.Quantity < 0 {
			action = types.ActionSell
		}
		trade := e.newTrade(trader, action, price, abs(d.Quantity), now, 0)
		s.appendTrade(trade)
		e.publishTrade(trade)
		e.hub.QueueUpdate(s.id, types.Event{
			Type:      types.EventPositionOpen,
			Timestamp: now,
			Data:      *pos,
		})
		return trade.Value

	case DecisionExit:
		closed, ok := s.closePosition(d.WalletAddress, price, now)
		if !ok {
			return 0
		}
		action := types.ActionSell
		if closed.Quantity < 0 {
			action = types.ActionBuy
		}
		trade := e.newTrade(closed.Trader, action, price, abs(closed.Quantity), now, 0)
		s.appendTrade(trade)
		e.publishTrade(trade)
		e.hub.QueueUpdate(s.id, types.Event{
			Type:      types.EventPositionClose,
			Timestamp: now,
			Data:      closed,
		})
		return trade.Value
	}
	return 0
}

func (e *Engine) newTrade(trader types.Trader, action types.TradeAction, price, quantity float64, now int64, impact float64) *types.Trade {
	t := e.tradePool.Acquire()
	t.ID = uuid.NewString()
	t.Timestamp = now
	t.Trader = trader
	t.Action = action
	t.Price = price
	t.Quantity = quantity
	t.Value = price * quantity
	t.Impact = impact
	return t
}

func (e *Engine) publishTrade(t *types.Trade) {
	mc := metrics.GetCollector()
	mc.TradesTotal.WithLabelValues(e.state.id, string(t.Action)).Inc()
	mc.TradeNotional.WithLabelValues(e.state.id).Add(t.Value)
	e.hub.QueueUpdate(e.state.id, types.Event{
		Type:      types.EventTrade,
		Timestamp: t.Timestamp,
		Data:      *t,
	})
	e.trades.AddTrade(t, e.state.id)
}

func (e *Engine) publishStatus(status string) {
	running, paused := e.state.Flags()
	e.hub.QueueUpdate(e.state.id, types.Event{
		Type:      types.EventSimulationStatus,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"status":    status,
			"isRunning": running,
			"isPaused":  paused,
		},
	})
}

func candleCloses(candles []types.Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].Close
	}
	return out
}
