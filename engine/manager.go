package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/pool"
	"github.com/openalpha/market-sim/types"
)

const controlTimeout = 2 * time.Second

// Parameter bounds enforced at creation.
const (
	minDurationSeconds = 60
	maxDurationSeconds = 86_400
	minVolatility      = 0.1
	maxVolatility      = 10.0
	minCompression     = 1.0
	maxCompression     = 1000.0
)

// Manager is the multi-simulation registry and the service surface the
// API layer talks to. It also feeds validated candle history back into
// engine state, satisfying candle.HistoryWriter.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*Engine

	hub     Broadcaster
	samples Sampler
	trades  TradeSink

	tradePool    *pool.Pool[types.Trade]
	positionPool *pool.Pool[types.Position]

	log *logging.Logger
}

// NewManager wires a registry to the shared collaborators and pools.
func NewManager(hub Broadcaster, samples Sampler, trades TradeSink, tradePool *pool.Pool[types.Trade], positionPool *pool.Pool[types.Position]) *Manager {
	return &Manager{
		engines:      make(map[string]*Engine),
		hub:          hub,
		samples:      samples,
		trades:       trades,
		tradePool:    tradePool,
		positionPool: positionPool,
		log:          logging.NewComponentLogger("manager"),
	}
}

// validateParams rejects out-of-range creation parameters with a reason
// per violation.
func validateParams(p types.SimulationParameters) error {
	var reasons []string
	if p.Duration < minDurationSeconds || p.Duration > maxDurationSeconds {
		reasons = append(reasons, fmt.Sprintf("duration must be in [%d, %d] seconds", minDurationSeconds, maxDurationSeconds))
	}
	if p.VolatilityFactor < minVolatility || p.VolatilityFactor > maxVolatility {
		reasons = append(reasons, fmt.Sprintf("volatilityFactor must be in [%.1f, %.1f]", minVolatility, maxVolatility))
	}
	if p.TimeCompressionFactor != 0 && (p.TimeCompressionFactor < minCompression || p.TimeCompressionFactor > maxCompression) {
		reasons = append(reasons, fmt.Sprintf("timeCompressionFactor must be in [%.0f, %.0f]", minCompression, maxCompression))
	}
	if p.UseCustomPrice && p.CustomPrice <= 0 {
		reasons = append(reasons, "customPrice must be positive")
	}
	if len(reasons) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrValidation, reasons)
}

// Create validates parameters and registers a new simulation in the
// created state.
func (m *Manager) Create(params types.SimulationParameters) (*Engine, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	eng := New(Config{
		ID:           id,
		Params:       params,
		Hub:          m.hub,
		Samples:      m.samples,
		Trades:       m.trades,
		TradePool:    m.tradePool,
		PositionPool: m.positionPool,
	})

	m.mu.Lock()
	m.engines[id] = eng
	m.mu.Unlock()

	m.log.WithFields(map[string]any{
		"simulation": id,
		"price":      eng.state.params.InitialPrice,
		"traders":    len(eng.state.traders),
	}).Info("simulation created")
	return eng, nil
}

// Get returns the engine for id or ErrNotFound.
func (m *Manager) Get(id string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return eng, nil
}

// List summarises every registered simulation.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.engines))
	for _, eng := range m.engines {
		out = append(out, eng.state.Summarize())
	}
	return out
}

// Delete shuts a simulation down and removes every trace of it from the
// shared subsystems.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	eng, ok := m.engines[id]
	if ok {
		delete(m.engines, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	eng.Shutdown()
	m.trades.RemoveSimulation(id)
	eng.samples.EnsureCleanStart(id)

	eng.state.mu.Lock()
	for _, p := range eng.state.activePositions {
		m.positionPool.Release(p)
	}
	eng.state.activePositions = make(map[string]*types.Position)
	for _, t := range eng.state.recentTrades {
		m.tradePool.Release(t)
	}
	eng.state.recentTrades = nil
	eng.state.mu.Unlock()

	m.log.WithField("simulation", id).Info("simulation deleted")
	return nil
}

// Shutdown stops every simulation's tick task.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.RUnlock()
	for _, eng := range engines {
		eng.Shutdown()
	}
}

// SetPriceHistory implements candle.HistoryWriter: validated candles flow
// from the coordinator back into the owning simulation's state.
func (m *Manager) SetPriceHistory(simulationID string, candles []types.Candle) {
	eng, err := m.Get(simulationID)
	if err != nil {
		return
	}
	eng.state.setPriceHistory(candles)
}

// Start, Pause, Reset and SetSpeed wrap the engine control ops with the
// API-facing 2 s timeout.

func (m *Manager) Start(id string) error {
	return m.control(id, (*Engine).Start)
}

func (m *Manager) Pause(id string) error {
	return m.control(id, (*Engine).Pause)
}

func (m *Manager) Reset(id string) error {
	return m.control(id, (*Engine).Reset)
}

func (m *Manager) SetSpeed(id string, speed float64) error {
	eng, err := m.Get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return eng.SetSpeed(ctx, speed)
}

func (m *Manager) control(id string, op func(*Engine, context.Context) error) error {
	eng, err := m.Get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return op(eng, ctx)
}
