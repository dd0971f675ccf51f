package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/metrics"
	"github.com/openalpha/market-sim/types"
)

const (
	// flushThreshold flushes a simulation buffer once it holds this many
	// trades.
	flushThreshold = 50

	// flushAge flushes a buffer this long after its first entry.
	flushAge = 10 * time.Millisecond

	// chunkSize is the per-goroutine unit of work inside a flush.
	chunkSize = 10

	// maxAttempts before a trade lands in the dead-letter log.
	maxAttempts = 3

	// degradedActiveJobs is the back-pressure threshold.
	degradedActiveJobs = 1000

	// processed results retained per simulation
	maxResults = 1000
)

// ErrInvalidTrade is recorded for trades failing validation.
var ErrInvalidTrade = errors.New("invalid trade")

// DeadLetter records a trade that exhausted its retries.
type DeadLetter struct {
	TradeID      string `json:"tradeId"`
	SimulationID string `json:"simulationId"`
	Reason       string `json:"reason"`
	Timestamp    int64  `json:"timestamp"`
}

// Stats is a snapshot of queue throughput and health.
type Stats struct {
	Health          string `json:"health"`
	ActiveJobs      int64  `json:"activeJobs"`
	BufferedTrades  int    `json:"bufferedTrades"`
	ProcessedTotal  int64  `json:"processedTotal"`
	FailedTotal     int64  `json:"failedTotal"`
	DeadLetterTotal int64  `json:"deadLetterTotal"`
}

type simBuffer struct {
	trades  []*types.Trade
	firstAt time.Time
}

// TransactionQueue batches committed trades for asynchronous
// post-processing with per-simulation buffers and chunked parallelism.
type TransactionQueue struct {
	mu      sync.Mutex
	buffers map[string]*simBuffer
	results map[string][]types.TradeResult
	dead    []DeadLetter

	activeJobs     atomic.Int64
	processedTotal atomic.Int64
	failedTotal    atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logging.Logger
}

// New creates an idle queue; call Start to begin the background flusher.
func New() *TransactionQueue {
	return &TransactionQueue{
		buffers: make(map[string]*simBuffer),
		results: make(map[string][]types.TradeResult),
		log:     logging.NewComponentLogger("tx-queue"),
	}
}

// Start launches the age-based flusher.
func (q *TransactionQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(flushAge)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.flushAged()
			}
		}
	}()
}

// Shutdown stops the flusher and waits for in-flight chunks.
func (q *TransactionQueue) Shutdown() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// AddTrade buffers a copy of the trade for the simulation, flushing when
// the buffer reaches the size threshold.
func (q *TransactionQueue) AddTrade(trade *types.Trade, simulationID string) {
	q.add(trade, simulationID, false)
}

// AddPriorityTrade front-loads a trade so it is processed in the next
// flush ahead of the backlog.
func (q *TransactionQueue) AddPriorityTrade(trade *types.Trade, simulationID string) {
	q.add(trade, simulationID, true)
}

func (q *TransactionQueue) add(trade *types.Trade, simulationID string, priority bool) {
	if trade == nil {
		return
	}
	// Callers recycle trades through object pools; the queue owns a
	// private copy from here on.
	cp := *trade

	var flush []*types.Trade
	q.mu.Lock()
	buf := q.buffers[simulationID]
	if buf == nil {
		buf = &simBuffer{}
		q.buffers[simulationID] = buf
	}
	if len(buf.trades) == 0 {
		buf.firstAt = time.Now()
	}
	if priority {
		buf.trades = append([]*types.Trade{&cp}, buf.trades...)
	} else {
		buf.trades = append(buf.trades, &cp)
	}
	if len(buf.trades) >= flushThreshold {
		flush = buf.trades
		buf.trades = nil
	}
	q.mu.Unlock()

	if flush != nil {
		q.process(simulationID, flush)
	}
}

// Pending returns the number of trades buffered and not yet flushed for
// the simulation.
func (q *TransactionQueue) Pending(simulationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if buf := q.buffers[simulationID]; buf != nil {
		return len(buf.trades)
	}
	return 0
}

// FlushBatch synchronously drains the simulation's buffer.
func (q *TransactionQueue) FlushBatch(simulationID string) {
	q.mu.Lock()
	buf := q.buffers[simulationID]
	var flush []*types.Trade
	if buf != nil && len(buf.trades) > 0 {
		flush = buf.trades
		buf.trades = nil
	}
	q.mu.Unlock()

	if flush != nil {
		q.process(simulationID, flush)
	}
}

func (q *TransactionQueue) flushAged() {
	now := time.Now()
	var due []string
	q.mu.Lock()
	for id, buf := range q.buffers {
		if len(buf.trades) > 0 && now.Sub(buf.firstAt) >= flushAge {
			due = append(due, id)
		}
	}
	q.mu.Unlock()

	for _, id := range due {
		q.FlushBatch(id)
	}
}

// process splits a batch into chunks of 10 and runs them in parallel.
func (q *TransactionQueue) process(simulationID string, trades []*types.Trade) {
	var chunkWG sync.WaitGroup
	for start := 0; start < len(trades); start += chunkSize {
		end := start + chunkSize
		if end > len(trades) {
			end = len(trades)
		}
		chunk := trades[start:end]

		q.activeJobs.Add(1)
		metrics.GetCollector().QueueActiveJobs.Set(float64(q.activeJobs.Load()))
		q.wg.Add(1)
		chunkWG.Add(1)
		go func() {
			defer q.wg.Done()
			defer chunkWG.Done()
			defer func() {
				q.activeJobs.Add(-1)
				metrics.GetCollector().QueueActiveJobs.Set(float64(q.activeJobs.Load()))
			}()
			q.processChunk(simulationID, chunk)
		}()
	}
	chunkWG.Wait()
}

func (q *TransactionQueue) processChunk(simulationID string, chunk []*types.Trade) {
	for _, trade := range chunk {
		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			lastErr = validateTrade(trade)
			if lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			q.failedTotal.Add(1)
			q.recordDeadLetter(trade, simulationID, lastErr)
			continue
		}
		q.processedTotal.Add(1)
		metrics.GetCollector().QueueProcessedTotal.WithLabelValues(simulationID).Inc()
		q.recordResult(simulationID, types.TradeResult{
			TradeID:      trade.ID,
			Processed:    true,
			Timestamp:    time.Now().UnixMilli(),
			SimulationID: simulationID,
		})
	}
}

func validateTrade(t *types.Trade) error {
	if t.ID == "" || t.Trader.WalletAddress == "" {
		return ErrInvalidTrade
	}
	if t.Price <= 0 || t.Quantity <= 0 {
		return ErrInvalidTrade
	}
	return nil
}

func (q *TransactionQueue) recordResult(simulationID string, r types.TradeResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rs := append(q.results[simulationID], r)
	if len(rs) > maxResults {
		rs = rs[len(rs)-maxResults:]
	}
	q.results[simulationID] = rs
}

func (q *TransactionQueue) recordDeadLetter(t *types.Trade, simulationID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{
		TradeID:      t.ID,
		SimulationID: simulationID,
		Reason:       err.Error(),
		Timestamp:    time.Now().UnixMilli(),
	})
	metrics.GetCollector().QueueDeadLetters.Inc()
	q.log.WithFields(map[string]any{
		"trade":      t.ID,
		"simulation": simulationID,
	}).Warn("trade moved to dead-letter log")
}

// GetProcessedTrades returns up to limit most recent results for the
// simulation, newest last.
func (q *TransactionQueue) GetProcessedTrades(simulationID string, limit int) []types.TradeResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	rs := q.results[simulationID]
	if limit > 0 && limit < len(rs) {
		rs = rs[len(rs)-limit:]
	}
	out := make([]types.TradeResult, len(rs))
	copy(out, rs)
	return out
}

// DeadLetters returns a copy of the dead-letter log.
func (q *TransactionQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// RemoveSimulation drops all buffered trades and results for a simulation.
func (q *TransactionQueue) RemoveSimulation(simulationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.buffers, simulationID)
	delete(q.results, simulationID)
}

// GetQueueStats reports throughput counters and back-pressure health.
func (q *TransactionQueue) GetQueueStats() Stats {
	q.mu.Lock()
	buffered := 0
	for _, buf := range q.buffers {
		buffered += len(buf.trades)
	}
	dead := int64(len(q.dead))
	q.mu.Unlock()

	active := q.activeJobs.Load()
	health := "ok"
	if active >= degradedActiveJobs {
		health = "degraded"
	}
	return Stats{
		Health:          health,
		ActiveJobs:      active,
		BufferedTrades:  buffered,
		ProcessedTotal:  q.processedTotal.Load(),
		FailedTotal:     q.failedTotal.Load(),
		DeadLetterTotal: dead,
	}
}
