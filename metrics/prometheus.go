package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds every simulator metric. Process-wide singleton; grab it
// through GetCollector.
type Collector struct {
	// Tick loop
	TicksTotal   *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec

	// Market state
	CurrentPrice     *prometheus.GaugeVec
	MarketVolatility *prometheus.GaugeVec
	ActivePositions  *prometheus.GaugeVec
	TraderCount      *prometheus.GaugeVec

	// Trades
	TradesTotal    *prometheus.CounterVec
	TradeNotional  *prometheus.CounterVec
	ExternalTrades *prometheus.CounterVec
	CascadesTotal  *prometheus.CounterVec
	RejectedTrades *prometheus.CounterVec

	// Candles
	CandlesEmitted  *prometheus.CounterVec
	SamplesRejected *prometheus.CounterVec

	// Broadcast hub
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
	WSBatchSize         *prometheus.HistogramVec
	WSConnectionErrors  prometheus.Counter
	WSCorruptBatches    prometheus.Counter

	// Object pools
	PoolInUse     *prometheus.GaugeVec
	PoolAvailable *prometheus.GaugeVec
	PoolEmergency *prometheus.CounterVec
	PoolCleanups  *prometheus.CounterVec

	// Transaction queue
	QueueActiveJobs     prometheus.Gauge
	QueueProcessedTotal *prometheus.CounterVec
	QueueDeadLetters    prometheus.Counter

	// API
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
}

// GetCollector returns the singleton metrics collector.
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
		collector.register()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{}

	c.TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Total simulation ticks executed",
		},
		[]string{"simulation_id"},
	)

	c.TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketsim",
			Subsystem: "engine",
			Name:      "tick_duration_ms",
			Help:      "Tick body duration in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"simulation_id"},
	)

	c.CurrentPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "market",
			Name:      "price",
			Help:      "Current simulated mid price",
		},
		[]string{"simulation_id"},
	)

	c.MarketVolatility = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "market",
			Name:      "volatility",
			Help:      "Adaptive market volatility",
		},
		[]string{"simulation_id"},
	)

	c.ActivePositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "market",
			Name:      "active_positions",
			Help:      "Open positions held by synthetic traders",
		},
		[]string{"simulation_id"},
	)

	c.TraderCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "market",
			Name:      "traders",
			Help:      "Synthetic trader population size",
		},
		[]string{"simulation_id"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total trades committed to state",
		},
		[]string{"simulation_id", "action"},
	)

	c.TradeNotional = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "trades",
			Name:      "notional",
			Help:      "Cumulative traded notional in quote terms",
		},
		[]string{"simulation_id"},
	)

	c.ExternalTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "trades",
			Name:      "external_total",
			Help:      "Injected external trades processed",
		},
		[]string{"simulation_id", "mode"},
	)

	c.CascadesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "trades",
			Name:      "cascades_total",
			Help:      "Liquidation cascades triggered",
		},
		[]string{"simulation_id", "size"},
	)

	c.RejectedTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "trades",
			Name:      "rejected_total",
			Help:      "External trades rejected at validation",
		},
		[]string{"simulation_id"},
	)

	c.CandlesEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "candles",
			Name:      "emitted_total",
			Help:      "Candles written to price history",
		},
		[]string{"simulation_id"},
	)

	c.SamplesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "candles",
			Name:      "samples_rejected_total",
			Help:      "Price samples rejected by validation",
		},
		[]string{"simulation_id"},
	)

	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Connected websocket clients",
		},
	)

	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "Frames delivered to clients",
		},
		[]string{"path"},
	)

	c.WSBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketsim",
			Subsystem: "ws",
			Name:      "batch_size",
			Help:      "Updates per flushed batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"simulation_id"},
	)

	c.WSConnectionErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "ws",
			Name:      "connection_errors_total",
			Help:      "Clients evicted after failed sends",
		},
	)

	c.WSCorruptBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "ws",
			Name:      "corrupt_batches_total",
			Help:      "Batches dropped by envelope validation",
		},
	)

	c.PoolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "pool",
			Name:      "in_use",
			Help:      "Objects currently held by consumers",
		},
		[]string{"pool"},
	)

	c.PoolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "pool",
			Name:      "available",
			Help:      "Objects on the free list",
		},
		[]string{"pool"},
	)

	c.PoolEmergency = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "pool",
			Name:      "emergency_total",
			Help:      "Untracked emergency allocations",
		},
		[]string{"pool"},
	)

	c.PoolCleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "pool",
			Name:      "forced_cleanups_total",
			Help:      "Forced cleanup passes at capacity",
		},
		[]string{"pool"},
	)

	c.QueueActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketsim",
			Subsystem: "queue",
			Name:      "active_jobs",
			Help:      "Trades waiting in the transaction queue",
		},
	)

	c.QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Trades processed by the transaction queue",
		},
		[]string{"simulation_id"},
	)

	c.QueueDeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "queue",
			Name:      "dead_letters_total",
			Help:      "Trades sent to the dead-letter log",
		},
	)

	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Control API requests",
		},
		[]string{"path", "method", "status"},
	)

	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketsim",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "Control API latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"path", "method"},
	)

	c.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsim",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"path"},
	)

	return c
}

func (c *Collector) register() {
	prometheus.MustRegister(
		c.TicksTotal, c.TickDuration,
		c.CurrentPrice, c.MarketVolatility, c.ActivePositions, c.TraderCount,
		c.TradesTotal, c.TradeNotional, c.ExternalTrades, c.CascadesTotal, c.RejectedTrades,
		c.CandlesEmitted, c.SamplesRejected,
		c.WSConnectionsActive, c.WSMessagesTotal, c.WSBatchSize, c.WSConnectionErrors, c.WSCorruptBatches,
		c.PoolInUse, c.PoolAvailable, c.PoolEmergency, c.PoolCleanups,
		c.QueueActiveJobs, c.QueueProcessedTotal, c.QueueDeadLetters,
		c.APIRequestsTotal, c.APIRequestLatency, c.RateLimitHits,
	)
}

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAPIRequest records one handled request.
func (c *Collector) ObserveAPIRequest(path, method, status string, elapsed time.Duration) {
	c.APIRequestsTotal.WithLabelValues(path, method, status).Inc()
	c.APIRequestLatency.WithLabelValues(path, method).Observe(float64(elapsed.Milliseconds()))
}
