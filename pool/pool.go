package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/metrics"
)

// Default capacities for the hot-path pools.
const (
	TradePoolSize          = 2000
	TradePoolPrefill       = 200
	PositionPoolSize       = 1000
	PositionPoolPrefill    = 100
	PriceUpdatePoolSize    = 500
	PriceUpdatePoolPrefill = 50
)

// fraction of capacity force-released when acquire hits the ceiling
const forcedCleanupFraction = 0.10

// minimum hold time before an object is eligible for forced release;
// fresh holders are assumed live and are never reclaimed out from under
// their owners
const forcedCleanupMinAge = 30 * time.Second

// Stats is a point-in-time snapshot of pool instrumentation.
type Stats struct {
	Name           string  `json:"name"`
	MaxSize        int     `json:"maxSize"`
	Available      int     `json:"available"`
	InUse          int     `json:"inUse"`
	Created        int     `json:"created"`
	TotalAcquired  int64   `json:"totalAcquired"`
	TotalReleased  int64   `json:"totalReleased"`
	TotalReused    int64   `json:"totalReused"`
	TotalCreated   int64   `json:"totalCreated"`
	TotalDiscarded int64   `json:"totalDiscarded"`
	Emergency      int64   `json:"emergencyAllocations"`
	ForcedCleanups int64   `json:"forcedCleanups"`
	Efficiency     float64 `json:"releaseEfficiency"`
	Utilization    float64 `json:"utilization"`
}

// Health is the result of a pool health check.
type Health struct {
	Healthy    bool    `json:"healthy"`
	Efficiency float64 `json:"releaseEfficiency"`
	Usage      float64 `json:"usage"`
	Reason     string  `json:"reason,omitempty"`
}

// Pool is a bounded object pool with leak detection. Objects are tracked
// while held; acquiring past the ceiling first force-releases the oldest
// holders and, as a last resort, hands out an untracked emergency object.
type Pool[T any] struct {
	name    string
	maxSize int
	newFn   func() *T
	resetFn func(*T)

	mu        sync.Mutex
	available []*T
	inUse     map[*T]int64 // object -> acquire time (ns)
	created   int

	totalAcquired  int64
	totalReleased  int64
	totalReused    int64
	totalCreated   int64
	totalDiscarded int64
	emergency      int64
	forcedCleanups int64

	log *logging.Logger
}

// New creates a pool of at most maxSize objects, prefilled with prefill
// instances. resetFn scrubs an object before it re-enters the free list.
func New[T any](name string, maxSize, prefill int, newFn func() *T, resetFn func(*T)) *Pool[T] {
	if prefill > maxSize {
		prefill = maxSize
	}
	p := &Pool[T]{
		name:      name,
		maxSize:   maxSize,
		newFn:     newFn,
		resetFn:   resetFn,
		available: make([]*T, 0, prefill),
		inUse:     make(map[*T]int64),
		log:       logging.NewComponentLogger("pool").WithField("pool", name),
	}
	for i := 0; i < prefill; i++ {
		p.available = append(p.available, newFn())
		p.created++
		p.totalCreated++
	}
	return p
}

// Acquire returns an object from the pool, allocating when under the
// ceiling. At capacity it force-releases the oldest held objects; if that
// frees nothing it allocates an untracked emergency object and logs a
// leak warning.
func (p *Pool[T]) Acquire() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalAcquired++

	if n := len(p.available); n > 0 {
		obj := p.available[n-1]
		p.available = p.available[:n-1]
		p.inUse[obj] = time.Now().UnixNano()
		p.totalReused++
		return obj
	}

	if p.created < p.maxSize {
		obj := p.newFn()
		p.created++
		p.totalCreated++
		p.inUse[obj] = time.Now().UnixNano()
		return obj
	}

	if p.forceCleanupLocked() > 0 {
		n := len(p.available)
		obj := p.available[n-1]
		p.available = p.available[:n-1]
		p.inUse[obj] = time.Now().UnixNano()
		p.totalReused++
		return obj
	}

	// Ceiling reached and nothing to reclaim: likely a leak upstream.
	p.emergency++
	metrics.GetCollector().PoolEmergency.WithLabelValues(p.name).Inc()
	p.log.WithFields(map[string]any{
		"maxSize": p.maxSize,
		"inUse":   len(p.inUse),
	}).Warn("pool exhausted, handing out untracked emergency object")
	return p.newFn()
}

// forceCleanupLocked releases up to 10% of capacity of the oldest held
// objects back to the free list. Only objects held longer than
// forcedCleanupMinAge are eligible. Returns the number reclaimed.
func (p *Pool[T]) forceCleanupLocked() int {
	budget := int(float64(p.maxSize) * forcedCleanupFraction)
	if budget < 1 {
		budget = 1
	}
	if len(p.inUse) == 0 {
		return 0
	}

	cutoff := time.Now().Add(-forcedCleanupMinAge).UnixNano()
	type held struct {
		obj *T
		at  int64
	}
	holders := make([]held, 0, len(p.inUse))
	for obj, at := range p.inUse {
		if at <= cutoff {
			holders = append(holders, held{obj, at})
		}
	}
	if len(holders) == 0 {
		return 0
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].at < holders[j].at })

	reclaimed := 0
	for _, h := range holders {
		if reclaimed >= budget {
			break
		}
		delete(p.inUse, h.obj)
		p.resetFn(h.obj)
		p.available = append(p.available, h.obj)
		reclaimed++
	}
	if reclaimed > 0 {
		p.forcedCleanups++
		metrics.GetCollector().PoolCleanups.WithLabelValues(p.name).Inc()
		p.log.WithField("reclaimed", reclaimed).Warn("forced cleanup of oldest held objects")
	}
	return reclaimed
}

// Release returns an object to the free list. Idempotent: releasing an
// object that is not held (double release, emergency allocation) is a
// no-op. Excess beyond maxSize is discarded.
func (p *Pool[T]) Release(obj *T) {
	if obj == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.inUse[obj]; !held {
		return
	}
	delete(p.inUse, obj)
	p.totalReleased++

	if len(p.available) >= p.maxSize {
		p.created--
		p.totalDiscarded++
		return
	}
	p.resetFn(obj)
	p.available = append(p.available, obj)
}

// ReleaseAll force-releases every held object back to the free list.
func (p *Pool[T]) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for obj := range p.inUse {
		delete(p.inUse, obj)
		p.totalReleased++
		if len(p.available) >= p.maxSize {
			p.created--
			p.totalDiscarded++
			continue
		}
		p.resetFn(obj)
		p.available = append(p.available, obj)
	}
}

// Clear drops the free list. Held objects stay tracked.
func (p *Pool[T]) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalDiscarded += int64(len(p.available))
	p.created -= len(p.available)
	p.available = p.available[:0]
}

// Resize changes the ceiling, discarding free objects above the new size.
func (p *Pool[T]) Resize(maxSize int) {
	if maxSize < 1 {
		maxSize = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maxSize = maxSize
	for len(p.available) > maxSize {
		n := len(p.available)
		p.available = p.available[:n-1]
		p.created--
		p.totalDiscarded++
	}
}

// Name returns the pool name.
func (p *Pool[T]) Name() string { return p.name }

// MaxSize returns the current ceiling.
func (p *Pool[T]) MaxSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSize
}

// GetStats returns an instrumentation snapshot.
func (p *Pool[T]) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool[T]) statsLocked() Stats {
	eff := 1.0
	if p.totalAcquired > 0 {
		eff = float64(p.totalReleased) / float64(p.totalAcquired)
	}
	util := 0.0
	if p.maxSize > 0 {
		util = float64(p.created) / float64(p.maxSize)
	}
	return Stats{
		Name:           p.name,
		MaxSize:        p.maxSize,
		Available:      len(p.available),
		InUse:          len(p.inUse),
		Created:        p.created,
		TotalAcquired:  p.totalAcquired,
		TotalReleased:  p.totalReleased,
		TotalReused:    p.totalReused,
		TotalCreated:   p.totalCreated,
		TotalDiscarded: p.totalDiscarded,
		Emergency:      p.emergency,
		ForcedCleanups: p.forcedCleanups,
		Efficiency:     eff,
		Utilization:    util,
	}
}

// HealthCheck reports the pool unhealthy when release efficiency drops
// below 0.8 or more than 90% of capacity is held.
func (p *Pool[T]) HealthCheck() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.statsLocked()
	usage := 0.0
	if p.maxSize > 0 {
		usage = float64(len(p.inUse)) / float64(p.maxSize)
	}
	h := Health{Healthy: true, Efficiency: st.Efficiency, Usage: usage}
	if st.Efficiency < 0.8 {
		h.Healthy = false
		h.Reason = "release efficiency below 0.8"
	} else if usage > 0.9 {
		h.Healthy = false
		h.Reason = "usage above 90%"
	}
	if p.emergency > 0 && h.Healthy {
		h.Healthy = false
		h.Reason = "emergency allocations recorded"
	}
	return h
}
