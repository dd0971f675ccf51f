package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/metrics"
)

// Monitor thresholds.
const (
	scanInterval         = 10 * time.Second
	warningUtilization   = 0.8
	criticalUtilization  = 0.95
	criticalResizeFactor = 0.8
)

// Managed is the surface the monitor needs from a pool. All pools in this
// package satisfy it regardless of element type.
type Managed interface {
	Name() string
	MaxSize() int
	GetStats() Stats
	HealthCheck() Health
	ReleaseAll()
	Clear()
	Resize(maxSize int)
}

// MonitorSnapshot aggregates health across all registered pools, served on
// the /api/object-pools/status surface.
type MonitorSnapshot struct {
	TotalPools    int     `json:"totalPools"`
	HealthyPools  int     `json:"healthyPools"`
	WarningPools  int     `json:"warningPools"`
	CriticalPools int     `json:"criticalPools"`
	TotalObjects  int     `json:"totalObjects"`
	TotalCapacity int     `json:"totalCapacity"`
	Details       []Stats `json:"details"`
}

// Monitor periodically scans registered pools and applies emergency
// remediation when a pool goes critical. One monitor serves the process.
type Monitor struct {
	mu     sync.Mutex
	pools  map[string]Managed
	cancel context.CancelFunc
	log    *logging.Logger
}

// NewMonitor creates an idle monitor; call Start to begin scanning.
func NewMonitor() *Monitor {
	return &Monitor{
		pools: make(map[string]Managed),
		log:   logging.NewComponentLogger("pool-monitor"),
	}
}

// Register adds a pool to the scan set. Re-registering a name replaces the
// previous entry.
func (m *Monitor) Register(p Managed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.Name()] = p
}

// Unregister removes a pool from the scan set.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, name)
}

// Start launches the periodic scan. Cancelling ctx or calling Stop ends it.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Scan()
			}
		}
	}()
}

// Stop cancels the periodic scan.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Scan inspects every registered pool once and remediates critical ones.
func (m *Monitor) Scan() {
	for _, p := range m.snapshotPools() {
		st := p.GetStats()
		mc := metrics.GetCollector()
		mc.PoolInUse.WithLabelValues(st.Name).Set(float64(st.InUse))
		mc.PoolAvailable.WithLabelValues(st.Name).Set(float64(st.Available))
		switch {
		case st.Utilization >= criticalUtilization:
			m.log.WithFields(map[string]any{
				"pool":        st.Name,
				"utilization": st.Utilization,
			}).Error("pool critical, applying emergency remediation")
			m.remediate(p)
		case st.Utilization >= warningUtilization:
			m.log.WithFields(map[string]any{
				"pool":        st.Name,
				"utilization": st.Utilization,
			}).Warn("pool utilization above warning threshold")
		}
	}
}

// remediate runs the escalation ladder: release everything held, drop the
// free list, then shrink the ceiling. Each step is guarded so one panic
// cannot stop the ladder.
func (m *Monitor) remediate(p Managed) {
	m.guarded(p.Name(), "releaseAll", p.ReleaseAll)
	m.guarded(p.Name(), "clear", p.Clear)
	m.guarded(p.Name(), "resize", func() {
		p.Resize(int(float64(p.MaxSize()) * criticalResizeFactor))
	})
}

func (m *Monitor) guarded(pool, step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(map[string]any{
				"pool": pool, "step": step, "panic": r,
			}).Error("remediation step panicked")
		}
	}()
	fn()
}

// Snapshot aggregates stats across all registered pools.
func (m *Monitor) Snapshot() MonitorSnapshot {
	snap := MonitorSnapshot{Details: []Stats{}}
	for _, p := range m.snapshotPools() {
		st := p.GetStats()
		snap.TotalPools++
		snap.TotalObjects += st.Created
		snap.TotalCapacity += st.MaxSize
		switch {
		case st.Utilization >= criticalUtilization:
			snap.CriticalPools++
		case st.Utilization >= warningUtilization:
			snap.WarningPools++
		default:
			snap.HealthyPools++
		}
		snap.Details = append(snap.Details, st)
	}
	sort.Slice(snap.Details, func(i, j int) bool {
		return snap.Details[i].Name < snap.Details[j].Name
	})
	return snap
}

func (m *Monitor) snapshotPools() []Managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Managed, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}
