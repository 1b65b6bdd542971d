// Package metrics exposes the adapter's Prometheus metrics and a
// gopsutil-backed system snapshot for /metrics/system.
//
// Grounded on the teacher's internal/metrics package, consolidated
// into one façade: the teacher itself carried three overlapping
// implementations (Metrics/EnhancedMetrics/SimpleMetrics) to dodge
// double Prometheus registration during its own iteration — that
// split is dev-iteration cruft, not an idiom worth preserving (see
// DESIGN.md).
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is the adapter's single Prometheus façade.
type Metrics struct {
	UpstreamEventsTotal    *prometheus.CounterVec
	UpstreamCallsTotal     *prometheus.CounterVec
	UpstreamCallDuration   prometheus.Histogram
	UpstreamReconnects     prometheus.Counter
	DownstreamClients      prometheus.Gauge
	DownstreamBroadcasts   prometheus.Counter
	DownstreamDropsTotal   *prometheus.CounterVec
	MessagesDroppedByPolicy *prometheus.CounterVec

	mu         sync.RWMutex
	lastCPU    float64
	lastMemMB  float64
}

func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		UpstreamEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qqadapter_upstream_events_total",
			Help: "Upstream OneBot events received, labeled by post_type.",
		}, []string{"post_type"}),
		UpstreamCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qqadapter_upstream_calls_total",
			Help: "Upstream RPC calls issued, labeled by action and outcome.",
		}, []string{"action", "outcome"}),
		UpstreamCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "qqadapter_upstream_call_duration_seconds",
			Help:    "Upstream RPC round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "qqadapter_upstream_reconnects_total",
			Help: "Number of times the upstream connection was lost (each loss schedules a reconnect when reconnect is enabled).",
		}),
		DownstreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qqadapter_downstream_clients",
			Help: "Currently connected downstream consumers.",
		}),
		DownstreamBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "qqadapter_downstream_broadcasts_total",
			Help: "Formatted messages broadcast to downstream consumers.",
		}),
		DownstreamDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qqadapter_downstream_drops_total",
			Help: "Downstream send attempts dropped, labeled by reason.",
		}, []string{"reason"}),
		MessagesDroppedByPolicy: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qqadapter_messages_dropped_total",
			Help: "Inbound events dropped before broadcast, labeled by policy.",
		}, []string{"policy"}),
	}
}

// RecordEvent increments the upstream event counter for postType.
func (m *Metrics) RecordEvent(postType string) {
	m.UpstreamEventsTotal.WithLabelValues(postType).Inc()
}

// RecordCall records an upstream RPC outcome and its latency.
func (m *Metrics) RecordCall(action, outcome string, elapsed time.Duration) {
	m.UpstreamCallsTotal.WithLabelValues(action, outcome).Inc()
	m.UpstreamCallDuration.Observe(elapsed.Seconds())
}

// RecordDrop increments the policy-drop counter for a named reason
// (whitelist, animated_sticker, voice_only, ...).
func (m *Metrics) RecordDrop(policy string) {
	m.MessagesDroppedByPolicy.WithLabelValues(policy).Inc()
}

// SetClientCount publishes the current downstream client count.
func (m *Metrics) SetClientCount(n int) {
	m.DownstreamClients.Set(float64(n))
}

// SystemSnapshot is the payload for /metrics/system, measured fresh
// on every call via gopsutil and runtime.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	Goroutines    int     `json:"goroutines"`
	GCCount       uint32  `json:"gc_count"`
}

// Snapshot samples process and host resource usage. CPU sampling
// blocks for up to 200ms (gopsutil's interval window); callers on a
// request path should treat this as a slow endpoint, not a hot one.
func (m *Metrics) Snapshot() SystemSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	cpuPercent := m.sampleCPU()
	memUsedMB, memTotalMB := m.sampleHostMemory()

	return SystemSnapshot{
		CPUPercent:    cpuPercent,
		MemoryUsedMB:  memUsedMB,
		MemoryTotalMB: memTotalMB,
		HeapAllocMB:   float64(memStats.HeapAlloc) / 1024 / 1024,
		Goroutines:    runtime.NumGoroutine(),
		GCCount:       memStats.NumGC,
	}
}

func (m *Metrics) sampleCPU() float64 {
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.lastCPU
	}

	current := percents[0]
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCPU == 0 {
		m.lastCPU = current
	} else {
		const alpha = 0.3
		m.lastCPU = alpha*current + (1-alpha)*m.lastCPU
	}
	return m.lastCPU
}

func (m *Metrics) sampleHostMemory() (usedMB, totalMB float64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.lastMemMB, 0
	}

	usedMB = float64(vm.Used) / 1024 / 1024
	totalMB = float64(vm.Total) / 1024 / 1024

	m.mu.Lock()
	m.lastMemMB = usedMB
	m.mu.Unlock()
	return usedMB, totalMB
}
