// Package metrics tracks request and polling counters. It keeps an
// in-process snapshot for the JSON metrics endpoint and mirrors the counters
// into Prometheus for scraping.
package metrics

import (
	"sync"
	"time"

	"modbus-middleware/internal/modbus"
)

// ModbusStats is the request section of a snapshot.
type ModbusStats struct {
	RequestsTotal   uint64            `json:"requests_total"`
	RequestsSuccess uint64            `json:"requests_success"`
	RequestsFailed  uint64            `json:"requests_failed"`
	SuccessRate     float64           `json:"success_rate"`
	AvgLatencyMs    float64           `json:"avg_latency_ms"`
	RequestsByType  map[string]uint64 `json:"requests_by_type"`
	ErrorsByKind    map[string]uint64 `json:"errors_by_kind"`
}

// PollingStats is the poller section of a snapshot.
type PollingStats struct {
	CyclesTotal    uint64  `json:"cycles_total"`
	TargetsPolled  uint64  `json:"targets_polled"`
	TargetsFailed  uint64  `json:"targets_failed"`
	TargetsSkipped uint64  `json:"targets_skipped"`
	PublishErrors  uint64  `json:"publish_errors"`
	AvgCycleMs     float64 `json:"avg_cycle_ms"`
	LastCycleAt    float64 `json:"last_cycle_at"`
}

// Snapshot is the full collector state at one instant.
type Snapshot struct {
	UptimeSeconds float64      `json:"uptime_seconds"`
	Modbus        ModbusStats  `json:"modbus"`
	Polling       PollingStats `json:"polling"`
}

// Collector accumulates counters. All methods are safe for concurrent use.
type Collector struct {
	startedAt time.Time
	prom      *promMetrics

	mu sync.Mutex

	reqTotal   uint64
	reqSuccess uint64
	reqFailed  uint64
	latencySum time.Duration
	byType     map[string]uint64
	byErrKind  map[string]uint64

	cycles         uint64
	targetsPolled  uint64
	targetsFailed  uint64
	targetsSkipped uint64
	publishErrors  uint64
	cycleDurSum    time.Duration
	lastCycleAt    time.Time
}

// NewCollector creates a collector and registers the Prometheus series.
func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		prom:      newPromMetrics(),
		byType:    make(map[string]uint64),
		byErrKind: make(map[string]uint64),
	}
}

// ObserveRequest records one completed gateway transaction.
func (c *Collector) ObserveRequest(op string, rt modbus.RegisterType, latency time.Duration, err error) {
	kind := ""
	if err != nil {
		kind = errKind(err)
	}

	c.mu.Lock()
	c.reqTotal++
	c.latencySum += latency
	c.byType[op+"_"+string(rt)]++
	if err != nil {
		c.reqFailed++
		c.byErrKind[kind]++
	} else {
		c.reqSuccess++
	}
	c.mu.Unlock()

	c.prom.observeRequest(op, string(rt), latency, kind)
}

// ObserveCycle records one completed polling cycle.
func (c *Collector) ObserveCycle(polled, failed, skipped int, dur time.Duration) {
	c.mu.Lock()
	c.cycles++
	c.targetsPolled += uint64(polled)
	c.targetsFailed += uint64(failed)
	c.targetsSkipped += uint64(skipped)
	c.cycleDurSum += dur
	c.lastCycleAt = time.Now()
	c.mu.Unlock()

	c.prom.observeCycle(polled, failed, skipped, dur)
}

// ObservePublishError counts one dropped broker publish.
func (c *Collector) ObservePublishError() {
	c.mu.Lock()
	c.publishErrors++
	c.mu.Unlock()
	c.prom.publishErrors.Inc()
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := ModbusStats{
		RequestsTotal:   c.reqTotal,
		RequestsSuccess: c.reqSuccess,
		RequestsFailed:  c.reqFailed,
		RequestsByType:  copyCounts(c.byType),
		ErrorsByKind:    copyCounts(c.byErrKind),
	}
	if c.reqTotal > 0 {
		m.SuccessRate = float64(c.reqSuccess) / float64(c.reqTotal)
		m.AvgLatencyMs = float64(c.latencySum.Milliseconds()) / float64(c.reqTotal)
	}

	p := PollingStats{
		CyclesTotal:    c.cycles,
		TargetsPolled:  c.targetsPolled,
		TargetsFailed:  c.targetsFailed,
		TargetsSkipped: c.targetsSkipped,
		PublishErrors:  c.publishErrors,
	}
	if c.cycles > 0 {
		p.AvgCycleMs = float64(c.cycleDurSum.Milliseconds()) / float64(c.cycles)
	}
	if !c.lastCycleAt.IsZero() {
		p.LastCycleAt = float64(c.lastCycleAt.UnixNano()) / float64(time.Second)
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Modbus:        m,
		Polling:       p,
	}
}

// Reset zeroes the in-process counters. Prometheus series are cumulative and
// left alone.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqTotal, c.reqSuccess, c.reqFailed = 0, 0, 0
	c.latencySum = 0
	c.byType = make(map[string]uint64)
	c.byErrKind = make(map[string]uint64)
	c.cycles, c.targetsPolled, c.targetsFailed, c.targetsSkipped = 0, 0, 0, 0
	c.publishErrors = 0
	c.cycleDurSum = 0
	c.lastCycleAt = time.Time{}
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
