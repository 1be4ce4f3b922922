// Package monitor records in-memory counters, gauges, and duration
// histograms with a retention window, evaluates alert thresholds with a
// per-threshold cooldown, and mirrors everything into prometheus collectors
// for external dashboards.
package monitor

import (
	"sort"
	"sync"
	"time"

	"forgeflow/internal/config"
	"forgeflow/internal/logging"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Well-known counter names used across the pipeline.
const (
	CounterErrorsCaptured     = "errors_captured"
	CounterErrorsResolved     = "errors_resolved"
	CounterFixesProposed      = "fixes_proposed"
	CounterFixesApplied       = "fixes_applied"
	CounterFixesRejected      = "fixes_rejected"
	CounterRollbacks          = "rollbacks_performed"
	CounterValidationPasses   = "validation_passes"
	CounterValidationFailures = "validation_failures"
)

// Well-known histogram names.
const (
	HistogramAnalysisDuration = "analysis_duration"
	HistogramFixDuration      = "fix_duration"
	HistogramApplyDuration    = "apply_duration"
)

type sample struct {
	at    time.Time
	value float64
}

// HistogramStats summarises the retained samples of one histogram.
type HistogramStats struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Snapshot is a point-in-time view of every recorded metric.
type Snapshot struct {
	Counters   map[string]float64        `json:"counters"`
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
	TakenAt    time.Time                 `json:"taken_at"`
}

// Monitor is the in-memory metrics store.
type Monitor struct {
	mu  sync.Mutex
	cfg config.MonitorConfig

	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]sample

	thresholds []Threshold
	alerts     []*Alert
	lastFired  map[string]time.Time // threshold key -> last alert time

	registry *prometheus.Registry
	promCnt  *prometheus.CounterVec
	promGge  *prometheus.GaugeVec
	promHist *prometheus.HistogramVec

	now func() time.Time
}

// New creates a monitor with its own prometheus registry.
func New(cfg config.MonitorConfig) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]sample),
		lastFired:  make(map[string]time.Time),
		registry:   prometheus.NewRegistry(),
		now:        time.Now,
	}

	m.promCnt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeflow",
		Name:      "events_total",
		Help:      "Pipeline event counters.",
	}, []string{"name"})
	m.promGge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forgeflow",
		Name:      "gauge",
		Help:      "Pipeline gauges.",
	}, []string{"name"})
	m.promHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forgeflow",
		Name:      "duration_seconds",
		Help:      "Stage durations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"name"})

	m.registry.MustRegister(m.promCnt, m.promGge, m.promHist)
	return m
}

// Registry exposes the prometheus registry for scraping.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// =============================================================================
// RECORDING
// =============================================================================

// IncCounter adds delta to a named counter.
func (m *Monitor) IncCounter(name string, delta float64) {
	m.mu.Lock()
	m.counters[name] += delta
	value := m.counters[name]
	m.mu.Unlock()

	m.promCnt.WithLabelValues(name).Add(delta)
	m.evaluateThresholds(name, value)
}

// SetGauge sets a named gauge.
func (m *Monitor) SetGauge(name string, value float64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()

	m.promGge.WithLabelValues(name).Set(value)
	m.evaluateThresholds(name, value)
}

// ObserveDuration records one duration sample into a named histogram.
func (m *Monitor) ObserveDuration(name string, d time.Duration) {
	now := m.now()
	m.mu.Lock()
	m.histograms[name] = append(m.histograms[name], sample{at: now, value: float64(d)})
	m.pruneLocked(name, now)
	m.mu.Unlock()

	m.promHist.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Monitor) pruneLocked(name string, now time.Time) {
	retention := m.cfg.RetentionPeriod
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	samples := m.histograms[name]
	idx := 0
	for idx < len(samples) && !samples[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		m.histograms[name] = samples[idx:]
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// TakeSnapshot returns a copy of all metrics with histogram percentiles.
func (m *Monitor) TakeSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	snap := Snapshot{
		Counters:   make(map[string]float64, len(m.counters)),
		Gauges:     make(map[string]float64, len(m.gauges)),
		Histograms: make(map[string]HistogramStats, len(m.histograms)),
		TakenAt:    now,
	}
	for k, v := range m.counters {
		snap.Counters[k] = v
	}
	for k, v := range m.gauges {
		snap.Gauges[k] = v
	}
	for name := range m.histograms {
		m.pruneLocked(name, now)
		snap.Histograms[name] = summarise(m.histograms[name])
	}
	return snap
}

func summarise(samples []sample) HistogramStats {
	if len(samples) == 0 {
		return HistogramStats{}
	}

	values := make([]float64, len(samples))
	var sum float64
	for i, s := range samples {
		values[i] = s.value
		sum += s.value
	}
	sort.Float64s(values)

	return HistogramStats{
		Count: len(values),
		Avg:   time.Duration(sum / float64(len(values))),
		Min:   time.Duration(values[0]),
		Max:   time.Duration(values[len(values)-1]),
		P50:   time.Duration(percentile(values, 0.50)),
		P95:   time.Duration(percentile(values, 0.95)),
		P99:   time.Duration(percentile(values, 0.99)),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// =============================================================================
// ALERTS
// =============================================================================

// AlertSeverity ranks an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Threshold publishes an alert when a counter or gauge crosses Above.
type Threshold struct {
	Name     string        `json:"name"`
	Metric   string        `json:"metric"`
	Above    float64       `json:"above"`
	Severity AlertSeverity `json:"severity"`
}

// Alert is a fired threshold.
type Alert struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Severity     AlertSeverity `json:"severity"`
	Metric       string        `json:"metric"`
	Threshold    float64       `json:"threshold"`
	Value        float64       `json:"value"`
	FiredAt      time.Time     `json:"fired_at"`
	Acknowledged bool          `json:"acknowledged"`
	ResolvedAt   time.Time     `json:"resolved_at,omitzero"`
}

// AddThreshold registers an alerting rule.
func (m *Monitor) AddThreshold(t Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = append(m.thresholds, t)
}

func (m *Monitor) evaluateThresholds(metric string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	for _, t := range m.thresholds {
		if t.Metric != metric || value <= t.Above {
			continue
		}
		if last, ok := m.lastFired[t.Name]; ok && now.Sub(last) < m.cfg.AlertCooldown {
			continue
		}
		m.lastFired[t.Name] = now

		alert := &Alert{
			ID:        uuid.NewString(),
			Name:      t.Name,
			Severity:  t.Severity,
			Metric:    metric,
			Threshold: t.Above,
			Value:     value,
			FiredAt:   now,
		}
		m.alerts = append(m.alerts, alert)
		logging.Monitor("alert %s fired: %s=%.2f above %.2f (severity=%s)", t.Name, metric, value, t.Above, t.Severity)
	}
}

// Alerts returns all alerts, newest first. Resolved alerts are included.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.alerts))
	for i, a := range m.alerts {
		out[len(m.alerts)-1-i] = *a
	}
	return out
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Monitor) ActiveAlerts() []Alert {
	all := m.Alerts()
	out := all[:0]
	for _, a := range all {
		if a.ResolvedAt.IsZero() {
			out = append(out, a)
		}
	}
	return out
}

// Acknowledge marks an alert as seen.
func (m *Monitor) Acknowledge(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == alertID {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

// Resolve closes an alert.
func (m *Monitor) Resolve(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == alertID && a.ResolvedAt.IsZero() {
			a.ResolvedAt = m.now()
			return true
		}
	}
	return false
}
