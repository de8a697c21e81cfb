package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pipeline activity. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	toolResults     *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	toolsInFlight   prometheus.Gauge
	streamUpdates   *prometheus.CounterVec
	droppedUpdates  *prometheus.CounterVec
	recorderEntries *prometheus.CounterVec
	playbackRuns    *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg (the default registerer when
// nil). Collectors that are already registered are reused, so building a
// second pipeline in the same process does not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		toolResults: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlink",
			Subsystem: "tools",
			Name:      "results_total",
			Help:      "Tool results sent to the backend by tool and outcome.",
		}, []string{"tool", "outcome"})),
		toolDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentlink",
			Subsystem: "tools",
			Name:      "execution_seconds",
			Help:      "Time spent executing a tool.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"})),
		toolsInFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentlink",
			Subsystem: "tools",
			Name:      "in_flight",
			Help:      "Tool executions currently running.",
		})),
		streamUpdates: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlink",
			Subsystem: "stream",
			Name:      "updates_total",
			Help:      "Stream payloads received by normalized shape.",
		}, []string{"shape"})),
		droppedUpdates: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlink",
			Subsystem: "stream",
			Name:      "dropped_total",
			Help:      "Stream payloads discarded by reason.",
		}, []string{"reason"})),
		recorderEntries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlink",
			Subsystem: "recorder",
			Name:      "entries_total",
			Help:      "Entries appended to the session log by kind.",
		}, []string{"kind"})),
		playbackRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlink",
			Subsystem: "playback",
			Name:      "runs_total",
			Help:      "Playback runs by result.",
		}, []string{"result"})),
		transportErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlink",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Backend commands that failed by command.",
		}, []string{"command"})),
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *Metrics) ObserveTool(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolResults.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ToolStarted() {
	if m == nil {
		return
	}
	m.toolsInFlight.Inc()
}

func (m *Metrics) ToolFinished() {
	if m == nil {
		return
	}
	m.toolsInFlight.Dec()
}

func (m *Metrics) StreamUpdate(shape Shape) {
	if m == nil {
		return
	}
	m.streamUpdates.WithLabelValues(shape.String()).Inc()
}

func (m *Metrics) DroppedUpdate(reason string) {
	if m == nil {
		return
	}
	m.droppedUpdates.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecorderEntry(kind LogKind) {
	if m == nil {
		return
	}
	m.recorderEntries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) PlaybackRun(result string) {
	if m == nil {
		return
	}
	m.playbackRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) TransportError(command string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(command).Inc()
}
