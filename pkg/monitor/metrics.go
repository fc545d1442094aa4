package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/tools"
)

// Metrics holds the Prometheus metrics derived from call events.
type Metrics struct {
	registry *prometheus.Registry

	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	RingDuration prometheus.Histogram
	CallDuration prometheus.Histogram

	ToolInvocationsTotal *prometheus.CounterVec
	ToolDuration         *prometheus.HistogramVec
	WebLookupsTotal      *prometheus.CounterVec

	BargeInsTotal   prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	AdvisoriesTotal *prometheus.CounterVec

	EventSubscribers prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_call"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently ringing, connecting or connected",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls by outcome",
		}, []string{"outcome"}),
		RingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ring_duration_seconds",
			Help:      "Time from ringing to connected",
			Buckets:   []float64{5, 5.5, 6, 7, 8, 10, 15, 30},
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected call duration",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		ToolInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"tool"}),
		WebLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "web_lookups_total",
			Help:      "Web lookups, split by whether the query was already searched",
		}, []string{"result"}),
		BargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Setup failures by kind",
		}, []string{"kind"}),
		AdvisoriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisories_total",
			Help:      "Non-fatal advisories by code",
		}, []string{"code"}),
		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Open event stream connections",
		}),
	}
	registry.MustRegister(
		m.CallsActive,
		m.CallsTotal,
		m.RingDuration,
		m.CallDuration,
		m.ToolInvocationsTotal,
		m.ToolDuration,
		m.WebLookupsTotal,
		m.BargeInsTotal,
		m.ErrorsTotal,
		m.AdvisoriesTotal,
		m.EventSubscribers,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates metrics from one call event.
func (m *Metrics) Observe(ev call.Event) {
	switch e := ev.(type) {
	case *call.StateChangedEvent:
		switch {
		case !e.From.Active() && e.To.Active():
			m.CallsActive.Inc()
		case e.From.Active() && !e.To.Active():
			m.CallsActive.Dec()
		}
	case *call.ConnectedEvent:
		m.RingDuration.Observe(e.RingDuration.Seconds())
	case *call.CallEndedEvent:
		m.CallsTotal.WithLabelValues(e.Reason).Inc()
		if e.Duration > 0 {
			m.CallDuration.Observe(e.Duration.Seconds())
		}
	case *call.ErrorEvent:
		m.CallsTotal.WithLabelValues("failed").Inc()
		m.ErrorsTotal.WithLabelValues(string(e.Kind)).Inc()
	case *call.ToolResultEvent:
		status := "ok"
		if !e.Success {
			status = "error"
		}
		name := toolLabel(e.Name)
		m.ToolInvocationsTotal.WithLabelValues(name, status).Inc()
		m.ToolDuration.WithLabelValues(name).Observe(e.Duration.Seconds())
	case *call.WebLookupEvent:
		result := "dispatched"
		if e.Duplicate {
			result = "deduplicated"
		}
		m.WebLookupsTotal.WithLabelValues(result).Inc()
	case *call.BargeInEvent:
		m.BargeInsTotal.Inc()
	case *call.AdvisoryEvent:
		m.AdvisoriesTotal.WithLabelValues(e.Code).Inc()
	}
}

// toolLabel keeps the tool label bounded; the model may name any tool.
func toolLabel(name string) string {
	switch name {
	case tools.ToolPersistLead, tools.ToolWebLookup, tools.ToolRequestHandoff:
		return name
	}
	return "unknown"
}
