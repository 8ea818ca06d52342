// Package metrics exposes Prometheus instruments for the enforcement core.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "secmon"

type Recorder struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	failOpen      *prometheus.CounterVec
	events        *prometheus.CounterVec
	listWrites    *prometheus.CounterVec
	listEvents    *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	sinkFailures  *prometheus.CounterVec
	checkDuration prometheus.Histogram
}

// New registers every instrument on a fresh registry, together with the Go
// and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by outcome and the rule that produced them.",
		}, []string{"decision", "reason"}),
		failOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Store reads that failed and were treated as absent.",
		}, []string{"operation"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "recorded_total",
			Help:      "Security events written, by type.",
		}, []string{"event_type"}),
		listWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "iplist",
			Name:      "writes_total",
			Help:      "Allow and block list writes, by action.",
		}, []string{"action"}),
		listEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "iplist",
			Name:      "event_failures_total",
			Help:      "List writes that landed but whose audit event could not be recorded.",
		}, []string{"event_type"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "sent_total",
			Help:      "Alerts persisted, by severity and whether delivery was suppressed.",
		}, []string{"severity", "suppressed"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "deliveries_total",
			Help:      "Channel delivery attempts, by channel and result.",
		}, []string{"channel", "result"}),
		sinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sinks",
			Name:      "failures_total",
			Help:      "Best-effort sink publishes that failed.",
		}, []string{"sink"}),
		checkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Latency of rate limit checks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (r *Recorder) Decision(allowed bool, reason string) {
	if r == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	r.decisions.WithLabelValues(decision, reason).Inc()
}

func (r *Recorder) FailOpen(operation string) {
	if r == nil {
		return
	}
	r.failOpen.WithLabelValues(operation).Inc()
}

func (r *Recorder) EventRecorded(eventType string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType).Inc()
}

func (r *Recorder) ListWrite(action string) {
	if r == nil {
		return
	}
	r.listWrites.WithLabelValues(action).Inc()
}

func (r *Recorder) ListEventFailed(eventType string) {
	if r == nil {
		return
	}
	r.listEvents.WithLabelValues(eventType).Inc()
}

func (r *Recorder) AlertSent(severity string, suppressed bool) {
	if r == nil {
		return
	}
	s := "false"
	if suppressed {
		s = "true"
	}
	r.alerts.WithLabelValues(severity, s).Inc()
}

func (r *Recorder) Delivery(channel, result string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(channel, result).Inc()
}

func (r *Recorder) SinkFailure(sink string) {
	if r == nil {
		return
	}
	r.sinkFailures.WithLabelValues(sink).Inc()
}

func (r *Recorder) ObserveCheck(seconds float64) {
	if r == nil {
		return
	}
	r.checkDuration.Observe(seconds)
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
