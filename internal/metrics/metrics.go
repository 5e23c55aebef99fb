// Package metrics exposes the bridge's operational counters over a
// Prometheus registry, trimmed from the teacher's gRPC-oriented operator
// down to the gauges and counters this system's components actually emit.
package metrics

import (
	"net/http"
	"time"

	lib "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xlog "github.com/homeiac/claude-mqtt-bridge/log"
)

// Metrics is the set of instruments the bridge updates as it runs.
type Metrics struct {
	registry *lib.Registry

	CommandsTotal     *lib.CounterVec
	ApprovalsTotal    *lib.CounterVec
	ApprovalsPending  lib.Gauge
	ApprovalLatency   lib.Histogram
	BrokerConnected   lib.Gauge
	AgentDuration     lib.Histogram
}

// New builds a ready-to-use Metrics instance backed by its own registry. Go
// runtime and process metrics are registered alongside the domain instruments.
func New() (*Metrics, error) {
	reg := lib.NewRegistry()
	m := &Metrics{
		registry: reg,
		CommandsTotal: lib.NewCounterVec(lib.CounterOpts{
			Namespace: "claude_mqtt_bridge",
			Name:      "commands_total",
			Help:      "Commands handled, partitioned by outcome.",
		}, []string{"outcome"}),
		ApprovalsTotal: lib.NewCounterVec(lib.CounterOpts{
			Namespace: "claude_mqtt_bridge",
			Name:      "approvals_total",
			Help:      "Tool-use approval requests, partitioned by decision.",
		}, []string{"decision"}),
		ApprovalsPending: lib.NewGauge(lib.GaugeOpts{
			Namespace: "claude_mqtt_bridge",
			Name:      "approvals_pending",
			Help:      "Approval requests currently awaiting a response.",
		}),
		ApprovalLatency: lib.NewHistogram(lib.HistogramOpts{
			Namespace: "claude_mqtt_bridge",
			Name:      "approval_latency_seconds",
			Help:      "Time between an approval request and its resolution.",
			Buckets:   lib.DefBuckets,
		}),
		BrokerConnected: lib.NewGauge(lib.GaugeOpts{
			Namespace: "claude_mqtt_bridge",
			Name:      "broker_connected",
			Help:      "1 when the MQTT session is connected, 0 otherwise.",
		}),
		AgentDuration: lib.NewHistogram(lib.HistogramOpts{
			Namespace: "claude_mqtt_bridge",
			Name:      "agent_query_duration_seconds",
			Help:      "Wall-clock time spent running a single agent query.",
			Buckets:   lib.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	collectorsToRegister := []lib.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{ReportErrors: false}),
		m.CommandsTotal,
		m.ApprovalsTotal,
		m.ApprovalsPending,
		m.ApprovalLatency,
		m.BrokerConnected,
		m.AgentDuration,
	}
	for _, c := range collectorsToRegister {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCommand records the outcome and wall-clock duration of one
// completed command, called by the Command Handler once the agent query
// returns.
func (m *Metrics) ObserveCommand(outcome string, d time.Duration) {
	m.CommandsTotal.WithLabelValues(outcome).Inc()
	m.AgentDuration.Observe(d.Seconds())
}

// ObserveApproval records the decision and round-trip latency of one
// resolved tool-use approval, called by the Permission Arbiter.
func (m *Metrics) ObserveApproval(decision string, d time.Duration) {
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
	m.ApprovalLatency.Observe(d.Seconds())
}

// SetBrokerConnected reflects the broker session's connection state, called
// from the Broker Client Adapter's connect/disconnect handlers.
func (m *Metrics) SetBrokerConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.BrokerConnected.Set(v)
}

// Handler returns the HTTP handler serving the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:            &errorLogger{ll: xlog.Discard()},
		ErrorHandling:       promhttp.ContinueOnError,
		Registry:            m.registry,
		MaxRequestsInFlight: 10,
		Timeout:             5 * time.Second,
	})
}

// errorLogger adapts the bridge's logger to promhttp's minimal logging
// interface.
type errorLogger struct {
	ll xlog.Logger
}

func (el *errorLogger) Println(v ...interface{}) {
	el.ll.Print(xlog.Warning, v...)
}
