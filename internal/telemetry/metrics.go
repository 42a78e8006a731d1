// Package telemetry exposes prometheus metrics for the gossip subsystem.
// Each instance owns its registry so that several nodes can run in one
// process (tests) without collector collisions.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gossip and failure-detection collectors.
type Metrics struct {
	registry *prometheus.Registry

	Rounds           prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	StateMerges      prometheus.Counter
	Convictions      prometheus.Counter

	LiveMembers        prometheus.Gauge
	UnreachableMembers prometheus.Gauge
	QuiescentRounds    prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memberd",
			Name:      "gossip_rounds_total",
			Help:      "Number of gossip rounds initiated.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberd",
			Name:      "gossip_messages_received_total",
			Help:      "Inbound gossip messages by verb.",
		}, []string{"verb"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberd",
			Name:      "gossip_messages_dropped_total",
			Help:      "Inbound gossip messages dropped, by reason.",
		}, []string{"reason"}),
		StateMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memberd",
			Name:      "gossip_state_merges_total",
			Help:      "Endpoint state records created or updated from remote state.",
		}),
		Convictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memberd",
			Name:      "failure_detector_convictions_total",
			Help:      "Endpoints convicted by the phi-accrual failure detector.",
		}),
		LiveMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memberd",
			Name:      "live_members",
			Help:      "Endpoints currently considered alive.",
		}),
		UnreachableMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memberd",
			Name:      "unreachable_members",
			Help:      "Endpoints currently considered unreachable.",
		}),
		QuiescentRounds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memberd",
			Name:      "gossip_quiescent_rounds",
			Help:      "Consecutive rounds without a state merge.",
		}),
	}
	m.registry.MustRegister(
		m.Rounds, m.MessagesReceived, m.MessagesDropped, m.StateMerges,
		m.Convictions, m.LiveMembers, m.UnreachableMembers, m.QuiescentRounds,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
