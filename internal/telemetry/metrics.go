// Package telemetry holds the Prometheus collectors the client engine
// updates as it runs. A Metrics value works unregistered (every increment
// is observed only by the collector itself). The engine also accepts a nil
// *Metrics and then skips every metric update.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges the engine updates during a
// connection's lifetime.
type Metrics struct {
	PacketsSent        *prometheus.CounterVec
	PacketsReceived    *prometheus.CounterVec
	ConnectAttempts    prometheus.Counter
	ConnectFailures    prometheus.Counter
	Reconnects         prometheus.Counter
	PendingRequests    prometheus.Gauge
}

// New builds a Metrics bundle with a caller-supplied namespace, unregistered.
func New(namespace string) *Metrics {
	return &Metrics{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Number of MQTT control packets sent, by packet type.",
		}, []string{"type"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Number of MQTT control packets received, by packet type.",
		}, []string{"type"}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Number of CONNECT attempts made.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Number of CONNECT attempts that did not result in an accepted session.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Number of times the client transitioned from Connected back to NotConnected.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Current number of in-flight subscribe/unsubscribe requests awaiting a server reply.",
		}),
	}
}

// Register adds every collector in m to reg. Call at most once per m/reg pair.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PacketsSent, m.PacketsReceived, m.ConnectAttempts,
		m.ConnectFailures, m.Reconnects, m.PendingRequests,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
