package gossip

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "gossip"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of announcements sent to peers, per kind.
	Relayed metrics.Counter
	// Number of announcements not relayed because they were already seen,
	// per kind.
	Suppressed metrics.Counter
	// Number of announcements dropped because the relay queue was full.
	Dropped metrics.Counter
	// Number of hashes held by the seen set.
	SeenSetSize metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Relayed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "relayed",
			Help:      "Number of announcements sent to peers, per kind.",
		}, append(labels[:len(labels):len(labels)], "kind")).With(labelsAndValues...),
		Suppressed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "suppressed",
			Help:      "Number of announcements not relayed because they were already seen, per kind.",
		}, append(labels[:len(labels):len(labels)], "kind")).With(labelsAndValues...),
		Dropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped",
			Help:      "Number of announcements dropped because the relay queue was full.",
		}, labels).With(labelsAndValues...),
		SeenSetSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "seen_set_size",
			Help:      "Number of hashes held by the seen set.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Relayed:     discard.NewCounter(),
		Suppressed:  discard.NewCounter(),
		Dropped:     discard.NewCounter(),
		SeenSetSize: discard.NewGauge(),
	}
}
