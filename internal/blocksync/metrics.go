package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Whether or not a node is downloading a heavier chain. 1 if yes, 0 if no.
	Syncing metrics.Gauge
	// Height of the canonical tip.
	Height metrics.Gauge
	// Height of the current sync target.
	TargetHeight metrics.Gauge
	// Number of requests in flight.
	RequestsInFlight metrics.Gauge
	// Number of requests that timed out.
	RequestTimeouts metrics.Counter
	// Number of pieces of work no peer could supply.
	StalledRequests metrics.Gauge
	// Fraction of the request capacity withheld because of backpressure.
	Throttle metrics.Gauge
	// Number of blocks held by the import queue, per stage.
	QueuedBlocks metrics.Gauge
	// Number of blocks discarded by the import queue, per reason.
	DiscardedBlocks metrics.Counter
	// Number of blocks applied to the ledger.
	BlocksImported metrics.Counter
	// Number of completed reorganizations.
	Reorgs metrics.Counter
	// Number of blocks reverted by reorganizations.
	ReorgDepth metrics.Histogram
	// Number of reorganizations abandoned because the ledger could not revert.
	RevertFailures metrics.Counter
	// Number of known lighter branch tips.
	AlternativeTips metrics.Gauge
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
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing",
			Help:      "Whether or not a node is downloading a heavier chain. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the canonical tip.",
		}, labels).With(labelsAndValues...),
		TargetHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "target_height",
			Help:      "Height of the current sync target.",
		}, labels).With(labelsAndValues...),
		RequestsInFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_in_flight",
			Help:      "Number of requests in flight.",
		}, labels).With(labelsAndValues...),
		RequestTimeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_timeouts",
			Help:      "Number of requests that timed out.",
		}, append(labels[:len(labels):len(labels)], "purpose")).With(labelsAndValues...),
		StalledRequests: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stalled_requests",
			Help:      "Number of pieces of work no peer could supply.",
		}, labels).With(labelsAndValues...),
		Throttle: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "throttle",
			Help:      "Fraction of the request capacity withheld because of backpressure.",
		}, labels).With(labelsAndValues...),
		QueuedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued_blocks",
			Help:      "Number of blocks held by the import queue, per stage.",
		}, append(labels[:len(labels):len(labels)], "stage")).With(labelsAndValues...),
		DiscardedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "discarded_blocks",
			Help:      "Number of blocks discarded by the import queue, per reason.",
		}, append(labels[:len(labels):len(labels)], "reason")).With(labelsAndValues...),
		BlocksImported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_imported",
			Help:      "Number of blocks applied to the ledger.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs",
			Help:      "Number of completed reorganizations.",
		}, labels).With(labelsAndValues...),
		ReorgDepth: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorg_depth",
			Help:      "Number of blocks reverted by reorganizations.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 2, 11),
		}, labels).With(labelsAndValues...),
		RevertFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "revert_failures",
			Help:      "Number of reorganizations abandoned because the ledger could not revert.",
		}, labels).With(labelsAndValues...),
		AlternativeTips: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "alternative_tips",
			Help:      "Number of known lighter branch tips.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Syncing:          discard.NewGauge(),
		Height:           discard.NewGauge(),
		TargetHeight:     discard.NewGauge(),
		RequestsInFlight: discard.NewGauge(),
		RequestTimeouts:  discard.NewCounter(),
		StalledRequests:  discard.NewGauge(),
		Throttle:         discard.NewGauge(),
		QueuedBlocks:     discard.NewGauge(),
		DiscardedBlocks:  discard.NewCounter(),
		BlocksImported:   discard.NewCounter(),
		Reorgs:           discard.NewCounter(),
		ReorgDepth:       discard.NewHistogram(),
		RevertFailures:   discard.NewCounter(),
		AlternativeTips:  discard.NewGauge(),
	}
}
