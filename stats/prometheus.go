package stats

import (
	"context"
	"net"
	"net/http"

	"github.com/fortify-onion/fortify/events"
	"github.com/fortify-onion/fortify/fortlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusProcessor struct {
	factory *PrometheusFactory
}

func (p prometheusProcessor) EventDecided(evt fortlib.EventDecided) {
	verdict := evt.Verdict.String()

	p.factory.metricDecisions.
		WithLabelValues(verdict, string(evt.Reason)).
		Inc()
	p.factory.metricDecisionDuration.
		WithLabelValues(verdict).
		Observe(evt.Latency.Seconds())
}

func (p prometheusProcessor) EventChallengeIssued(evt fortlib.EventChallengeIssued) {
	p.factory.metricChallengesIssued.WithLabelValues(evt.Variant).Inc()
}

func (p prometheusProcessor) EventChallengeSolved(_ fortlib.EventChallengeSolved) {
	p.factory.metricChallengesSolved.Inc()
}

func (p prometheusProcessor) EventChallengeFailed(_ fortlib.EventChallengeFailed) {
	p.factory.metricChallengesFailed.Inc()
}

func (p prometheusProcessor) EventBanned(_ fortlib.EventBanned) {
	p.factory.metricBans.Inc()
}

func (p prometheusProcessor) EventRedirect(evt fortlib.EventRedirect) {
	p.factory.metricRedirects.WithLabelValues(evt.PeerID).Inc()
}

func (p prometheusProcessor) EventRateLimited(evt fortlib.EventRateLimited) {
	p.factory.metricRateLimited.WithLabelValues(limitTag(evt.IsConcurrency)).Inc()
}

func (p prometheusProcessor) EventInvariantViolation(evt fortlib.EventInvariantViolation) {
	p.factory.metricInvariantViolations.WithLabelValues(evt.Component).Inc()
}

func (p prometheusProcessor) EventIntensityChanged(evt fortlib.EventIntensityChanged) {
	p.factory.metricIntensity.Set(float64(evt.To))
	p.factory.metricIntensityChanges.Inc()
}

func (p prometheusProcessor) EventPoolMetrics(evt fortlib.EventPoolMetrics) {
	p.factory.metricPoolServed.Add(float64(evt.DeltaServed))
	p.factory.metricPoolGenerated.Add(float64(evt.DeltaGenerated))
	p.factory.metricPoolLoaded.Add(float64(evt.DeltaLoaded))
	p.factory.metricPoolDumped.Add(float64(evt.DeltaDumped))
	p.factory.metricPoolMisses.Add(float64(evt.DeltaMisses))
	p.factory.metricPoolSize.Set(float64(evt.Size))
	p.factory.metricPoolCapacity.Set(float64(evt.Capacity))
}

func (p prometheusProcessor) EventPeerHealth(evt fortlib.EventPeerHealth) {
	p.factory.metricPeersHealthy.Set(float64(evt.Healthy))
	p.factory.metricPeersKnown.Set(float64(evt.Known))
	p.factory.metricIsolated.Set(boolGauge(evt.Isolated))
}

func (p prometheusProcessor) EventReputationCounts(evt fortlib.EventReputationCounts) {
	for _, state := range fortlib.States {
		p.factory.metricReputationRecords.
			WithLabelValues(state.String()).
			Set(float64(evt.Counts[state]))
	}
}

func (p prometheusProcessor) Shutdown() {}

// PrometheusFactory is a factory of [events.Observer] which collect
// information in a format suitable for Prometheus.
//
// This factory can also serve on a given listener. In that case it starts HTTP
// server with a single endpoint - a Prometheus-compatible scrape output.
type PrometheusFactory struct {
	httpServer *http.Server

	metricDecisions           *prometheus.CounterVec
	metricChallengesIssued    *prometheus.CounterVec
	metricRedirects           *prometheus.CounterVec
	metricRateLimited         *prometheus.CounterVec
	metricInvariantViolations *prometheus.CounterVec

	metricDecisionDuration *prometheus.HistogramVec

	metricChallengesSolved prometheus.Counter
	metricChallengesFailed prometheus.Counter
	metricBans             prometheus.Counter
	metricIntensityChanges prometheus.Counter
	metricPoolServed       prometheus.Counter
	metricPoolGenerated    prometheus.Counter
	metricPoolLoaded       prometheus.Counter
	metricPoolDumped       prometheus.Counter
	metricPoolMisses       prometheus.Counter

	metricIntensity    prometheus.Gauge
	metricPoolSize     prometheus.Gauge
	metricPoolCapacity prometheus.Gauge
	metricPeersHealthy prometheus.Gauge
	metricPeersKnown   prometheus.Gauge
	metricIsolated     prometheus.Gauge

	metricReputationRecords *prometheus.GaugeVec
	metricBuildInfo         *prometheus.GaugeVec
}

// Make builds a new observer.
func (p *PrometheusFactory) Make() events.Observer {
	return prometheusProcessor{
		factory: p,
	}
}

// Handler returns an HTTP handler with scrape output.
func (p *PrometheusFactory) Handler() http.Handler {
	return p.httpServer.Handler
}

// Serve starts an HTTP server on a given listener.
func (p *PrometheusFactory) Serve(listener net.Listener) error {
	return p.httpServer.Serve(listener) //nolint: wrapcheck
}

// Close stops a factory. Please pay attention that underlying listener
// is not closed.
func (p *PrometheusFactory) Close() error {
	return p.httpServer.Shutdown(context.Background()) //nolint: wrapcheck
}

func newCounter(prefix, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: prefix,
		Name:      name + "_total",
		Help:      help,
	})
}

func newGauge(prefix, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: prefix,
		Name:      name,
		Help:      help,
	})
}

// NewPrometheus builds an events.ObserverFactory which can serve HTTP
// endpoint with Prometheus scrape data.
func NewPrometheus(metricPrefix, httpPath, version string) *PrometheusFactory { //nolint: funlen
	registry := prometheus.NewPedanticRegistry()
	httpHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	mux := http.NewServeMux()

	mux.Handle(httpPath, httpHandler)

	factory := &PrometheusFactory{
		httpServer: &http.Server{
			Handler: mux,
		},

		metricDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricPrefix,
			Name:      MetricDecisions + "_total",
			Help:      "A number of admission decisions.",
		}, []string{TagVerdict, TagReason}),
		metricChallengesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricPrefix,
			Name:      MetricChallengesIssued + "_total",
			Help:      "A number of issued challenges.",
		}, []string{TagVariant}),
		metricRedirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricPrefix,
			Name:      MetricRedirects + "_total",
			Help:      "A number of requests redirected to peers.",
		}, []string{TagPeer}),
		metricRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricPrefix,
			Name:      MetricRateLimited + "_total",
			Help:      "A number of requests shed by per-identity limits.",
		}, []string{TagLimit}),
		metricInvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricPrefix,
			Name:      MetricInvariantViolations + "_total",
			Help:      "A number of detected broken invariants. Anything above zero needs attention.",
		}, []string{TagComponent}),

		metricDecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricPrefix,
			Name:      MetricDecisionDuration,
			Help:      "Duration of admission decisions including reject padding.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{TagVerdict}),

		metricChallengesSolved: newCounter(metricPrefix, MetricChallengesSolved, "A number of solved challenges."),
		metricChallengesFailed: newCounter(metricPrefix, MetricChallengesFailed,
			"A number of wrong, expired or replayed answers."),
		metricBans:             newCounter(metricPrefix, MetricBans, "A number of bans after failed challenges."),
		metricIntensityChanges: newCounter(metricPrefix, MetricIntensityChanges, "A number of intensity changes."),
		metricPoolServed:       newCounter(metricPrefix, MetricPoolServed, "A number of puzzles served from the pool."),
		metricPoolGenerated:    newCounter(metricPrefix, MetricPoolGenerated, "A number of puzzles generated in background."),
		metricPoolLoaded:       newCounter(metricPrefix, MetricPoolLoaded, "A number of puzzles loaded from overflow."),
		metricPoolDumped:       newCounter(metricPrefix, MetricPoolDumped, "A number of puzzles dumped to overflow."),
		metricPoolMisses:       newCounter(metricPrefix, MetricPoolMisses, "A number of takes from an empty pool."),

		metricIntensity:    newGauge(metricPrefix, MetricIntensity, "Current defense intensity."),
		metricPoolSize:     newGauge(metricPrefix, MetricPoolSize, "A number of ready puzzles."),
		metricPoolCapacity: newGauge(metricPrefix, MetricPoolCapacity, "Capacity of the pool."),
		metricPeersHealthy: newGauge(metricPrefix, MetricPeersHealthy, "A number of healthy peers."),
		metricPeersKnown:   newGauge(metricPrefix, MetricPeersKnown, "A number of known peers."),
		metricIsolated:     newGauge(metricPrefix, MetricIsolated, "1 if this node is isolated from the cluster."),

		metricReputationRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricPrefix,
			Name:      MetricReputationRecords,
			Help:      "A number of reputation records per state.",
		}, []string{TagState}),
		metricBuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricPrefix,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version"}),
	}

	registry.MustRegister(factory.metricDecisions)
	registry.MustRegister(factory.metricChallengesIssued)
	registry.MustRegister(factory.metricRedirects)
	registry.MustRegister(factory.metricRateLimited)
	registry.MustRegister(factory.metricInvariantViolations)

	registry.MustRegister(factory.metricDecisionDuration)

	registry.MustRegister(factory.metricChallengesSolved)
	registry.MustRegister(factory.metricChallengesFailed)
	registry.MustRegister(factory.metricBans)
	registry.MustRegister(factory.metricIntensityChanges)
	registry.MustRegister(factory.metricPoolServed)
	registry.MustRegister(factory.metricPoolGenerated)
	registry.MustRegister(factory.metricPoolLoaded)
	registry.MustRegister(factory.metricPoolDumped)
	registry.MustRegister(factory.metricPoolMisses)

	registry.MustRegister(factory.metricIntensity)
	registry.MustRegister(factory.metricPoolSize)
	registry.MustRegister(factory.metricPoolCapacity)
	registry.MustRegister(factory.metricPeersHealthy)
	registry.MustRegister(factory.metricPeersKnown)
	registry.MustRegister(factory.metricIsolated)

	registry.MustRegister(factory.metricReputationRecords)

	registry.MustRegister(factory.metricBuildInfo)
	factory.metricBuildInfo.WithLabelValues(version).Set(1)

	return factory
}
