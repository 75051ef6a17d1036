package stats

import (
	"fmt"

	"github.com/fortify-onion/fortify/events"
	"github.com/fortify-onion/fortify/fortlib"
	statsd "github.com/smira/go-statsd"
)

// Tag formats supported by StatsD observer.
const (
	TagFormatInfluxDB = "influxdb"
	TagFormatDatadog  = "datadog"
	TagFormatGraphite = "graphite"
)

type statsdProcessor struct {
	client *statsd.Client
}

func (s statsdProcessor) EventDecided(evt fortlib.EventDecided) {
	verdict := statsd.StringTag(TagVerdict, evt.Verdict.String())

	s.client.Incr(MetricDecisions, 1, verdict, statsd.StringTag(TagReason, string(evt.Reason)))
	s.client.PrecisionTiming(MetricDecisionDuration, evt.Latency, verdict)
}

func (s statsdProcessor) EventChallengeIssued(evt fortlib.EventChallengeIssued) {
	s.client.Incr(MetricChallengesIssued, 1, statsd.StringTag(TagVariant, evt.Variant))
}

func (s statsdProcessor) EventChallengeSolved(_ fortlib.EventChallengeSolved) {
	s.client.Incr(MetricChallengesSolved, 1)
}

func (s statsdProcessor) EventChallengeFailed(_ fortlib.EventChallengeFailed) {
	s.client.Incr(MetricChallengesFailed, 1)
}

func (s statsdProcessor) EventBanned(_ fortlib.EventBanned) {
	s.client.Incr(MetricBans, 1)
}

func (s statsdProcessor) EventRedirect(evt fortlib.EventRedirect) {
	s.client.Incr(MetricRedirects, 1, statsd.StringTag(TagPeer, evt.PeerID))
}

func (s statsdProcessor) EventRateLimited(evt fortlib.EventRateLimited) {
	s.client.Incr(MetricRateLimited, 1, statsd.StringTag(TagLimit, limitTag(evt.IsConcurrency)))
}

func (s statsdProcessor) EventInvariantViolation(evt fortlib.EventInvariantViolation) {
	s.client.Incr(MetricInvariantViolations, 1, statsd.StringTag(TagComponent, evt.Component))
}

func (s statsdProcessor) EventIntensityChanged(evt fortlib.EventIntensityChanged) {
	s.client.Gauge(MetricIntensity, int64(evt.To))
	s.client.Incr(MetricIntensityChanges, 1)
}

func (s statsdProcessor) EventPoolMetrics(evt fortlib.EventPoolMetrics) {
	s.client.Incr(MetricPoolServed, int64(evt.DeltaServed))       //nolint: gosec
	s.client.Incr(MetricPoolGenerated, int64(evt.DeltaGenerated)) //nolint: gosec
	s.client.Incr(MetricPoolLoaded, int64(evt.DeltaLoaded))       //nolint: gosec
	s.client.Incr(MetricPoolDumped, int64(evt.DeltaDumped))       //nolint: gosec
	s.client.Incr(MetricPoolMisses, int64(evt.DeltaMisses))       //nolint: gosec
	s.client.Gauge(MetricPoolSize, int64(evt.Size))
	s.client.Gauge(MetricPoolCapacity, int64(evt.Capacity))
}

func (s statsdProcessor) EventPeerHealth(evt fortlib.EventPeerHealth) {
	s.client.Gauge(MetricPeersHealthy, int64(evt.Healthy))
	s.client.Gauge(MetricPeersKnown, int64(evt.Known))
	s.client.FGauge(MetricIsolated, boolGauge(evt.Isolated))
}

func (s statsdProcessor) EventReputationCounts(evt fortlib.EventReputationCounts) {
	for _, state := range fortlib.States {
		s.client.Gauge(MetricReputationRecords, int64(evt.Counts[state]), statsd.StringTag(TagState, state.String()))
	}
}

func (s statsdProcessor) Shutdown() {}

// StatsdFactory is a factory of [events.Observer] which sends metrics to
// a StatsD server. All observers share a single client.
type StatsdFactory struct {
	client *statsd.Client
}

// Make builds a new observer.
func (s *StatsdFactory) Make() events.Observer {
	return statsdProcessor{
		client: s.client,
	}
}

// Close flushes buffered metrics and stops the client.
func (s *StatsdFactory) Close() error {
	return s.client.Close() //nolint: wrapcheck
}

// NewStatsd builds an events.ObserverFactory which sends metrics to a
// StatsD server over UDP.
func NewStatsd(address, metricPrefix, tagFormat string) (*StatsdFactory, error) {
	options := []statsd.Option{
		statsd.MetricPrefix(metricPrefix + "."),
	}

	switch tagFormat {
	case TagFormatInfluxDB:
		options = append(options, statsd.TagStyle(statsd.TagFormatInfluxDB))
	case TagFormatDatadog:
		options = append(options, statsd.TagStyle(statsd.TagFormatDatadog))
	case TagFormatGraphite:
		options = append(options, statsd.TagStyle(statsd.TagFormatGraphite))
	default:
		return nil, fmt.Errorf("unknown tag format %s", tagFormat)
	}

	return &StatsdFactory{
		client: statsd.NewClient(address, options...),
	}, nil
}
