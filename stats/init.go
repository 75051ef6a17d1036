// Package stats contains observers which export engine events as metrics.
//
// Prometheus observer keeps metrics in a registry and serves a scrape
// endpoint. StatsD observer pushes them over UDP.
package stats

const (
	DefaultMetricPrefix = "fortify"
	DefaultHTTPPath     = "/metrics"

	MetricDecisions           = "decisions"
	MetricDecisionDuration    = "decision_duration_seconds"
	MetricChallengesIssued    = "challenges_issued"
	MetricChallengesSolved    = "challenges_solved"
	MetricChallengesFailed    = "challenges_failed"
	MetricBans                = "bans"
	MetricRedirects           = "redirects"
	MetricRateLimited         = "rate_limited"
	MetricInvariantViolations = "invariant_violations"
	MetricIntensity           = "intensity"
	MetricIntensityChanges    = "intensity_changes"
	MetricPoolServed          = "pool_served"
	MetricPoolGenerated       = "pool_generated"
	MetricPoolLoaded          = "pool_loaded"
	MetricPoolDumped          = "pool_dumped"
	MetricPoolMisses          = "pool_misses"
	MetricPoolSize            = "pool_size"
	MetricPoolCapacity        = "pool_capacity"
	MetricPeersHealthy        = "peers_healthy"
	MetricPeersKnown          = "peers_known"
	MetricIsolated            = "isolated"
	MetricReputationRecords   = "reputation_records"

	TagVerdict   = "verdict"
	TagReason    = "reason"
	TagVariant   = "variant"
	TagPeer      = "peer"
	TagLimit     = "limit"
	TagComponent = "component"
	TagState     = "state"

	TagLimitRate        = "rate"
	TagLimitConcurrency = "concurrency"
)

func limitTag(isConcurrency bool) string {
	if isConcurrency {
		return TagLimitConcurrency
	}

	return TagLimitRate
}

func boolGauge(value bool) float64 {
	if value {
		return 1
	}

	return 0
}
