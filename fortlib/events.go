package fortlib

import "time"

type eventBase struct {
	streamID  string
	timestamp time.Time
}

// StreamID returns a hash of the identity this event belongs to.
func (e eventBase) StreamID() string {
	return e.streamID
}

// Timestamp return a time when this event was generated.
func (e eventBase) Timestamp() time.Time {
	return e.timestamp
}

func newEventBase(streamID string) eventBase {
	return eventBase{
		streamID:  streamID,
		timestamp: time.Now(),
	}
}

// EventDecided is emitted for every decision of the engine.
type EventDecided struct {
	eventBase

	Verdict Verdict
	Reason  Reason

	// Latency is a time spent on the decision including reject padding.
	Latency time.Duration
}

// EventChallengeIssued is emitted when a challenge is bound to identity.
type EventChallengeIssued struct {
	eventBase

	Variant string
}

// EventChallengeSolved is emitted on a correct answer.
type EventChallengeSolved struct {
	eventBase
}

// EventChallengeFailed is emitted on a wrong, expired or replayed answer.
type EventChallengeFailed struct {
	eventBase
}

// EventBanned is emitted when identity crosses a failure threshold.
type EventBanned struct {
	eventBase
}

// EventRedirect is emitted when request is redirected to a peer.
type EventRedirect struct {
	eventBase

	PeerID string
}

// EventRateLimited is emitted when request is shed by per-identity limits
// before reputation lookup.
type EventRateLimited struct {
	eventBase

	// IsConcurrency is true if concurrency gate has declined a request.
	// Otherwise it was a token bucket.
	IsConcurrency bool
}

// EventInvariantViolation is emitted when some component detects broken
// internal state. This is an operator-visible alert.
type EventInvariantViolation struct {
	eventBase

	Component string
	Detail    string
}

// EventIntensityChanged is emitted when defense intensity changes.
type EventIntensityChanged struct {
	eventBase

	From int
	To   int

	// Origin is an actor for administrative changes or a peer node id for
	// synchronized ones.
	Origin string
}

// EventPoolMetrics is emitted periodically with challenge pool statistics.
type EventPoolMetrics struct {
	eventBase

	DeltaServed    uint64
	DeltaGenerated uint64
	DeltaLoaded    uint64
	DeltaDumped    uint64
	DeltaMisses    uint64

	Size     int
	Capacity int
}

// EventPeerHealth is emitted when cluster view changes.
type EventPeerHealth struct {
	eventBase

	Healthy  int
	Known    int
	Isolated bool
}

// EventReputationCounts is emitted periodically with a number of records
// per state.
type EventReputationCounts struct {
	eventBase

	Counts map[State]int
}

// NewEventDecided creates a new EventDecided event.
func NewEventDecided(streamID string, verdict Verdict, reason Reason, latency time.Duration) EventDecided {
	return EventDecided{
		eventBase: newEventBase(streamID),
		Verdict:   verdict,
		Reason:    reason,
		Latency:   latency,
	}
}

// NewEventChallengeIssued creates a new EventChallengeIssued event.
func NewEventChallengeIssued(streamID, variant string) EventChallengeIssued {
	return EventChallengeIssued{
		eventBase: newEventBase(streamID),
		Variant:   variant,
	}
}

// NewEventChallengeSolved creates a new EventChallengeSolved event.
func NewEventChallengeSolved(streamID string) EventChallengeSolved {
	return EventChallengeSolved{
		eventBase: newEventBase(streamID),
	}
}

// NewEventChallengeFailed creates a new EventChallengeFailed event.
func NewEventChallengeFailed(streamID string) EventChallengeFailed {
	return EventChallengeFailed{
		eventBase: newEventBase(streamID),
	}
}

// NewEventBanned creates a new EventBanned event.
func NewEventBanned(streamID string) EventBanned {
	return EventBanned{
		eventBase: newEventBase(streamID),
	}
}

// NewEventRedirect creates a new EventRedirect event.
func NewEventRedirect(streamID, peerID string) EventRedirect {
	return EventRedirect{
		eventBase: newEventBase(streamID),
		PeerID:    peerID,
	}
}

// NewEventRateLimited creates a new EventRateLimited event.
func NewEventRateLimited(streamID string, isConcurrency bool) EventRateLimited {
	return EventRateLimited{
		eventBase:     newEventBase(streamID),
		IsConcurrency: isConcurrency,
	}
}

// NewEventInvariantViolation creates a new EventInvariantViolation event.
func NewEventInvariantViolation(streamID, component, detail string) EventInvariantViolation {
	return EventInvariantViolation{
		eventBase: newEventBase(streamID),
		Component: component,
		Detail:    detail,
	}
}

// NewEventIntensityChanged creates a new EventIntensityChanged event.
func NewEventIntensityChanged(from, to int, origin string) EventIntensityChanged {
	return EventIntensityChanged{
		eventBase: newEventBase(""),
		From:      from,
		To:        to,
		Origin:    origin,
	}
}

// NewEventPoolMetrics creates a new EventPoolMetrics event.
func NewEventPoolMetrics(served, generated, loaded, dumped, misses uint64, size, capacity int) EventPoolMetrics {
	return EventPoolMetrics{
		eventBase:      newEventBase(""),
		DeltaServed:    served,
		DeltaGenerated: generated,
		DeltaLoaded:    loaded,
		DeltaDumped:    dumped,
		DeltaMisses:    misses,
		Size:           size,
		Capacity:       capacity,
	}
}

// NewEventPeerHealth creates a new EventPeerHealth event.
func NewEventPeerHealth(healthy, known int, isolated bool) EventPeerHealth {
	return EventPeerHealth{
		eventBase: newEventBase(""),
		Healthy:   healthy,
		Known:     known,
		Isolated:  isolated,
	}
}

// NewEventReputationCounts creates a new EventReputationCounts event.
func NewEventReputationCounts(counts map[State]int) EventReputationCounts {
	return EventReputationCounts{
		eventBase: newEventBase(""),
		Counts:    counts,
	}
}
