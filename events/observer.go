package events

import (
	"sync"

	"github.com/fortify-onion/fortify/fortlib"
)

// Observer is an instance that listens for the incoming events.
//
// Each observer is bound to a single goroutine of the event stream, so
// methods are never called concurrently for the same instance.
type Observer interface {
	EventDecided(fortlib.EventDecided)
	EventChallengeIssued(fortlib.EventChallengeIssued)
	EventChallengeSolved(fortlib.EventChallengeSolved)
	EventChallengeFailed(fortlib.EventChallengeFailed)
	EventBanned(fortlib.EventBanned)
	EventRedirect(fortlib.EventRedirect)
	EventRateLimited(fortlib.EventRateLimited)
	EventInvariantViolation(fortlib.EventInvariantViolation)
	EventIntensityChanged(fortlib.EventIntensityChanged)
	EventPoolMetrics(fortlib.EventPoolMetrics)
	EventPeerHealth(fortlib.EventPeerHealth)
	EventReputationCounts(fortlib.EventReputationCounts)

	// Shutdown is called when the event stream is closed.
	Shutdown()
}

// ObserverFactory creates a new observer for each goroutine of the event
// stream.
type ObserverFactory func() Observer

type noopObserver struct{}

func (n noopObserver) EventDecided(_ fortlib.EventDecided)                       {}
func (n noopObserver) EventChallengeIssued(_ fortlib.EventChallengeIssued)       {}
func (n noopObserver) EventChallengeSolved(_ fortlib.EventChallengeSolved)       {}
func (n noopObserver) EventChallengeFailed(_ fortlib.EventChallengeFailed)       {}
func (n noopObserver) EventBanned(_ fortlib.EventBanned)                         {}
func (n noopObserver) EventRedirect(_ fortlib.EventRedirect)                     {}
func (n noopObserver) EventRateLimited(_ fortlib.EventRateLimited)               {}
func (n noopObserver) EventInvariantViolation(_ fortlib.EventInvariantViolation) {}
func (n noopObserver) EventIntensityChanged(_ fortlib.EventIntensityChanged)     {}
func (n noopObserver) EventPoolMetrics(_ fortlib.EventPoolMetrics)               {}
func (n noopObserver) EventPeerHealth(_ fortlib.EventPeerHealth)                 {}
func (n noopObserver) EventReputationCounts(_ fortlib.EventReputationCounts)     {}
func (n noopObserver) Shutdown()                                                 {}

// NewNoopObserver returns an observer which does nothing.
func NewNoopObserver() Observer {
	return noopObserver{}
}

type multiObserver struct {
	observers []Observer
}

func (m multiObserver) each(callback func(Observer)) {
	wg := &sync.WaitGroup{}
	wg.Add(len(m.observers))

	for _, v := range m.observers {
		go func(obs Observer) {
			defer wg.Done()

			callback(obs)
		}(v)
	}

	wg.Wait()
}

func (m multiObserver) EventDecided(evt fortlib.EventDecided) {
	m.each(func(o Observer) { o.EventDecided(evt) })
}

func (m multiObserver) EventChallengeIssued(evt fortlib.EventChallengeIssued) {
	m.each(func(o Observer) { o.EventChallengeIssued(evt) })
}

func (m multiObserver) EventChallengeSolved(evt fortlib.EventChallengeSolved) {
	m.each(func(o Observer) { o.EventChallengeSolved(evt) })
}

func (m multiObserver) EventChallengeFailed(evt fortlib.EventChallengeFailed) {
	m.each(func(o Observer) { o.EventChallengeFailed(evt) })
}

func (m multiObserver) EventBanned(evt fortlib.EventBanned) {
	m.each(func(o Observer) { o.EventBanned(evt) })
}

func (m multiObserver) EventRedirect(evt fortlib.EventRedirect) {
	m.each(func(o Observer) { o.EventRedirect(evt) })
}

func (m multiObserver) EventRateLimited(evt fortlib.EventRateLimited) {
	m.each(func(o Observer) { o.EventRateLimited(evt) })
}

func (m multiObserver) EventInvariantViolation(evt fortlib.EventInvariantViolation) {
	m.each(func(o Observer) { o.EventInvariantViolation(evt) })
}

func (m multiObserver) EventIntensityChanged(evt fortlib.EventIntensityChanged) {
	m.each(func(o Observer) { o.EventIntensityChanged(evt) })
}

func (m multiObserver) EventPoolMetrics(evt fortlib.EventPoolMetrics) {
	m.each(func(o Observer) { o.EventPoolMetrics(evt) })
}

func (m multiObserver) EventPeerHealth(evt fortlib.EventPeerHealth) {
	m.each(func(o Observer) { o.EventPeerHealth(evt) })
}

func (m multiObserver) EventReputationCounts(evt fortlib.EventReputationCounts) {
	m.each(func(o Observer) { o.EventReputationCounts(evt) })
}

func (m multiObserver) Shutdown() {
	for _, v := range m.observers {
		v.Shutdown()
	}
}

func newMultiObserver(factories []ObserverFactory) Observer {
	observers := make([]Observer, len(factories))

	for i, f := range factories {
		observers[i] = f()
	}

	return multiObserver{
		observers: observers,
	}
}
