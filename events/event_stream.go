package events

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/fortify-onion/fortify/fortlib"
)

// EventStream is a default implementation of the [fortlib.EventStream]
// interface.
//
// EventStream manages a set of goroutines, observers. Main
// responsibility of the event stream is to route an event to relevant
// observer based on some hash so each observer will have all events
// which belong to some identity.
//
// Thus, EventStream can spawn many observers.
type EventStream struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	chans     []chan fortlib.Event

	// Указатель, потому что EventStream использует value receiver, atomic.Uint64 содержит noCopy.
	dropped *atomic.Uint64
}

// Send delivers event to observer.
//
// Events which follow requests are dropped if a buffer is full: a slow
// observer must never slow down admission. Periodic and operator events
// are rare and delivered blocking.
func (e EventStream) Send(ctx context.Context, evt fortlib.Event) {
	var chanNo uint32

	if streamID := evt.StreamID(); streamID != "" {
		chanNo = xxhash.ChecksumString32(streamID)
	} else {
		chanNo = rand.Uint32()
	}

	ch := e.chans[int(chanNo)%len(e.chans)]

	if followsRequest(evt) {
		select {
		case <-ctx.Done():
		case <-e.ctx.Done():
		case ch <- evt:
		default:
			e.dropped.Add(1)
		}

		return
	}

	select {
	case <-ctx.Done():
	case <-e.ctx.Done():
	case ch <- evt:
	}
}

func followsRequest(evt fortlib.Event) bool {
	switch evt.(type) {
	case fortlib.EventDecided,
		fortlib.EventRateLimited,
		fortlib.EventChallengeIssued,
		fortlib.EventChallengeSolved,
		fortlib.EventChallengeFailed,
		fortlib.EventBanned,
		fortlib.EventRedirect:
		return true
	}

	return false
}

// Dropped returns a number of dropped events since start.
func (e EventStream) Dropped() uint64 {
	return e.dropped.Load()
}

// Shutdown stops an event stream pipeline.
func (e EventStream) Shutdown() {
	e.ctxCancel()
}

// NewEventStream builds a new default event stream.
//
// If you give an empty array of observers, then NoopObserver is going
// to be used. If you give many observers, then they will process a
// message concurrently.
func NewEventStream(observerFactories []ObserverFactory) EventStream {
	if len(observerFactories) == 0 {
		observerFactories = append(observerFactories, NewNoopObserver)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rv := EventStream{
		ctx:       ctx,
		ctxCancel: cancel,
		chans:     make([]chan fortlib.Event, runtime.NumCPU()),
		dropped:   &atomic.Uint64{},
	}

	for i := 0; i < runtime.NumCPU(); i++ {
		rv.chans[i] = make(chan fortlib.Event, 64) //nolint: gomnd

		if len(observerFactories) == 1 {
			go eventStreamProcessor(ctx, rv.chans[i], observerFactories[0]())
		} else {
			go eventStreamProcessor(ctx, rv.chans[i], newMultiObserver(observerFactories))
		}
	}

	return rv
}

func eventStreamProcessor(ctx context.Context, eventChan <-chan fortlib.Event, observer Observer) { //nolint: cyclop
	defer observer.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-eventChan:
			switch typedEvt := evt.(type) {
			case fortlib.EventDecided:
				observer.EventDecided(typedEvt)
			case fortlib.EventChallengeIssued:
				observer.EventChallengeIssued(typedEvt)
			case fortlib.EventChallengeSolved:
				observer.EventChallengeSolved(typedEvt)
			case fortlib.EventChallengeFailed:
				observer.EventChallengeFailed(typedEvt)
			case fortlib.EventBanned:
				observer.EventBanned(typedEvt)
			case fortlib.EventRedirect:
				observer.EventRedirect(typedEvt)
			case fortlib.EventRateLimited:
				observer.EventRateLimited(typedEvt)
			case fortlib.EventInvariantViolation:
				observer.EventInvariantViolation(typedEvt)
			case fortlib.EventIntensityChanged:
				observer.EventIntensityChanged(typedEvt)
			case fortlib.EventPoolMetrics:
				observer.EventPoolMetrics(typedEvt)
			case fortlib.EventPeerHealth:
				observer.EventPeerHealth(typedEvt)
			case fortlib.EventReputationCounts:
				observer.EventReputationCounts(typedEvt)
			}
		}
	}
}
