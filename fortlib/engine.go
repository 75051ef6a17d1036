package fortlib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortify-onion/fortify/intensity"
)

// rateLimitedRetryAfter is a hint given to identities shed by per-identity
// limits: their buckets refill within a second.
const rateLimitedRetryAfter = time.Second

// Engine is an admission decision engine. It is safe for concurrent use.
type Engine struct {
	store     ReputationStore
	pool      ChallengePool
	dial      *intensity.Dial
	cluster   Cluster
	issuer    PassportIssuer
	validator PassportValidator
	upstream  Upstream

	limiter *RateLimiter
	load    *LoadMonitor

	rejectFloor time.Duration
	retryAfter  time.Duration
	now         func() time.Time

	eventStream EventStream
	logger      Logger
}

// Decide classifies a request.
//
// Per-identity concurrency and rate checks go first: they are cheap and
// shed load before shared state is touched. Then reputation decides:
// banned identities are rejected, trusted ones admitted. A valid passport
// admits once. The rest are challenged while load is below capacity,
// redirected to a peer above it, and asked to retry later at the hard
// limit if no peer can take them.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	started := e.now()

	e.load.Record()

	if ValidateIdentity(req.Identity) != nil {
		return e.finish(ctx, "", started, reject(ReasonInvalidInput))
	}

	streamID := IdentityHash(req.Identity)

	acquire := e.limiter.Acquire
	if e.load.Rate() >= e.dial.Thresholds().LoadHardLimit {
		// new identities get redirect or retry-later anyway
		acquire = e.limiter.AcquireTracked
	}

	release, limit := acquire(req.Identity)
	if limit != LimitNone {
		return e.finish(ctx, streamID, started, e.limited(ctx, streamID, limit))
	}

	defer release()

	return e.finish(ctx, streamID, started, e.decide(ctx, streamID, req))
}

func (e *Engine) decide(ctx context.Context, streamID string, req Request) Decision {
	state, err := e.store.State(req.Identity)
	if err != nil {
		return e.fault(ctx, streamID, "reputation", err)
	}

	switch state {
	case StateBanned:
		return reject(ReasonBanned)
	case StateTrusted:
		if err := e.store.RecordActivity(req.Identity); err != nil {
			return e.fault(ctx, streamID, "reputation", err)
		}

		return admit(ReasonTrusted)
	}

	if req.Passport != "" {
		return e.checkPassport(streamID, req.Passport)
	}

	th := e.dial.Thresholds()
	load := e.load.Rate()

	if load >= th.LoadCapacity {
		if decision, ok := e.redirect(ctx, streamID); ok {
			return decision
		}

		if load >= th.LoadHardLimit {
			return e.retryLater(ReasonHardLimit, e.retryAfter)
		}
	}

	return e.challenge(ctx, streamID, req.Identity, th, ReasonChallenge)
}

func (e *Engine) checkPassport(streamID, token string) Decision {
	if e.validator == nil {
		return reject(ReasonInvalidPassport)
	}

	if err := e.validator.Validate(token); err != nil {
		e.logger.BindStr("identity", streamID).DebugError("passport is rejected", err)

		return reject(ReasonInvalidPassport)
	}

	return admit(ReasonPassport)
}

func (e *Engine) redirect(ctx context.Context, streamID string) (Decision, bool) {
	if e.cluster == nil || e.issuer == nil {
		return Decision{}, false
	}

	peer, ok := e.cluster.RedirectTarget()
	if !ok {
		return Decision{}, false
	}

	token, err := e.issuer.Mint(peer.ID)
	if err != nil {
		e.logger.BindStr("peer", peer.ID).DebugError("cannot mint passport", err)

		return Decision{}, false
	}

	e.eventStream.Send(ctx, NewEventRedirect(streamID, peer.ID))

	return Decision{
		Verdict:       VerdictRedirect,
		Reason:        ReasonOverCapacity,
		RedirectTo:    peer.Address,
		PassportToken: token,
	}, true
}

func (e *Engine) challenge(ctx context.Context,
	streamID, id string,
	th intensity.Thresholds,
	reason Reason,
) Decision {
	if err := e.store.MarkChallenged(id); err != nil {
		switch {
		case errors.Is(err, ErrStoreFull):
			return e.retryLater(ReasonStoreFull, e.retryAfter)
		case errors.Is(err, ErrInvalidTransition):
			return reject(ReasonBanned)
		}

		return e.fault(ctx, streamID, "reputation", err)
	}

	view, err := e.pool.Issue(id, th.Difficulty)

	switch {
	case errors.Is(err, ErrPoolExhausted):
		return e.retryLater(ReasonPoolExhausted, e.retryAfter)
	case err != nil:
		return e.fault(ctx, streamID, "challenge", err)
	}

	e.eventStream.Send(ctx, NewEventChallengeIssued(streamID, view.Variant))

	return Decision{
		Verdict:   VerdictChallenge,
		Reason:    reason,
		Challenge: &view,
	}
}

// Submit verifies an answer to the challenge. A correct answer promotes
// identity to Trusted. A wrong one counts as a failure; once failures
// reach a threshold, identity is banned. Otherwise a fresh challenge is
// issued.
func (e *Engine) Submit(ctx context.Context, sub Submission) Decision {
	started := e.now()

	e.load.Record()

	if !validateSubmission(sub) {
		return e.finish(ctx, "", started, reject(ReasonInvalidInput))
	}

	streamID := IdentityHash(sub.Identity)

	release, limit := e.limiter.Acquire(sub.Identity)
	if limit != LimitNone {
		return e.finish(ctx, streamID, started, e.limited(ctx, streamID, limit))
	}

	defer release()

	return e.finish(ctx, streamID, started, e.submit(ctx, streamID, sub))
}

func (e *Engine) submit(ctx context.Context, streamID string, sub Submission) Decision {
	state, err := e.store.State(sub.Identity)
	if err != nil {
		return e.fault(ctx, streamID, "reputation", err)
	}

	if state == StateBanned {
		return reject(ReasonBanned)
	}

	if e.pool.Verify(sub.ChallengeID, sub.Identity, sub.Answer) {
		if err := e.store.Promote(sub.Identity); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return reject(ReasonBanned)
			}

			return e.fault(ctx, streamID, "reputation", err)
		}

		if e.upstream != nil {
			e.upstream.MarkTrusted(sub.Identity)
		}

		e.eventStream.Send(ctx, NewEventChallengeSolved(streamID))

		return admit(ReasonSolved)
	}

	e.eventStream.Send(ctx, NewEventChallengeFailed(streamID))

	state, err = e.store.RecordChallengeOutcome(sub.Identity, false)

	switch {
	case errors.Is(err, ErrStoreFull):
		return reject(ReasonStoreFull)
	case err != nil:
		return e.fault(ctx, streamID, "reputation", err)
	}

	switch state {
	case StateBanned:
		if e.upstream != nil {
			e.upstream.MarkBanned(sub.Identity)
		}

		e.eventStream.Send(ctx, NewEventBanned(streamID))
		e.logger.BindStr("identity", streamID).Info("identity is banned after failed challenges")

		return reject(ReasonBanned)
	case StateTrusted:
		return admit(ReasonTrusted)
	}

	return e.challenge(ctx, streamID, sub.Identity, e.dial.Thresholds(), ReasonWrongAnswer)
}

func (e *Engine) limited(ctx context.Context, streamID string, limit Limit) Decision {
	e.eventStream.Send(ctx, NewEventRateLimited(streamID, limit == LimitConcurrency))

	if limit == LimitConcurrency {
		return e.retryLater(ReasonConcurrency, rateLimitedRetryAfter)
	}

	return e.retryLater(ReasonRateLimited, rateLimitedRetryAfter)
}

// fault turns an internal error into a reject. Broken invariants are also
// an operator alert.
func (e *Engine) fault(ctx context.Context, streamID, component string, err error) Decision {
	logger := e.logger.BindStr("identity", streamID).BindStr("component", component)

	if errors.Is(err, ErrCorruptRecord) {
		logger.BindStr("invariant", "record").WarningError("internal invariant is broken", err)
		e.eventStream.Send(ctx, NewEventInvariantViolation(streamID, component, err.Error()))
	} else {
		logger.WarningError("internal fault", err)
	}

	return reject(ReasonInternal)
}

func (e *Engine) retryLater(reason Reason, after time.Duration) Decision {
	return Decision{
		Verdict:    VerdictRetryLater,
		Reason:     reason,
		RetryAfter: after,
	}
}

func (e *Engine) finish(ctx context.Context, streamID string, started time.Time, decision Decision) Decision {
	if decision.Verdict == VerdictReject {
		e.pad(ctx, started)
	}

	e.eventStream.Send(ctx, NewEventDecided(streamID, decision.Verdict, decision.Reason, e.now().Sub(started)))

	return decision
}

// pad sleeps until the reject floor since started.
func (e *Engine) pad(ctx context.Context, started time.Time) {
	wait := e.rejectFloor - e.now().Sub(started)
	if wait <= 0 {
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Load returns a current decision rate and a scaled capacity.
func (e *Engine) Load() (float64, float64) {
	return e.load.Rate(), e.dial.Thresholds().LoadCapacity
}

// TrackedIdentities returns a number of identities tracked by
// per-identity limiters.
func (e *Engine) TrackedIdentities() int {
	return e.limiter.Size()
}

// Shutdown stops background tasks of the engine.
func (e *Engine) Shutdown() {
	e.limiter.Stop()
}

func admit(reason Reason) Decision {
	return Decision{
		Verdict: VerdictAdmit,
		Reason:  reason,
	}
}

func reject(reason Reason) Decision {
	return Decision{
		Verdict: VerdictReject,
		Reason:  reason,
	}
}

// NewEngine creates a new admission engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if err := opts.valid(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	now := opts.getClock()

	return &Engine{
		store:       opts.Store,
		pool:        opts.Pool,
		dial:        opts.Dial,
		cluster:     opts.Cluster,
		issuer:      opts.Issuer,
		validator:   opts.Validator,
		upstream:    opts.Upstream,
		limiter:     NewRateLimiter(opts.Dial, opts.LimiterCleanup, int(opts.LimiterMaxEntries), now),
		load:        NewLoadMonitor(now),
		rejectFloor: opts.getRejectFloor(),
		retryAfter:  opts.getRetryAfter(),
		now:         now,
		eventStream: opts.EventStream,
		logger:      opts.getLogger("engine"),
	}, nil
}
