package reputation

import (
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
)

// Record is a reputation of a single identity.
type Record struct {
	ID    string        `json:"id"`
	State fortlib.State `json:"state"`

	// Failures is a count of failed challenges since last promotion or
	// ban. TotalFailures and Offenses are history: they survive ban expiry.
	Failures      int `json:"failures"`
	TotalFailures int `json:"total_failures"`
	Offenses      int `json:"offenses"`

	StateEnteredAt time.Time `json:"state_entered_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	BannedUntil time.Time `json:"banned_until,omitzero"`
	BanReason   string    `json:"ban_reason,omitempty"`
}

func (r Record) check() error {
	if !r.State.Valid() {
		return fortlib.ErrCorruptRecord
	}

	if r.State == fortlib.StateBanned && r.BannedUntil.IsZero() {
		return fortlib.ErrCorruptRecord
	}

	if r.Failures < 0 || r.Offenses < 0 || r.TotalFailures < r.Failures {
		return fortlib.ErrCorruptRecord
	}

	return nil
}

// expiresAt returns a time after which a record is logically absent
// unless something happens to it.
func (r Record) expiresAt(th intensity.Thresholds, opts ttlOpts) time.Time {
	switch r.State {
	case fortlib.StateBanned:
		return r.BannedUntil.Add(opts.unverifiedIdle(r))
	case fortlib.StateTrusted:
		return r.LastActivityAt.Add(max(th.TrustedIdle, opts.unverifiedIdle(r)))
	case fortlib.StateChallenged:
		return r.LastActivityAt.Add(max(th.ChallengeTTL, opts.unverifiedIdle(r)))
	}

	return r.LastActivityAt.Add(opts.unverifiedIdle(r))
}

type ttlOpts struct {
	idle          time.Duration
	offenseMemory time.Duration
}

func (t ttlOpts) unverifiedIdle(r Record) time.Duration {
	if r.Offenses > 0 {
		return t.offenseMemory
	}

	return t.idle
}

// settle applies all lazy transitions which are due at now. It returns
// false if record is logically absent.
//
//	Banned  -> Unverified when ban is over
//	Trusted -> Unverified after idle window
//	Challenged -> Unverified after challenge ttl
//	Unverified -> absent after idle window
func settle(r Record, now time.Time, th intensity.Thresholds, opts ttlOpts) (Record, bool) {
	switch r.State {
	case fortlib.StateBanned:
		if now.Before(r.BannedUntil) {
			return r, true
		}

		r.State = fortlib.StateUnverified
		r.StateEnteredAt = r.BannedUntil
		r.LastActivityAt = r.BannedUntil
		r.BannedUntil = time.Time{}
		r.BanReason = ""
		r.Failures = 0
	case fortlib.StateTrusted:
		if now.Sub(r.LastActivityAt) <= th.TrustedIdle {
			return r, true
		}

		r.State = fortlib.StateUnverified
		r.StateEnteredAt = r.LastActivityAt.Add(th.TrustedIdle)
	case fortlib.StateChallenged:
		if now.Sub(r.LastActivityAt) <= th.ChallengeTTL {
			return r, true
		}

		r.State = fortlib.StateUnverified
		r.StateEnteredAt = r.LastActivityAt.Add(th.ChallengeTTL)
		r.Failures = 0
	}

	if now.Sub(r.LastActivityAt) > opts.unverifiedIdle(r) {
		return r, false
	}

	return r, true
}
