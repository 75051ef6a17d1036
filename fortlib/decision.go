package fortlib

import (
	"fmt"
	"time"
)

// Verdict is an outcome of the admission decision.
type Verdict uint8

const (
	VerdictReject Verdict = iota
	VerdictAdmit
	VerdictChallenge
	VerdictRedirect
	VerdictRetryLater
)

func (v Verdict) String() string {
	switch v {
	case VerdictReject:
		return "reject"
	case VerdictAdmit:
		return "admit"
	case VerdictChallenge:
		return "challenge"
	case VerdictRedirect:
		return "redirect"
	case VerdictRetryLater:
		return "retry-later"
	}

	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Reason is an internal cause of the verdict. It goes to logs and events
// and never to a client.
type Reason string

const (
	ReasonTrusted         Reason = "trusted"
	ReasonPassport        Reason = "passport"
	ReasonSolved          Reason = "solved"
	ReasonChallenge       Reason = "challenge"
	ReasonWrongAnswer     Reason = "wrong-answer"
	ReasonOverCapacity    Reason = "over-capacity"
	ReasonHardLimit       Reason = "hard-limit"
	ReasonPoolExhausted   Reason = "pool-exhausted"
	ReasonStoreFull       Reason = "store-full"
	ReasonBanned          Reason = "banned"
	ReasonInvalidInput    Reason = "invalid-input"
	ReasonInvalidPassport Reason = "invalid-passport"
	ReasonRateLimited     Reason = "rate-limited"
	ReasonConcurrency     Reason = "concurrency"
	ReasonInternal        Reason = "internal"
)

// Request is an input of the admission decision.
type Request struct {
	// Identity is an opaque identity tag supplied by the transport.
	Identity string

	// Passport is an optional redirect token issued by a peer.
	Passport string
}

// Submission is an answer to a previously issued challenge.
type Submission struct {
	Identity    string
	ChallengeID string
	Answer      string
}

// ChallengeView is a client-visible part of the challenge. It never
// contains an expected answer.
type ChallengeView struct {
	ID        string    `json:"id"`
	Variant   string    `json:"variant"`
	Payload   []byte    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Decision is an outcome of the engine call.
type Decision struct {
	Verdict Verdict
	Reason  Reason

	// Challenge is set for VerdictChallenge.
	Challenge *ChallengeView

	// RedirectTo and PassportToken are set for VerdictRedirect.
	RedirectTo    string
	PassportToken string

	// RetryAfter is set for VerdictRetryLater.
	RetryAfter time.Duration
}
