// Package fortlib contains the admission decision engine and the
// interfaces of its collaborators.
//
// An engine sits behind a reverse proxy. Every request arrives with an
// ephemeral identity tag (a circuit identifier forwarded in a header). For
// each request the engine answers with one verdict: admit, challenge,
// redirect to a peer, reject or retry later.
//
// The engine does not own storage, challenge generation, cryptography or
// cluster membership. These are provided through interfaces declared in
// this package and implemented elsewhere:
//
//	reputation  - identity reputation store
//	challenge   - pre-generated challenge pool
//	passport    - signed redirect tokens
//	cluster     - peer liveness and state synchronization
//	upstream    - outbound commands to the connection-governing layer
//
// Events of the engine are routed to [EventStream]; the events package
// has a default implementation.
package fortlib

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidIdentity is returned for a malformed identity tag.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrStoreFull is returned if reputation store cannot allocate a new
	// record.
	ErrStoreFull = errors.New("reputation store is full")

	// ErrCorruptRecord is returned if reputation store has detected a
	// broken invariant of some record.
	ErrCorruptRecord = errors.New("corrupt reputation record")

	// ErrInvalidTransition is returned if operation would move an identity
	// along a transition which is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPoolExhausted is returned if challenge pool has nothing to serve
	// and synchronous generation budget is spent.
	ErrPoolExhausted = errors.New("challenge pool is exhausted")

	// ErrIsolated is returned if this node cannot vouch for cluster health.
	ErrIsolated = errors.New("node is isolated from the cluster")

	// ErrNoPeers is returned if there is no healthy peer to redirect to.
	ErrNoPeers = errors.New("no healthy peers")
)

const (
	// DefaultRejectFloor is a minimal duration of every reject response.
	DefaultRejectFloor = 50 * time.Millisecond

	// DefaultRetryAfter is a hint given with retry-later verdict.
	DefaultRetryAfter = 5 * time.Second

	// DefaultPeerTimeout bounds any call to a peer made on a request path.
	DefaultPeerTimeout = 200 * time.Millisecond

	// MaxIdentityLength is a maximal length of the identity tag in bytes.
	MaxIdentityLength = 128

	// MaxAnswerLength is a maximal length of the challenge answer in bytes.
	MaxAnswerLength = 64

	// MaxChallengeIDLength is a maximal length of the challenge id.
	MaxChallengeIDLength = 64
)

// Logger defines an interface of the logger used by fortlib.
type Logger interface {
	Named(name string) Logger

	BindInt(name string, value int) Logger
	BindStr(name, value string) Logger
	BindJSON(name, value string) Logger

	Printf(format string, args ...any)
	Info(msg string)
	Warning(msg string)
	Debug(msg string)

	InfoError(msg string, err error)
	WarningError(msg string, err error)
	DebugError(msg string, err error)
}

// Event is a data structure which is populated during engine operation.
type Event interface {
	// StreamID returns a hash of the identity this event belongs to.
	StreamID() string

	// Timestamp returns a time when this event was generated.
	Timestamp() time.Time
}

// EventStream is an abstraction which accepts a set of events produced by
// an engine and routes them to observers.
type EventStream interface {
	// Send delivers an event to observers. Delivery may be dropped if a
	// context is closed.
	Send(ctx context.Context, evt Event)
}

// ReputationStore is a source of truth for identity states.
type ReputationStore interface {
	// State returns a current state of the identity. Unknown identity is
	// Unverified and no record is allocated for it.
	State(id string) (State, error)

	// RecordActivity refreshes activity timestamp of existing record.
	RecordActivity(id string) error

	// MarkChallenged moves Unverified identity into Challenged.
	MarkChallenged(id string) error

	// RecordChallengeOutcome registers a result of the challenge and
	// returns a new state of identity.
	RecordChallengeOutcome(id string, success bool) (State, error)

	// Promote moves identity into Trusted.
	Promote(id string) error
}

// ChallengePool serves challenges and verifies answers.
type ChallengePool interface {
	// Issue binds a challenge to the identity. difficulty comes from
	// intensity thresholds.
	Issue(identity string, difficulty int) (ChallengeView, error)

	// Verify consumes a challenge and checks the answer. A challenge can
	// be verified successfully at most once.
	Verify(challengeID, identity, answer string) bool
}

// PassportIssuer mints redirect tokens.
type PassportIssuer interface {
	Mint(target string) (string, error)
}

// PassportValidator checks redirect tokens addressed to this node.
type PassportValidator interface {
	Validate(token string) error
}

// Peer is a redirect target.
type Peer struct {
	ID      string  `json:"id"`
	Address string  `json:"address"`
	Load    float64 `json:"load"`
}

// Cluster exposes peer liveness to the engine.
type Cluster interface {
	// CanMint reports if this node may issue passports.
	CanMint() bool

	// RedirectTarget returns the least loaded healthy peer.
	RedirectTarget() (Peer, bool)
}

// Upstream delivers identity marks to the connection-governing layer.
// Implementations must not block.
type Upstream interface {
	MarkTrusted(id string)
	MarkBanned(id string)
}

// AntiReplayCache is an interface that is used to detect replayed
// passports. Answer may be false positive but never false negative.
type AntiReplayCache interface {
	// SeenBefore adds a digest into the cache and reports if it was
	// there already.
	SeenBefore(digest []byte) bool
}
