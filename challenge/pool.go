// Package challenge contains a pool of pre-generated challenges.
//
// Generation is expensive, serving must be cheap. Pool keeps a ring buffer
// per variant (a buffered channel: non-blocking O(1) receive) which is
// filled in background by [Replenisher]. Issued challenges are bound to an
// identity in a sharded table; verification takes an entry out of the
// table atomically, so a challenge is verified at most once.
package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"golang.org/x/time/rate"
)

const (
	DefaultCapacity       = 4000
	DefaultMaxOutstanding = 1 << 18

	challengeIDSize = 32
)

// Puzzle is a pre-generated challenge. Expected answer is kept only as a
// digest of its normalized form.
type Puzzle struct {
	Variant     Variant           `cbor:"1,keyasint"`
	Payload     []byte            `cbor:"2,keyasint"`
	Digest      [sha256.Size]byte `cbor:"3,keyasint"`
	GeneratedAt time.Time         `cbor:"4,keyasint"`
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Served        uint64 `json:"served"`
	Generated     uint64 `json:"generated"`
	SyncGenerated uint64 `json:"sync_generated"`
	Loaded        uint64 `json:"loaded"`
	Dumped        uint64 `json:"dumped"`
	Misses        uint64 `json:"misses"`
	Outstanding   int    `json:"outstanding"`

	Size     int            `json:"size"`
	Capacity int            `json:"capacity"`
	Fill     map[string]int `json:"fill"`
}

// PoolOpts defines settings of the pool.
type PoolOpts struct {
	// Dial is a shared intensity handle.
	//
	// This is a mandatory setting.
	Dial *intensity.Dial

	// Capacity is a total number of puzzles kept in memory. It is split
	// evenly between variants.
	//
	// This is an optional setting.
	Capacity uint

	// MaxOutstanding bounds a number of issued but not verified
	// challenges.
	//
	// This is an optional setting.
	MaxOutstanding uint

	// Clock returns current time.
	//
	// This is an optional setting.
	Clock func() time.Time
}

func (p PoolOpts) getCapacityPerVariant() int {
	total := p.Capacity
	if total == 0 {
		total = DefaultCapacity
	}

	return max(1, int(total)/int(variantCount))
}

func (p PoolOpts) getMaxOutstanding() int {
	if p.MaxOutstanding == 0 {
		return DefaultMaxOutstanding
	}

	return int(p.MaxOutstanding)
}

func (p PoolOpts) getClock() func() time.Time {
	if p.Clock == nil {
		return time.Now
	}

	return p.Clock
}

// Pool is a challenge pool.
type Pool struct {
	rings       [variantCount]chan Puzzle
	perVariant  int
	outstanding *outstandingTable
	dial        *intensity.Dial
	now         func() time.Time

	seedMutex sync.Mutex
	seeds     *mrand.ChaCha8

	budget      *rate.Limiter
	budgetLevel atomic.Int64

	served        atomic.Uint64
	generated     atomic.Uint64
	syncGenerated atomic.Uint64
	loaded        atomic.Uint64
	dumped        atomic.Uint64
	misses        atomic.Uint64
}

// Take returns a puzzle for the difficulty. It never blocks. If a ring of
// the chosen variant is empty, only harder variants are tried.
func (p *Pool) Take(difficulty int) (Puzzle, bool) {
	chosen := pickVariant(difficulty, mrand.IntN)

	for v := chosen; v < variantCount; v++ {
		select {
		case puzzle := <-p.rings[v]:
			p.served.Add(1)

			return puzzle, true
		default:
		}
	}

	p.misses.Add(1)

	return Puzzle{}, false
}

// Issue takes a puzzle, binds it to identity and returns a client view.
// On empty pool a puzzle is generated synchronously within a budget which
// depends on intensity.
func (p *Pool) Issue(identity string, difficulty int) (fortlib.ChallengeView, error) {
	puzzle, ok := p.Take(difficulty)
	if !ok {
		var err error

		if puzzle, err = p.generateSync(difficulty); err != nil {
			return fortlib.ChallengeView{}, err
		}
	}

	id, err := newChallengeID()
	if err != nil {
		return fortlib.ChallengeView{}, fmt.Errorf("cannot generate challenge id: %w", err)
	}

	expiresAt := p.now().Add(p.dial.Thresholds().ChallengeTTL)

	if !p.outstanding.put(id, outstandingEntry{
		identity:  identity,
		variant:   puzzle.Variant,
		digest:    puzzle.Digest,
		expiresAt: expiresAt,
	}) {
		return fortlib.ChallengeView{}, fortlib.ErrPoolExhausted
	}

	return fortlib.ChallengeView{
		ID:        id,
		Variant:   puzzle.Variant.String(),
		Payload:   puzzle.Payload,
		ExpiresAt: expiresAt,
	}, nil
}

func (p *Pool) generateSync(difficulty int) (Puzzle, error) {
	th := p.dial.Thresholds()

	if int64(th.Level) != p.budgetLevel.Load() {
		p.budget.SetLimit(rate.Limit(th.SyncGenerationBudget))
		p.budget.SetBurst(max(1, int(th.SyncGenerationBudget)))
		p.budgetLevel.Store(int64(th.Level))
	}

	if !p.budget.Allow() {
		return Puzzle{}, fortlib.ErrPoolExhausted
	}

	puzzle, err := p.Generate(pickVariant(difficulty, mrand.IntN))
	if err != nil {
		return Puzzle{}, fmt.Errorf("cannot generate puzzle: %w", err)
	}

	p.syncGenerated.Add(1)

	return puzzle, nil
}

// Verify consumes a challenge and checks an answer. It returns true only
// if challenge exists, is not expired, was issued to the same identity and
// the answer is correct. Second call with the same id always fails.
func (p *Pool) Verify(challengeID, identity, answer string) bool {
	entry, ok := p.outstanding.take(challengeID)
	if !ok {
		// keep the timing of a miss close to the timing of a hit
		entry.variant = VariantGlyphs4
	}

	digest := entry.variant.digest(answer)
	answerOK := subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1
	identityOK := subtle.ConstantTimeCompare([]byte(identity), []byte(entry.identity)) == 1

	return ok && answerOK && identityOK && p.now().Before(entry.expiresAt)
}

// Generate builds a new puzzle of the variant. It does not put it into the
// pool.
func (p *Pool) Generate(v Variant) (Puzzle, error) {
	var seed [32]byte

	p.seedMutex.Lock()
	p.seeds.Read(seed[:]) //nolint: errcheck
	p.seedMutex.Unlock()

	rng := mrand.New(mrand.NewChaCha8(seed))

	puzzle, err := v.generate(rng)
	if err != nil {
		return Puzzle{}, err
	}

	puzzle.GeneratedAt = p.now()

	return puzzle, nil
}

// Put adds a puzzle into its ring. It returns false if ring is full.
func (p *Pool) Put(puzzle Puzzle) bool {
	if !puzzle.Variant.Valid() {
		return false
	}

	select {
	case p.rings[puzzle.Variant] <- puzzle:
		return true
	default:
		return false
	}
}

// Drain takes up to n puzzles out of the pool, from the fullest rings
// first.
func (p *Pool) Drain(n int) []Puzzle {
	rv := make([]Puzzle, 0, n)

	for len(rv) < n {
		fullest := -1

		for v := range p.rings {
			if len(p.rings[v]) > 0 && (fullest < 0 || len(p.rings[v]) > len(p.rings[fullest])) {
				fullest = v
			}
		}

		if fullest < 0 {
			break
		}

		select {
		case puzzle := <-p.rings[fullest]:
			rv = append(rv, puzzle)
		default:
		}
	}

	return rv
}

// Deficit returns a number of free slots per variant.
func (p *Pool) Deficit() [variantCount]int {
	var rv [variantCount]int

	for v := range p.rings {
		rv[v] = p.perVariant - len(p.rings[v])
	}

	return rv
}

// Size returns a number of puzzles in the pool.
func (p *Pool) Size() int {
	rv := 0

	for v := range p.rings {
		rv += len(p.rings[v])
	}

	return rv
}

// Capacity returns a maximal number of puzzles in the pool.
func (p *Pool) Capacity() int {
	return p.perVariant * int(variantCount)
}

// Fill returns a ratio of filled slots, 0..1.
func (p *Pool) Fill() float64 {
	return float64(p.Size()) / float64(p.Capacity())
}

// SweepExpired removes expired outstanding challenges.
func (p *Pool) SweepExpired() int {
	return p.outstanding.sweep(p.now())
}

// Stats returns current counters of the pool.
func (p *Pool) Stats() Stats {
	fill := make(map[string]int, variantCount)

	for v := range p.rings {
		fill[Variant(v).String()] = len(p.rings[v])
	}

	return Stats{
		Served:        p.served.Load(),
		Generated:     p.generated.Load(),
		SyncGenerated: p.syncGenerated.Load(),
		Loaded:        p.loaded.Load(),
		Dumped:        p.dumped.Load(),
		Misses:        p.misses.Load(),
		Outstanding:   p.outstanding.len(),
		Size:          p.Size(),
		Capacity:      p.Capacity(),
		Fill:          fill,
	}
}

func newChallengeID() (string, error) {
	buf := make([]byte, challengeIDSize)

	if _, err := rand.Read(buf); err != nil {
		return "", err //nolint: wrapcheck
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewPool creates an empty challenge pool.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("intensity dial is not defined")
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("cannot seed generator: %w", err)
	}

	th := opts.Dial.Thresholds()
	pool := &Pool{
		perVariant:  opts.getCapacityPerVariant(),
		outstanding: newOutstandingTable(opts.getMaxOutstanding()),
		dial:        opts.Dial,
		now:         opts.getClock(),
		seeds:       mrand.NewChaCha8(seed),
		budget:      rate.NewLimiter(rate.Limit(th.SyncGenerationBudget), max(1, int(th.SyncGenerationBudget))),
	}

	pool.budgetLevel.Store(int64(th.Level))

	for v := range pool.rings {
		pool.rings[v] = make(chan Puzzle, pool.perVariant)
	}

	return pool, nil
}

var _ fortlib.ChallengePool = (*Pool)(nil)
