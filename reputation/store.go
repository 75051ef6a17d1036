// Package reputation contains an identity reputation store.
//
// Store is a sharded map of identity records. Each shard has its own lock
// so neither request handling nor periodic decay sweep serializes the
// whole store. Expiry is lazy: a read computes an effective state of the
// record without touching it, writes and sweeps persist the result.
package reputation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
)

const (
	// ShardCount is a number of independent shards.
	ShardCount = 64

	DefaultMaxRecords     = 1_000_000
	DefaultUnverifiedIdle = 10 * time.Minute
	DefaultOffenseMemory  = 24 * time.Hour
	DefaultBanMax         = 7 * 24 * time.Hour
	DefaultJournalSize    = 4096

	banReasonFailures = "challenge failures"
	banReasonCorrupt  = "corrupt record"
)

// Op is a kind of change which is propagated to the cluster.
type Op uint8

const (
	OpPromote Op = iota + 1
	OpBan
	OpUnban
)

func (o Op) String() string {
	switch o {
	case OpPromote:
		return "promote"
	case OpBan:
		return "ban"
	case OpUnban:
		return "unban"
	}

	return fmt.Sprintf("op(%d)", uint8(o))
}

// Change is an entry of the store journal.
type Change struct {
	Op     Op
	Record Record
	TTL    time.Duration
}

// Opts defines settings of the store.
type Opts struct {
	// Dial is a shared intensity handle.
	//
	// This is a mandatory setting.
	Dial *intensity.Dial

	// MaxRecords bounds memory of the store. New identities are refused
	// once a shard holds MaxRecords/ShardCount records.
	//
	// This is an optional setting.
	MaxRecords uint

	// UnverifiedIdle is a lifetime of a record without history.
	//
	// This is an optional setting.
	UnverifiedIdle time.Duration

	// OffenseMemory is a lifetime of a record of an identity which was
	// banned at least once.
	//
	// This is an optional setting.
	OffenseMemory time.Duration

	// BanMax caps exponentially growing ban duration.
	//
	// This is an optional setting.
	BanMax time.Duration

	// JournalSize is a buffer size of the change journal.
	//
	// This is an optional setting.
	JournalSize uint

	// Clock returns current time.
	//
	// This is an optional setting, time.Now by default.
	Clock func() time.Time
}

func (o Opts) getMaxPerShard() int {
	total := o.MaxRecords
	if total == 0 {
		total = DefaultMaxRecords
	}

	return max(1, int(total)/ShardCount)
}

func (o Opts) getTTLOpts() ttlOpts {
	rv := ttlOpts{
		idle:          o.UnverifiedIdle,
		offenseMemory: o.OffenseMemory,
	}

	if rv.idle == 0 {
		rv.idle = DefaultUnverifiedIdle
	}

	if rv.offenseMemory == 0 {
		rv.offenseMemory = DefaultOffenseMemory
	}

	return rv
}

func (o Opts) getBanMax() time.Duration {
	if o.BanMax == 0 {
		return DefaultBanMax
	}

	return o.BanMax
}

func (o Opts) getJournalSize() int {
	if o.JournalSize == 0 {
		return DefaultJournalSize
	}

	return int(o.JournalSize)
}

func (o Opts) getClock() func() time.Time {
	if o.Clock == nil {
		return time.Now
	}

	return o.Clock
}

type shard struct {
	mu      sync.RWMutex
	records map[string]Record
	// identities whose changes did not fit into the journal
	dirty map[string]struct{}
}

// Store is an identity reputation store.
type Store struct {
	shards     [ShardCount]shard
	dial       *intensity.Dial
	ttl        ttlOpts
	banMax     time.Duration
	maxRecords int
	now        func() time.Time

	journal        chan Change
	journalDropped atomic.Uint64
	corrupted      atomic.Uint64
}

func (s *Store) shardFor(id string) *shard {
	return &s.shards[xxhash.ChecksumString32(id)%ShardCount]
}

// State returns an effective state of the identity. It never allocates a
// record: unknown identities are Unverified.
func (s *Store) State(id string) (fortlib.State, error) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	rec, ok := sh.records[id]
	sh.mu.RUnlock()

	if !ok {
		return fortlib.StateUnverified, nil
	}

	if err := rec.check(); err != nil {
		s.quarantine(id)

		return fortlib.StateBanned, err
	}

	rec, alive := settle(rec, s.now(), s.dial.Thresholds(), s.ttl)
	if !alive {
		return fortlib.StateUnverified, nil
	}

	return rec.State, nil
}

// Snapshot returns an effective record of the identity.
func (s *Store) Snapshot(id string) (Record, bool) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	rec, ok := sh.records[id]
	sh.mu.RUnlock()

	if !ok || rec.check() != nil {
		return Record{}, false
	}

	return settle(rec, s.now(), s.dial.Thresholds(), s.ttl)
}

// RecordActivity refreshes activity of an existing record. Bans are not
// extended by activity.
func (s *Store) RecordActivity(id string) error {
	return s.update(id, false, func(rec *Record, now time.Time, _ intensity.Thresholds) (Op, error) {
		if rec.State != fortlib.StateBanned {
			rec.LastActivityAt = now
		}

		return 0, nil
	})
}

// MarkChallenged moves identity into Challenged state. Trusted identity
// stays trusted.
func (s *Store) MarkChallenged(id string) error {
	return s.update(id, true, func(rec *Record, now time.Time, _ intensity.Thresholds) (Op, error) {
		switch rec.State {
		case fortlib.StateBanned:
			return 0, fortlib.ErrInvalidTransition
		case fortlib.StateUnverified:
			rec.State = fortlib.StateChallenged
			rec.StateEnteredAt = now
		}

		rec.LastActivityAt = now

		return 0, nil
	})
}

// RecordChallengeOutcome registers a result of the challenge. Success
// promotes identity. Failure increments failure counter; once counter
// reaches a scaled threshold, identity is banned for a duration which
// doubles with every previous offense.
func (s *Store) RecordChallengeOutcome(id string, success bool) (fortlib.State, error) {
	if success {
		if err := s.Promote(id); err != nil {
			return fortlib.StateBanned, err
		}

		return fortlib.StateTrusted, nil
	}

	state := fortlib.StateBanned

	err := s.update(id, true, func(rec *Record, now time.Time, th intensity.Thresholds) (Op, error) {
		rec.LastActivityAt = now
		state = rec.State

		switch rec.State {
		case fortlib.StateBanned, fortlib.StateTrusted:
			return 0, nil
		case fortlib.StateUnverified:
			rec.State = fortlib.StateChallenged
			rec.StateEnteredAt = now
		}

		rec.Failures++
		rec.TotalFailures++

		if rec.Failures < th.FailureThreshold {
			state = rec.State

			return 0, nil
		}

		s.ban(rec, now, th, banReasonFailures)
		state = rec.State

		return OpBan, nil
	})

	return state, err
}

// Promote moves identity into Trusted state and resets failures. Banned
// identity has to be unbanned first.
func (s *Store) Promote(id string) error {
	return s.update(id, true, func(rec *Record, now time.Time, _ intensity.Thresholds) (Op, error) {
		if rec.State == fortlib.StateBanned {
			return 0, fortlib.ErrInvalidTransition
		}

		if rec.State != fortlib.StateTrusted {
			rec.State = fortlib.StateTrusted
			rec.StateEnteredAt = now
		}

		rec.Failures = 0
		rec.LastActivityAt = now

		return OpPromote, nil
	})
}

// Ban bans identity from any state. This is an administrative operation:
// it is allowed even if store is full.
func (s *Store) Ban(id, reason string) error {
	return s.update(id, false, func(rec *Record, now time.Time, th intensity.Thresholds) (Op, error) {
		s.ban(rec, now, th, reason)

		return OpBan, nil
	}, forceAllocate)
}

// Unban moves banned identity back to Unverified. History is kept so the
// next ban is longer. Unbanning of non-banned identity is a no-op.
func (s *Store) Unban(id string) error {
	return s.update(id, false, func(rec *Record, now time.Time, _ intensity.Thresholds) (Op, error) {
		if rec.State != fortlib.StateBanned {
			return 0, nil
		}

		rec.State = fortlib.StateUnverified
		rec.StateEnteredAt = now
		rec.LastActivityAt = now
		rec.BannedUntil = time.Time{}
		rec.BanReason = ""
		rec.Failures = 0

		return OpUnban, nil
	})
}

func (s *Store) ban(rec *Record, now time.Time, th intensity.Thresholds, reason string) {
	duration := th.BanDuration

	for i := 0; i < rec.Offenses && duration < s.banMax; i++ {
		duration *= 2
	}

	duration = min(duration, s.banMax)

	rec.State = fortlib.StateBanned
	rec.StateEnteredAt = now
	rec.LastActivityAt = now
	rec.BannedUntil = now.Add(duration)
	rec.BanReason = reason
	rec.Failures = 0
	rec.Offenses++
}

type updateOption uint8

const forceAllocate updateOption = 1

// update runs fn on an effective record under shard lock. If record is
// absent, it is created only when allocate is set. Record is stored only if
// fn succeeds, so callers never observe partial updates.
func (s *Store) update(id string,
	allocate bool,
	fn func(rec *Record, now time.Time, th intensity.Thresholds) (Op, error),
	opts ...updateOption,
) error {
	force := len(opts) > 0 && opts[0] == forceAllocate
	now := s.now()
	th := s.dial.Thresholds()
	sh := s.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[id]

	if ok {
		if err := rec.check(); err != nil {
			s.quarantineLocked(sh, id, rec, now, th)

			return err
		}

		rec, ok = settle(rec, now, th, s.ttl)
	}

	if !ok {
		if !allocate && !force {
			delete(sh.records, id)

			return nil
		}

		if !force && len(sh.records) >= s.maxRecords {
			if _, exists := sh.records[id]; !exists {
				return fortlib.ErrStoreFull
			}
		}

		rec = Record{
			ID:             id,
			State:          fortlib.StateUnverified,
			StateEnteredAt: now,
			LastActivityAt: now,
		}
	}

	op, err := fn(&rec, now, th)
	if err != nil {
		return err
	}

	rec.UpdatedAt = now
	sh.records[id] = rec

	if op != 0 {
		s.emit(sh, Change{
			Op:     op,
			Record: rec,
			TTL:    rec.expiresAt(th, s.ttl).Sub(now),
		})
	}

	return nil
}

func (s *Store) quarantine(id string) {
	now := s.now()
	th := s.dial.Thresholds()
	sh := s.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[id]; ok && rec.check() != nil {
		s.quarantineLocked(sh, id, rec, now, th)
	}
}

// quarantineLocked replaces a broken record with a ban of base duration.
// Fail closed at the granularity of this identity only.
func (s *Store) quarantineLocked(sh *shard, id string, broken Record, now time.Time, th intensity.Thresholds) {
	s.corrupted.Add(1)

	rec := Record{
		ID:             id,
		State:          fortlib.StateBanned,
		StateEnteredAt: now,
		LastActivityAt: now,
		UpdatedAt:      now,
		BannedUntil:    now.Add(th.BanDuration),
		BanReason:      banReasonCorrupt,
		Offenses:       max(broken.Offenses, 1),
		TotalFailures:  max(broken.TotalFailures, 0),
	}

	sh.records[id] = rec
}

// emit has to be called under a lock of sh.
func (s *Store) emit(sh *shard, change Change) {
	select {
	case s.journal <- change:
	default:
		s.journalDropped.Add(1)
		sh.dirty[change.Record.ID] = struct{}{}
	}
}

// Requeue marks identities whose changes were not propagated. They are
// returned by the next TakeDirty with their current records.
func (s *Store) Requeue(ids ...string) {
	for _, id := range ids {
		sh := s.shardFor(id)

		sh.mu.Lock()
		sh.dirty[id] = struct{}{}
		sh.mu.Unlock()
	}
}

// TakeDirty returns current records of requeued identities and of those
// whose changes overflowed the journal, and resets this set. An identity
// without a live record comes back with zero Op and TTL: its shared copy
// has to be deleted.
func (s *Store) TakeDirty() []Change {
	var rv []Change

	for i := range s.shards {
		sh := &s.shards[i]
		now := s.now()
		th := s.dial.Thresholds()

		sh.mu.Lock()

		for id := range sh.dirty {
			change := Change{Record: Record{ID: id}}

			if rec, ok := sh.records[id]; ok && rec.check() == nil {
				if settled, alive := settle(rec, now, th, s.ttl); alive {
					change = Change{
						Op:     opOf(settled),
						Record: settled,
						TTL:    settled.expiresAt(th, s.ttl).Sub(now),
					}
				}
			}

			rv = append(rv, change)
		}

		clear(sh.dirty)
		sh.mu.Unlock()
	}

	return rv
}

func opOf(rec Record) Op {
	switch rec.State {
	case fortlib.StateBanned:
		return OpBan
	case fortlib.StateTrusted:
		return OpPromote
	default:
		return OpUnban
	}
}

// Apply merges a record received from the cluster. Newer record wins.
// Applied records are not journaled again.
func (s *Store) Apply(rec Record) error {
	if err := rec.check(); err != nil {
		return fmt.Errorf("cannot apply record: %w", err)
	}

	if err := fortlib.ValidateIdentity(rec.ID); err != nil {
		return fmt.Errorf("cannot apply record: %w", err)
	}

	sh := s.shardFor(rec.ID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.records[rec.ID]
	if ok && current.UpdatedAt.After(rec.UpdatedAt) {
		return nil
	}

	if !ok && rec.State != fortlib.StateBanned && len(sh.records) >= s.maxRecords {
		return fortlib.ErrStoreFull
	}

	sh.records[rec.ID] = rec

	return nil
}

// DecaySweep evicts logically absent records and persists due transitions.
// Shards are processed one by one, so every lock is held only for the
// duration of a single shard walk. It returns a number of evicted records.
func (s *Store) DecaySweep() int {
	evicted := 0

	for i := range s.shards {
		sh := &s.shards[i]
		now := s.now()
		th := s.dial.Thresholds()

		sh.mu.Lock()

		for id, rec := range sh.records {
			if rec.check() != nil {
				s.quarantineLocked(sh, id, rec, now, th)

				continue
			}

			settled, alive := settle(rec, now, th, s.ttl)

			switch {
			case !alive:
				delete(sh.records, id)

				evicted++
			case settled.State != rec.State:
				sh.records[id] = settled
			}
		}

		sh.mu.Unlock()
	}

	return evicted
}

// Counts returns a number of records per effective state. Absent records
// are not counted.
func (s *Store) Counts() map[fortlib.State]int {
	rv := make(map[fortlib.State]int, len(fortlib.States))

	for _, state := range fortlib.States {
		rv[state] = 0
	}

	for i := range s.shards {
		sh := &s.shards[i]
		now := s.now()
		th := s.dial.Thresholds()

		sh.mu.RLock()

		for _, rec := range sh.records {
			if rec.check() != nil {
				rv[fortlib.StateBanned]++

				continue
			}

			if settled, alive := settle(rec, now, th, s.ttl); alive {
				rv[settled.State]++
			}
		}

		sh.mu.RUnlock()
	}

	return rv
}

// Len returns a number of stored records including expired but not yet
// swept ones.
func (s *Store) Len() int {
	rv := 0

	for i := range s.shards {
		s.shards[i].mu.RLock()
		rv += len(s.shards[i].records)
		s.shards[i].mu.RUnlock()
	}

	return rv
}

// Journal returns a channel of changes which have to be propagated to the
// cluster.
func (s *Store) Journal() <-chan Change {
	return s.journal
}

// JournalDropped returns a number of changes which did not fit into the
// journal because its reader was too slow. They are taken by TakeDirty.
func (s *Store) JournalDropped() uint64 {
	return s.journalDropped.Load()
}

// Unsynced returns a number of identities waiting for TakeDirty.
func (s *Store) Unsynced() int {
	rv := 0

	for i := range s.shards {
		s.shards[i].mu.RLock()
		rv += len(s.shards[i].dirty)
		s.shards[i].mu.RUnlock()
	}

	return rv
}

// Corrupted returns a number of quarantined records.
func (s *Store) Corrupted() uint64 {
	return s.corrupted.Load()
}

// TTL returns a remaining lifetime of the record.
func (s *Store) TTL(rec Record) time.Duration {
	return rec.expiresAt(s.dial.Thresholds(), s.ttl).Sub(s.now())
}

// NewStore creates a new reputation store.
func NewStore(opts Opts) (*Store, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("intensity dial is not defined")
	}

	store := &Store{
		dial:       opts.Dial,
		ttl:        opts.getTTLOpts(),
		banMax:     opts.getBanMax(),
		maxRecords: opts.getMaxPerShard(),
		now:        opts.getClock(),
		journal:    make(chan Change, opts.getJournalSize()),
	}

	for i := range store.shards {
		store.shards[i].records = make(map[string]Record)
		store.shards[i].dirty = make(map[string]struct{})
	}

	return store, nil
}

var _ fortlib.ReputationStore = (*Store)(nil)
