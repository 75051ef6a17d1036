package fortlib

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/fortify-onion/fortify/intensity"
	"golang.org/x/time/rate"
)

const (
	// DefaultLimiterCleanup is a period of removal of idle limiters.
	DefaultLimiterCleanup = time.Minute

	// DefaultLimiterMaxEntries bounds a number of tracked identities.
	DefaultLimiterMaxEntries = 1_000_000
)

// Limit is an outcome of RateLimiter.Acquire.
type Limit uint8

const (
	LimitNone Limit = iota
	LimitRate
	LimitConcurrency
	LimitCapacity
)

// limiterShards is a number of independent parts of the limiter map. A
// lock of one shard never blocks identities of the others.
const limiterShards = 64

type limiterEntry struct {
	limiter  *rate.Limiter
	level    atomic.Int64
	inflight atomic.Int64
	lastUsed atomic.Int64
}

type limiterShard struct {
	mu      sync.RWMutex
	entries map[string]*limiterEntry
}

// RateLimiter provides identity-based token buckets and concurrency gates.
// Limits are taken from intensity thresholds and follow intensity changes.
type RateLimiter struct {
	shards     [limiterShards]limiterShard
	size       atomic.Int64
	dial       *intensity.Dial
	cleanup    time.Duration
	maxEntries int64
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// Acquire checks if a request of the identity should be allowed. If it is,
// a caller has to call release once request is done.
func (rl *RateLimiter) Acquire(id string) (func(), Limit) {
	return rl.acquire(id, true)
}

// AcquireTracked limits only identities which are already tracked.
// Unknown ones are allowed without taking a slot, so shedding them costs
// no memory.
func (rl *RateLimiter) AcquireTracked(id string) (func(), Limit) {
	return rl.acquire(id, false)
}

func (rl *RateLimiter) acquire(id string, track bool) (func(), Limit) {
	th := rl.dial.Thresholds()

	entry, ok := rl.entry(id, th, track)

	switch {
	case entry != nil:
	case ok:
		return func() {}, LimitNone
	default:
		return nil, LimitCapacity
	}

	entry.lastUsed.Store(rl.now().UnixNano())

	if entry.inflight.Add(1) > int64(th.MaxConcurrent) {
		entry.inflight.Add(-1)

		return nil, LimitConcurrency
	}

	if int64(th.Level) != entry.level.Load() {
		entry.limiter.SetLimitAt(rl.now(), rate.Limit(th.RequestsPerSecond))
		entry.limiter.SetBurstAt(rl.now(), th.Burst)
		entry.level.Store(int64(th.Level))
	}

	if !entry.limiter.AllowN(rl.now(), 1) {
		entry.inflight.Add(-1)

		return nil, LimitRate
	}

	var once sync.Once

	return func() {
		once.Do(func() { entry.inflight.Add(-1) })
	}, LimitNone
}

func (rl *RateLimiter) shardFor(id string) *limiterShard {
	return &rl.shards[xxhash.ChecksumString32(id)%limiterShards]
}

// entry returns nil and true for an unknown identity if track is false.
func (rl *RateLimiter) entry(id string, th intensity.Thresholds, track bool) (*limiterEntry, bool) {
	shard := rl.shardFor(id)

	// Fast path: для известных идентификаторов достаточно RLock.
	shard.mu.RLock()
	entry, exists := shard.entries[id]
	shard.mu.RUnlock()

	if exists || !track {
		return entry, true
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	// Double-check после escalation: другая goroutine могла добавить
	if entry, exists = shard.entries[id]; exists {
		return entry, true
	}

	if rl.size.Add(1) > rl.maxEntries {
		rl.size.Add(-1)

		return nil, false
	}

	entry = &limiterEntry{
		limiter: rate.NewLimiter(rate.Limit(th.RequestsPerSecond), th.Burst),
	}
	entry.level.Store(int64(th.Level))
	shard.entries[id] = entry

	return entry, true
}

// Size returns a number of tracked identities.
func (rl *RateLimiter) Size() int {
	return int(rl.size.Load())
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Sweep removes limiters which were idle for two cleanup periods and have
// no requests in flight. Shards are locked one by one.
func (rl *RateLimiter) Sweep() int {
	deadline := rl.now().Add(-2 * rl.cleanup).UnixNano()
	removed := 0

	for i := range rl.shards {
		removed += rl.sweepShard(&rl.shards[i], deadline)
	}

	return removed
}

func (rl *RateLimiter) sweepShard(shard *limiterShard, deadline int64) int {
	removed := 0

	shard.mu.Lock()
	defer shard.mu.Unlock()

	for key, entry := range shard.entries {
		if entry.lastUsed.Load() < deadline && entry.inflight.Load() == 0 {
			delete(shard.entries, key)

			removed++
		}
	}

	rl.size.Add(-int64(removed))

	return removed
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

// NewRateLimiter creates a new rate limiter. cleanup is how often to clean
// up idle entries, maxEntries bounds memory: new identities beyond it are
// limited until cleanup frees some space.
func NewRateLimiter(dial *intensity.Dial, cleanup time.Duration, maxEntries int, now func() time.Time) *RateLimiter {
	if cleanup <= 0 {
		cleanup = DefaultLimiterCleanup
	}

	if maxEntries <= 0 {
		maxEntries = DefaultLimiterMaxEntries
	}

	if now == nil {
		now = time.Now
	}

	rl := &RateLimiter{
		dial:       dial,
		cleanup:    cleanup,
		maxEntries: int64(maxEntries),
		now:        now,
		stopCh:     make(chan struct{}),
	}

	for i := range rl.shards {
		rl.shards[i].entries = make(map[string]*limiterEntry)
	}

	go rl.cleanupLoop()

	return rl
}
