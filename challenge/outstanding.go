package challenge

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
)

const outstandingShards = 32

type outstandingEntry struct {
	identity  string
	variant   Variant
	digest    [sha256.Size]byte
	expiresAt time.Time
}

type outstandingShard struct {
	mu      sync.Mutex
	entries map[string]outstandingEntry
}

// outstandingTable holds challenges which were issued and not yet
// verified. Lookup and delete happen under one lock, so a challenge can be
// taken at most once.
type outstandingTable struct {
	shards  [outstandingShards]outstandingShard
	size    atomic.Int64
	maxSize int64
}

func (o *outstandingTable) shardFor(id string) *outstandingShard {
	return &o.shards[xxhash.ChecksumString32(id)%outstandingShards]
}

func (o *outstandingTable) put(id string, entry outstandingEntry) bool {
	if o.size.Add(1) > o.maxSize {
		o.size.Add(-1)

		return false
	}

	sh := o.shardFor(id)

	sh.mu.Lock()
	sh.entries[id] = entry
	sh.mu.Unlock()

	return true
}

func (o *outstandingTable) take(id string) (outstandingEntry, bool) {
	sh := o.shardFor(id)

	sh.mu.Lock()
	entry, ok := sh.entries[id]

	if ok {
		delete(sh.entries, id)
	}

	sh.mu.Unlock()

	if ok {
		o.size.Add(-1)
	}

	return entry, ok
}

// sweep removes expired entries shard by shard.
func (o *outstandingTable) sweep(now time.Time) int {
	removed := 0

	for i := range o.shards {
		sh := &o.shards[i]

		sh.mu.Lock()

		for id, entry := range sh.entries {
			if !now.Before(entry.expiresAt) {
				delete(sh.entries, id)

				removed++
			}
		}

		sh.mu.Unlock()
	}

	o.size.Add(-int64(removed))

	return removed
}

func (o *outstandingTable) len() int {
	return int(o.size.Load())
}

func newOutstandingTable(maxSize int) *outstandingTable {
	table := &outstandingTable{
		maxSize: int64(maxSize),
	}

	for i := range table.shards {
		table.shards[i].entries = make(map[string]outstandingEntry)
	}

	return table
}
