package antireplay

import (
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/fortify-onion/fortify/fortlib"
	boom "github.com/tylertreat/BoomFilters"
)

// Metrics is a snapshot of cache counters.
type Metrics struct {
	TotalChecks    uint64 `json:"total_checks"`
	ReplayDetected uint64 `json:"replay_detected"`
	UniqueTokens   uint64 `json:"unique_tokens"`
	Cells          uint   `json:"cells"`
	// upper bound of the false positive rate in a stable state
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

// StableBloomFilter is a passport nonce cache based on a stable bloom
// filter. Memory is fixed; old nonces are gradually evicted.
type StableBloomFilter struct {
	filter boom.StableBloomFilter
	mutex  sync.Mutex

	totalChecks    atomic.Uint64
	replayDetected atomic.Uint64
	uniqueTokens   atomic.Uint64
}

func (s *StableBloomFilter) SeenBefore(digest []byte) bool {
	s.totalChecks.Add(1)

	s.mutex.Lock()
	seen := s.filter.TestAndAdd(digest)
	s.mutex.Unlock()

	if seen {
		s.replayDetected.Add(1)
	} else {
		s.uniqueTokens.Add(1)
	}

	return seen
}

// Metrics returns current counters.
func (s *StableBloomFilter) Metrics() Metrics {
	s.mutex.Lock()
	cells := s.filter.Cells()
	fpRate := s.filter.FalsePositiveRate()
	s.mutex.Unlock()

	return Metrics{
		TotalChecks:       s.totalChecks.Load(),
		ReplayDetected:    s.replayDetected.Load(),
		UniqueTokens:      s.uniqueTokens.Load(),
		Cells:             cells,
		FalsePositiveRate: fpRate,
	}
}

// NewStableBloomFilter returns an anti-replay cache.
//
// byteSize is a memory of the filter (0 for default), errorRate is a
// desired false positive rate (negative for default).
func NewStableBloomFilter(byteSize uint, errorRate float64) *StableBloomFilter {
	if byteSize == 0 {
		byteSize = DefaultStableBloomFilterMaxSize
	}

	if errorRate < 0 {
		errorRate = DefaultStableBloomFilterErrorRate
	}

	sf := boom.NewDefaultStableBloomFilter(byteSize*8, errorRate) //nolint: gomnd
	sf.SetHash(xxhash.New64())

	return &StableBloomFilter{
		filter: *sf,
	}
}

var _ fortlib.AntiReplayCache = (*StableBloomFilter)(nil)
