package fortlib

import (
	"sync/atomic"
	"time"
)

// LoadMonitor counts decisions over a sliding one-second window. The rate
// is a weighted sum of the previous full second and the current partial
// one, so it has no steps on second boundaries.
type LoadMonitor struct {
	now func() time.Time

	second   atomic.Int64
	current  atomic.Int64
	previous atomic.Int64
}

// Record registers one decision.
func (lm *LoadMonitor) Record() {
	lm.rotate(lm.now().Unix())
	lm.current.Add(1)
}

func (lm *LoadMonitor) rotate(sec int64) {
	last := lm.second.Load()
	if sec <= last || !lm.second.CompareAndSwap(last, sec) {
		return
	}

	count := lm.current.Swap(0)

	if sec == last+1 {
		lm.previous.Store(count)
	} else {
		lm.previous.Store(0)
	}
}

// Rate returns a number of decisions per second.
func (lm *LoadMonitor) Rate() float64 {
	now := lm.now()
	sec := now.Unix()
	elapsed := float64(now.Nanosecond()) / float64(time.Second)

	last := lm.second.Load()
	current := float64(lm.current.Load())
	previous := float64(lm.previous.Load())

	switch sec {
	case last:
		return previous*(1-elapsed) + current
	case last + 1:
		return current * (1 - elapsed)
	}

	return 0
}

// NewLoadMonitor creates a new load monitor.
func NewLoadMonitor(now func() time.Time) *LoadMonitor {
	if now == nil {
		now = time.Now
	}

	lm := &LoadMonitor{
		now: now,
	}
	lm.second.Store(now().Unix())

	return lm
}
