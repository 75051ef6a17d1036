package intensity

import (
	"sync"
	"sync/atomic"
)

// Dial is a shared handle to the current intensity level.
//
// Readers do a single atomic load of precomputed thresholds. Writers
// compute a new snapshot and swap it. Subscribers get the latest snapshot
// through a channel with a buffer of 1: if a subscriber is slow, it skips
// intermediate values and sees the last one.
type Dial struct {
	table   Table
	current atomic.Pointer[Thresholds]

	mu          sync.Mutex
	subscribers []chan Thresholds
}

// Level returns the current intensity level.
func (d *Dial) Level() int {
	return d.current.Load().Level
}

// Thresholds returns thresholds for the current level.
func (d *Dial) Thresholds() Thresholds {
	return *d.current.Load()
}

// Table returns a mapping table this dial computes thresholds from.
func (d *Dial) Table() Table {
	return d.table
}

// Set changes the level. It returns new thresholds and a flag if the level
// has actually changed.
func (d *Dial) Set(level int) (Thresholds, bool) {
	level = Clamp(level)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current.Load().Level == level {
		return *d.current.Load(), false
	}

	computed := Compute(level, d.table)
	d.current.Store(&computed)

	for _, ch := range d.subscribers {
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- computed:
		default:
		}
	}

	return computed, true
}

// Subscribe returns a channel which receives thresholds on every change.
func (d *Dial) Subscribe() <-chan Thresholds {
	ch := make(chan Thresholds, 1)

	d.mu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.mu.Unlock()

	return ch
}

// NewDial creates a new dial set to the given level.
func NewDial(level int, table Table) *Dial {
	dial := &Dial{
		table: table,
	}

	computed := Compute(level, table)
	dial.current.Store(&computed)

	return dial
}
