package challenge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/panjf2000/ants/v2"
)

const (
	DefaultReplenishInterval = time.Second
	DefaultDumpInterval      = 5 * time.Minute
	DefaultWorkers           = 4

	fillCritical = 0.10
	fillTarget   = 0.80
	fillSurplus  = 0.95

	cpuBusy  = 80.0
	cpuCalm  = 50.0
	cpuIdle  = 20.0
	dumpPart = 0.10

	batchCritical    = 500
	batchMaintenance = 100
)

// ReplenisherOpts defines settings of the replenisher.
type ReplenisherOpts struct {
	// Pool is a pool to fill.
	//
	// This is a mandatory setting.
	Pool *Pool

	// Logger is a logger instance.
	//
	// This is a mandatory setting.
	Logger fortlib.Logger

	// Overflow is a disk storage for surplus puzzles.
	//
	// This is an optional setting, surplus is not persisted if not set.
	Overflow *Overflow

	// CPU samples host utilization.
	//
	// This is an optional setting.
	CPU CPUSampler

	// EventStream receives pool metrics on every tick.
	//
	// This is an optional setting.
	EventStream fortlib.EventStream

	// Workers is a number of goroutines which generate puzzles.
	//
	// This is an optional setting.
	Workers uint

	// Interval is a period of the replenish loop.
	//
	// This is an optional setting.
	Interval time.Duration

	// DumpInterval is a minimal period between two dumps of surplus.
	//
	// This is an optional setting.
	DumpInterval time.Duration
}

// Replenisher is a background task which keeps a pool filled.
//
// On every tick it looks at the fill level and CPU utilization:
//
//	fill < 10%: load a snapshot from disk if CPU is busy, generate 500 otherwise
//	fill < 80% and CPU < 50%: generate 100
//	fill > 95% and CPU < 20%: move 10% of capacity to disk (once per dump interval)
//
// Outstanding challenges which have expired are swept on every tick too.
type Replenisher struct {
	pool         *Pool
	overflow     *Overflow
	cpu          CPUSampler
	workers      *ants.Pool
	logger       fortlib.Logger
	eventStream  fortlib.EventStream
	interval     time.Duration
	dumpInterval time.Duration
	lastDump     time.Time
	lastStats    Stats
}

// Run restores surplus from disk and replenishes the pool until context
// is closed. On exit the whole pool is dumped to disk.
func (r *Replenisher) Run(ctx context.Context) {
	defer r.workers.Release()

	r.restore()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.dumpAll()

			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Replenisher) tick(ctx context.Context) {
	fill := r.pool.Fill()
	load := r.cpu.Percent()
	now := r.pool.now()

	switch {
	case fill < fillCritical && load > cpuBusy && r.overflow != nil:
		if n := r.loadSnapshot(); n == 0 {
			r.generate(ctx, batchCritical)
		}
	case fill < fillCritical:
		r.generate(ctx, batchCritical)
	case fill < fillTarget && load < cpuCalm:
		r.generate(ctx, batchMaintenance)
	case fill > fillSurplus && load < cpuIdle && r.overflow != nil && now.Sub(r.lastDump) >= r.dumpInterval:
		r.dump(int(float64(r.pool.Capacity()) * dumpPart))
		r.lastDump = now
	}

	if n := r.pool.SweepExpired(); n > 0 {
		r.logger.BindInt("count", n).Debug("expired challenges are swept")
	}

	r.reportStats(ctx)
}

// generate builds n puzzles split between variants by their deficit.
func (r *Replenisher) generate(ctx context.Context, n int) {
	deficit := r.pool.Deficit()
	total := 0

	for _, d := range deficit {
		total += d
	}

	if total == 0 {
		return
	}

	n = min(n, total)
	wg := &sync.WaitGroup{}

	for v, d := range deficit {
		count := (n*d + total - 1) / total

		for i := 0; i < count; i++ {
			variant := Variant(v)

			wg.Add(1)

			err := r.workers.Submit(func() {
				defer wg.Done()

				if ctx.Err() != nil {
					return
				}

				puzzle, err := r.pool.Generate(variant)
				if err != nil {
					r.logger.WarningError("cannot generate puzzle", err)

					return
				}

				if r.pool.Put(puzzle) {
					r.pool.generated.Add(1)
				}
			})
			if err != nil {
				wg.Done()
				r.logger.WarningError("cannot submit generation task", err)

				break
			}
		}
	}

	wg.Wait()
}

func (r *Replenisher) loadSnapshot() int {
	puzzles, err := r.overflow.LoadOldest()
	if err != nil {
		r.logger.WarningError("cannot load pool snapshot", err)

		return 0
	}

	loaded := 0
	rest := []Puzzle{}

	for _, puzzle := range puzzles {
		if r.pool.Put(puzzle) {
			loaded++
		} else {
			rest = append(rest, puzzle)
		}
	}

	r.pool.loaded.Add(uint64(loaded))

	if err := r.overflow.Dump(rest); err != nil {
		r.logger.WarningError("cannot return surplus to disk", err)
	}

	return loaded
}

func (r *Replenisher) restore() {
	if r.overflow == nil {
		return
	}

	total := 0

	for r.pool.Fill() < 1 {
		n := r.loadSnapshot()
		if n == 0 {
			break
		}

		total += n
	}

	if total > 0 {
		r.logger.BindInt("count", total).Info("challenge pool is restored from disk")
	}
}

func (r *Replenisher) dump(n int) {
	puzzles := r.pool.Drain(n)
	if len(puzzles) == 0 {
		return
	}

	if err := r.overflow.Dump(puzzles); err != nil {
		r.logger.WarningError("cannot dump surplus", err)

		for _, puzzle := range puzzles {
			r.pool.Put(puzzle)
		}

		return
	}

	r.pool.dumped.Add(uint64(len(puzzles)))
}

func (r *Replenisher) dumpAll() {
	if r.overflow == nil {
		return
	}

	n := r.pool.Size()

	r.dump(n)
	r.logger.BindInt("count", n).Info("challenge pool is dumped to disk")
}

func (r *Replenisher) reportStats(ctx context.Context) {
	if r.eventStream == nil {
		return
	}

	stats := r.pool.Stats()
	last := r.lastStats
	r.lastStats = stats

	r.eventStream.Send(ctx, fortlib.NewEventPoolMetrics(
		stats.Served-last.Served,
		stats.Generated+stats.SyncGenerated-last.Generated-last.SyncGenerated,
		stats.Loaded-last.Loaded,
		stats.Dumped-last.Dumped,
		stats.Misses-last.Misses,
		stats.Size,
		stats.Capacity))
}

// NewReplenisher creates a new replenisher. Call Run to start it.
func NewReplenisher(opts ReplenisherOpts) (*Replenisher, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("pool is not defined")
	}

	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is not defined")
	}

	workers := int(opts.Workers)
	if workers == 0 {
		workers = DefaultWorkers
	}

	workerPool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("cannot build worker pool: %w", err)
	}

	rv := &Replenisher{
		pool:         opts.Pool,
		overflow:     opts.Overflow,
		cpu:          opts.CPU,
		workers:      workerPool,
		logger:       opts.Logger.Named("replenisher"),
		eventStream:  opts.EventStream,
		interval:     opts.Interval,
		dumpInterval: opts.DumpInterval,
	}

	if rv.cpu == nil {
		rv.cpu = NewSystemCPU()
	}

	if rv.interval == 0 {
		rv.interval = DefaultReplenishInterval
	}

	if rv.dumpInterval == 0 {
		rv.dumpInterval = DefaultDumpInterval
	}

	return rv, nil
}
