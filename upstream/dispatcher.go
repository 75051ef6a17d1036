package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultQueueSize     = 4096
	DefaultRetryBase     = 50 * time.Millisecond
	DefaultMaxRetries    = 4
	DefaultRetryInterval = time.Second
)

// Executor runs a single command.
type Executor interface {
	Execute(ctx context.Context, cmd Command) error
}

// DispatcherOpts defines settings of the dispatcher.
type DispatcherOpts struct {
	// Executor delivers commands.
	//
	// This is a mandatory setting.
	Executor Executor

	// Logger is a logger instance.
	//
	// This is a mandatory setting.
	Logger fortlib.Logger

	// QueueSize bounds a number of queued commands.
	//
	// This is an optional setting.
	QueueSize uint

	// RetryBase is an initial backoff between attempts.
	//
	// This is an optional setting.
	RetryBase time.Duration

	// MaxRetries is a number of retries of a single command.
	//
	// This is an optional setting.
	MaxRetries uint

	// RetryInterval is a period of redelivery of pending commands.
	//
	// This is an optional setting.
	RetryInterval time.Duration
}

// Dispatcher queues marks and delivers them in background. Enqueueing
// never blocks: if queue is full, a command goes straight into the
// pending set. Pending commands are redelivered periodically; a newer
// command for the same identity replaces an older one.
//
// Every command has a sequence number. A command which failed is kept
// only if no newer one was enqueued for the same identity since.
type Dispatcher struct {
	executor      Executor
	logger        fortlib.Logger
	queue         chan Command
	retryBase     time.Duration
	maxRetries    uint64
	retryInterval time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]Command
	// sequence number of the newest undelivered command of identity
	latest map[string]uint64
	// identities whose marks can't be sent at all
	unsent *lru.Cache[string, Mark]

	delivered atomic.Uint64
	failed    atomic.Uint64
	refused   atomic.Uint64
}

// MarkTrusted queues a trusted mark.
func (d *Dispatcher) MarkTrusted(id string) {
	d.enqueue(Command{Identity: id, Mark: MarkTrusted})
}

// MarkBanned queues a banned mark.
func (d *Dispatcher) MarkBanned(id string) {
	d.enqueue(Command{Identity: id, Mark: MarkBanned})
}

// Clear queues removal of identity from the stick table.
func (d *Dispatcher) Clear(id string) {
	d.enqueue(Command{Identity: id, Clear: true})
}

func (d *Dispatcher) enqueue(cmd Command) {
	if !Safe(cmd.Identity) {
		d.refuse(cmd)

		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	cmd.seq = d.seq
	d.latest[cmd.Identity] = cmd.seq

	select {
	case d.queue <- cmd:
		// a queued command supersedes an older pending one
		delete(d.pending, cmd.Identity)
	default:
		d.pending[cmd.Identity] = cmd
	}
}

// refuse remembers a mark which never reaches upstream, so it is reported
// as unconfirmed. Clearing it needs nothing from upstream.
func (d *Dispatcher) refuse(cmd Command) {
	d.refused.Add(1)

	if cmd.Clear {
		d.unsent.Remove(cmd.Identity)

		return
	}

	d.unsent.Add(cmd.Identity, cmd.Mark)
	d.logger.
		BindStr("identity", fortlib.IdentityHash(cmd.Identity)).
		Warning("identity cannot be sent to upstream")
}

// Run delivers commands until context is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.queue:
			d.deliver(ctx, cmd)
		case <-ticker.C:
			d.redeliver(ctx)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, cmd Command) bool {
	backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(d.retryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.executor.Execute(ctx, cmd); err != nil {
			return retry.RetryableError(err)
		}

		return nil
	})

	logger := d.logger.
		BindStr("identity", fortlib.IdentityHash(cmd.Identity)).
		BindStr("mark", d.describe(cmd))

	if err != nil {
		d.failed.Add(1)
		d.setPending(cmd)
		logger.WarningError("command is not confirmed", err)

		return false
	}

	d.delivered.Add(1)
	d.resolvePending(cmd)
	logger.Debug("command is delivered")

	return true
}

func (d *Dispatcher) redeliver(ctx context.Context) {
	d.mu.Lock()
	commands := make([]Command, 0, len(d.pending))

	for _, cmd := range d.pending {
		commands = append(commands, cmd)
	}
	d.mu.Unlock()

	for _, cmd := range commands {
		if ctx.Err() != nil || !d.deliver(ctx, cmd) {
			return
		}
	}
}

func (d *Dispatcher) setPending(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// a newer command is queued or pending already
	if d.latest[cmd.Identity] != cmd.seq {
		return
	}

	d.pending[cmd.Identity] = cmd
}

func (d *Dispatcher) resolvePending(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pending, ok := d.pending[cmd.Identity]; ok && pending.seq <= cmd.seq {
		delete(d.pending, cmd.Identity)
	}

	if d.latest[cmd.Identity] == cmd.seq {
		delete(d.latest, cmd.Identity)
	}
}

func (d *Dispatcher) describe(cmd Command) string {
	if cmd.Clear {
		return "clear"
	}

	return cmd.Mark.String()
}

// Pending returns a number of commands which wait for redelivery.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// IsPending reports if the last command for identity is not confirmed.
// Marks of identities which cannot be sent upstream are never confirmed.
func (d *Dispatcher) IsPending(id string) bool {
	if d.unsent.Contains(id) {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.pending[id]

	return ok
}

// Stats returns counters of the dispatcher.
func (d *Dispatcher) Stats() map[string]uint64 {
	return map[string]uint64{
		"delivered": d.delivered.Load(),
		"failed":    d.failed.Load(),
		"refused":   d.refused.Load(),
		"pending":   uint64(d.Pending()), //nolint: gosec
		"queued":    uint64(len(d.queue)),
	}
}

// NewDispatcher creates a new dispatcher. Call Run to start delivery.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	switch {
	case opts.Executor == nil:
		return nil, fmt.Errorf("executor is not defined")
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger is not defined")
	}

	size := int(opts.QueueSize)
	if size == 0 {
		size = DefaultQueueSize
	}

	unsent, err := lru.New[string, Mark](size)
	if err != nil {
		return nil, fmt.Errorf("cannot create a cache of refused marks: %w", err)
	}

	d := &Dispatcher{
		executor:      opts.Executor,
		logger:        opts.Logger.Named("upstream"),
		queue:         make(chan Command, size),
		retryBase:     opts.RetryBase,
		maxRetries:    uint64(opts.MaxRetries),
		retryInterval: opts.RetryInterval,
		pending:       map[string]Command{},
		latest:        map[string]uint64{},
		unsent:        unsent,
	}

	if d.retryBase == 0 {
		d.retryBase = DefaultRetryBase
	}

	if d.maxRetries == 0 {
		d.maxRetries = DefaultMaxRetries
	}

	if d.retryInterval == 0 {
		d.retryInterval = DefaultRetryInterval
	}

	return d, nil
}

var _ fortlib.Upstream = (*Dispatcher)(nil)
