package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/fortify-onion/fortify/reputation"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultDedupSize         = 65536
	DefaultDedupTTL          = 10 * time.Minute
	DefaultReconcileInterval = time.Second

	// propagateBatch is a maximum number of changes in one pipeline.
	propagateBatch = 256

	resubscribeBase = 100 * time.Millisecond
	resubscribeMax  = 5 * time.Second
)

// SyncKind is a kind of payload of a sync message.
type SyncKind string

const (
	SyncRecord    SyncKind = "record"
	SyncIntensity SyncKind = "intensity"
)

// SyncMessage is published to all nodes on every shared change.
type SyncMessage struct {
	ID        string             `json:"id"`
	Origin    string             `json:"origin"`
	Kind      SyncKind           `json:"kind"`
	Record    *reputation.Record `json:"record,omitempty"`
	Intensity *int               `json:"intensity,omitempty"`
	SentAt    time.Time          `json:"sent_at"`
}

// SyncerOpts defines settings of the syncer.
type SyncerOpts struct {
	// Store is a local reputation store.
	//
	// This is a mandatory setting.
	Store *reputation.Store

	// Dial is a shared intensity handle.
	//
	// This is a mandatory setting.
	Dial *intensity.Dial

	// Shared is a store shared by all nodes.
	//
	// This is a mandatory setting.
	Shared *RedisStore

	// NodeID is an identifier of this node.
	//
	// This is a mandatory setting.
	NodeID string

	// Logger is a logger instance.
	//
	// This is a mandatory setting.
	Logger fortlib.Logger

	// EventStream receives intensity changes.
	//
	// This is an optional setting.
	EventStream fortlib.EventStream

	// DedupSize is a number of remembered message ids.
	//
	// This is an optional setting.
	DedupSize int

	// DedupTTL is a time a message id is remembered.
	//
	// This is an optional setting.
	DedupTTL time.Duration

	// ReconcileInterval is a period of propagation of changes which
	// overflowed the journal or failed to reach the shared store.
	//
	// This is an optional setting.
	ReconcileInterval time.Duration
}

// Syncer propagates local changes to the cluster and applies changes of
// other nodes.
type Syncer struct {
	store       *reputation.Store
	dial        *intensity.Dial
	shared      *RedisStore
	nodeID      string
	logger      fortlib.Logger
	eventStream fortlib.EventStream
	seen        *expirable.LRU[string, struct{}]
	reconcile   time.Duration
}

// Bootstrap loads intensity and all reputation records from the shared
// store.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	level, ok, err := s.shared.LoadIntensity(ctx)
	if err != nil {
		return err
	}

	if ok {
		s.applyIntensity(ctx, level, "bootstrap")
	}

	loaded := 0

	skipped, err := s.shared.ScanRecords(ctx, func(rec reputation.Record) {
		if err := s.store.Apply(rec); err != nil {
			s.logger.DebugError("cannot apply stored record", err)

			return
		}

		loaded++
	})
	if err != nil {
		return err
	}

	s.logger.
		BindInt("loaded", loaded).
		BindInt("skipped", skipped).
		BindInt("intensity", s.dial.Level()).
		Info("reputation is loaded from shared store")

	return nil
}

// Run publishes local changes and applies remote ones until context is
// closed. Changes which could not be propagated are retried every
// reconcile interval with their latest records.
func (s *Syncer) Run(ctx context.Context) {
	go s.subscribe(ctx)

	ticker := time.NewTicker(s.reconcile)
	defer ticker.Stop()

	batch := make([]reputation.Change, 0, propagateBatch)

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-s.store.Journal():
			batch = append(batch[:0], change)
			batch = s.drainJournal(batch)
			s.propagate(ctx, batch)
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

func (s *Syncer) drainJournal(batch []reputation.Change) []reputation.Change {
	for len(batch) < propagateBatch {
		select {
		case change := <-s.store.Journal():
			batch = append(batch, change)
		default:
			return batch
		}
	}

	return batch
}

// Reconcile propagates changes which overflowed the journal or failed
// before.
func (s *Syncer) Reconcile(ctx context.Context) {
	changes := s.store.TakeDirty()

	for len(changes) > 0 && ctx.Err() == nil {
		n := min(len(changes), propagateBatch)
		s.propagate(ctx, changes[:n])
		changes = changes[n:]
	}

	if len(changes) > 0 {
		s.requeue(changes)
	}
}

func (s *Syncer) propagate(ctx context.Context, changes []reputation.Change) {
	messages := make([]SyncMessage, 0, len(changes))

	for i := range changes {
		// only a deletion of an absent record has no op
		if changes[i].Op == 0 {
			continue
		}

		messages = append(messages, SyncMessage{
			ID:     uuid.NewString(),
			Origin: s.nodeID,
			Kind:   SyncRecord,
			Record: &changes[i].Record,
			SentAt: time.Now(),
		})
	}

	if err := s.shared.Propagate(ctx, changes, messages); err != nil {
		s.logger.
			BindInt("changes", len(changes)).
			WarningError("cannot propagate changes, will retry", err)
		s.requeue(changes)

		return
	}

	for _, change := range changes {
		s.logger.
			BindStr("identity", fortlib.IdentityHash(change.Record.ID)).
			BindStr("op", change.Op.String()).
			Debug("change is propagated")
	}
}

func (s *Syncer) requeue(changes []reputation.Change) {
	ids := make([]string, len(changes))

	for i, change := range changes {
		ids[i] = change.Record.ID
	}

	s.store.Requeue(ids...)
}

// SetIntensity applies intensity locally and then shares it with the
// cluster. Local change is kept even if sharing has failed.
func (s *Syncer) SetIntensity(ctx context.Context, level int, origin string) (intensity.Thresholds, error) {
	th := s.applyIntensity(ctx, level, origin)

	if err := s.shared.SaveIntensity(ctx, th.Level); err != nil {
		return th, fmt.Errorf("cannot save intensity: %w", err)
	}

	err := s.shared.Publish(ctx, SyncMessage{
		ID:        uuid.NewString(),
		Origin:    s.nodeID,
		Kind:      SyncIntensity,
		Intensity: &th.Level,
		SentAt:    time.Now(),
	})
	if err != nil {
		return th, fmt.Errorf("cannot publish intensity: %w", err)
	}

	return th, nil
}

func (s *Syncer) applyIntensity(ctx context.Context, level int, origin string) intensity.Thresholds {
	from := s.dial.Level()
	th, changed := s.dial.Set(level)

	if !changed {
		return th
	}

	s.logger.
		BindInt("from", from).
		BindInt("to", th.Level).
		BindStr("origin", origin).
		Info("intensity is changed")

	if s.eventStream != nil {
		s.eventStream.Send(ctx, fortlib.NewEventIntensityChanged(from, th.Level, origin))
	}

	return th
}

func (s *Syncer) subscribe(ctx context.Context) {
	backoff := retry.WithCappedDuration(resubscribeMax, retry.NewExponential(resubscribeBase))

	retry.Do(ctx, backoff, func(ctx context.Context) error { //nolint: errcheck
		pubsub, err := s.shared.Subscribe(ctx)
		if err != nil {
			s.logger.DebugError("cannot subscribe to sync channel", err)

			return retry.RetryableError(err)
		}

		defer pubsub.Close()

		messages := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return retry.RetryableError(fmt.Errorf("sync channel is closed"))
				}

				s.Handle(ctx, []byte(msg.Payload))
			}
		}
	})
}

// Handle applies a raw sync message. Own and already seen messages are
// ignored.
func (s *Syncer) Handle(ctx context.Context, payload []byte) {
	msg := SyncMessage{}

	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.DebugError("malformed sync message", err)

		return
	}

	if msg.Origin == s.nodeID || msg.ID == "" || s.seen.Contains(msg.ID) {
		return
	}

	s.seen.Add(msg.ID, struct{}{})

	switch {
	case msg.Kind == SyncRecord && msg.Record != nil:
		if err := s.store.Apply(*msg.Record); err != nil {
			s.logger.
				BindStr("origin", msg.Origin).
				DebugError("cannot apply record", err)
		}
	case msg.Kind == SyncIntensity && msg.Intensity != nil:
		s.applyIntensity(ctx, *msg.Intensity, msg.Origin)
	default:
		s.logger.BindStr("kind", string(msg.Kind)).Debug("unknown sync message")
	}
}

// NewSyncer creates a new syncer.
func NewSyncer(opts SyncerOpts) (*Syncer, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("reputation store is not defined")
	case opts.Dial == nil:
		return nil, fmt.Errorf("intensity dial is not defined")
	case opts.Shared == nil:
		return nil, fmt.Errorf("shared store is not defined")
	case opts.NodeID == "":
		return nil, fmt.Errorf("node id is not defined")
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger is not defined")
	}

	size := opts.DedupSize
	if size == 0 {
		size = DefaultDedupSize
	}

	ttl := opts.DedupTTL
	if ttl == 0 {
		ttl = DefaultDedupTTL
	}

	reconcile := opts.ReconcileInterval
	if reconcile == 0 {
		reconcile = DefaultReconcileInterval
	}

	return &Syncer{
		reconcile:   reconcile,
		store:       opts.Store,
		dial:        opts.Dial,
		shared:      opts.Shared,
		nodeID:      opts.NodeID,
		logger:      opts.Logger.Named("sync"),
		eventStream: opts.EventStream,
		seen:        expirable.NewLRU[string, struct{}](size, nil, ttl),
	}, nil
}
