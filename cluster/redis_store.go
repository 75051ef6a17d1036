package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/reputation"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	DefaultKeyPrefix = "fortify:"

	keyRecordPrefix = "rep:"
	keyIntensity    = "intensity"
	syncChannel     = "sync"
	scanBatch       = 500

	breakerFailures = 5
	breakerTimeout  = 10 * time.Second
)

// ErrStoreUnavailable is returned if shared store is not reachable or
// its circuit breaker is open.
var ErrStoreUnavailable = errors.New("shared store is unavailable")

// RedisStoreOpts defines settings of the shared store.
type RedisStoreOpts struct {
	// Client is a Redis client.
	//
	// This is a mandatory setting.
	Client redis.UniversalClient

	// Prefix is prepended to every key and channel.
	//
	// This is an optional setting.
	Prefix string

	// Timeout bounds every call.
	//
	// This is an optional setting.
	Timeout time.Duration
}

// RedisStore is a shared store of reputation records and intensity. Every
// call has a short timeout and goes through a circuit breaker, so a
// broken Redis costs nothing on a hot path.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	prefix  string
	timeout time.Duration
}

func (r *RedisStore) execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		return nil, fn(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrStoreUnavailable
	}

	return err
}

func (r *RedisStore) recordKey(id string) string {
	return r.prefix + keyRecordPrefix + id
}

// Propagate saves records and publishes sync messages in a single
// pipeline. A change with non-positive TTL deletes its record.
func (r *RedisStore) Propagate(ctx context.Context, changes []reputation.Change, messages []SyncMessage) error {
	encoded := make([][]byte, len(changes))

	for i, change := range changes {
		if change.TTL <= 0 {
			continue
		}

		data, err := json.Marshal(change.Record)
		if err != nil {
			return fmt.Errorf("cannot encode record: %w", err)
		}

		encoded[i] = data
	}

	payloads := make([][]byte, len(messages))

	for i, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("cannot encode sync message: %w", err)
		}

		payloads[i] = data
	}

	return r.execute(ctx, func(ctx context.Context) error {
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, change := range changes {
				if encoded[i] == nil {
					pipe.Del(ctx, r.recordKey(change.Record.ID))
				} else {
					pipe.Set(ctx, r.recordKey(change.Record.ID), encoded[i], change.TTL)
				}
			}

			for _, payload := range payloads {
				pipe.Publish(ctx, r.prefix+syncChannel, payload)
			}

			return nil
		})

		return err //nolint: wrapcheck
	})
}

// LoadRecord reads a single record.
func (r *RedisStore) LoadRecord(ctx context.Context, id string) (reputation.Record, bool, error) {
	var data []byte

	err := r.execute(ctx, func(ctx context.Context) error {
		var err error

		data, err = r.client.Get(ctx, r.recordKey(id)).Bytes()

		return err //nolint: wrapcheck
	})

	switch {
	case errors.Is(err, redis.Nil):
		return reputation.Record{}, false, nil
	case err != nil:
		return reputation.Record{}, false, fmt.Errorf("cannot load record: %w", err)
	}

	rec := reputation.Record{}
	if err := json.Unmarshal(data, &rec); err != nil {
		return reputation.Record{}, false, fmt.Errorf("%w: %v", fortlib.ErrCorruptRecord, err)
	}

	return rec, true, nil
}

// ScanRecords calls fn for every stored record. Records which cannot be
// decoded are skipped and counted. Scan is not bounded by the call
// timeout as a whole, only each batch is.
func (r *RedisStore) ScanRecords(ctx context.Context, fn func(reputation.Record)) (int, error) {
	var (
		cursor  uint64
		skipped int
	)

	match := r.prefix + keyRecordPrefix + "*"

	for {
		var keys []string

		err := r.execute(ctx, func(ctx context.Context) error {
			var err error

			keys, cursor, err = r.client.Scan(ctx, cursor, match, scanBatch).Result()

			return err //nolint: wrapcheck
		})
		if err != nil {
			return skipped, fmt.Errorf("cannot scan records: %w", err)
		}

		if len(keys) > 0 {
			var values []any

			err = r.execute(ctx, func(ctx context.Context) error {
				var err error

				values, err = r.client.MGet(ctx, keys...).Result()

				return err //nolint: wrapcheck
			})
			if err != nil {
				return skipped, fmt.Errorf("cannot read records: %w", err)
			}

			for _, value := range values {
				encoded, ok := value.(string)
				if !ok {
					continue // expired between scan and read
				}

				rec := reputation.Record{}
				if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
					skipped++

					continue
				}

				fn(rec)
			}
		}

		if cursor == 0 {
			return skipped, nil
		}
	}
}

// SaveIntensity writes a cluster-wide intensity.
func (r *RedisStore) SaveIntensity(ctx context.Context, level int) error {
	return r.execute(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, r.prefix+keyIntensity, level, 0).Err() //nolint: wrapcheck
	})
}

// LoadIntensity reads a cluster-wide intensity. It returns false if it
// was never set.
func (r *RedisStore) LoadIntensity(ctx context.Context) (int, bool, error) {
	var value string

	err := r.execute(ctx, func(ctx context.Context) error {
		var err error

		value, err = r.client.Get(ctx, r.prefix+keyIntensity).Result()

		return err //nolint: wrapcheck
	})

	switch {
	case errors.Is(err, redis.Nil):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("cannot load intensity: %w", err)
	}

	level, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("incorrect intensity %q: %w", value, err)
	}

	return level, true, nil
}

// Publish sends a sync message to all nodes.
func (r *RedisStore) Publish(ctx context.Context, msg SyncMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cannot encode sync message: %w", err)
	}

	return r.execute(ctx, func(ctx context.Context) error {
		return r.client.Publish(ctx, r.prefix+syncChannel, data).Err() //nolint: wrapcheck
	})
}

// Subscribe returns a subscription to sync messages. It is established
// when this method returns.
func (r *RedisStore) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, r.prefix+syncChannel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()

		return nil, fmt.Errorf("cannot subscribe: %w", err)
	}

	return pubsub, nil
}

// Ping checks if Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.execute(ctx, func(ctx context.Context) error {
		return r.client.Ping(ctx).Err() //nolint: wrapcheck
	})
}

// BreakerState returns a state of the circuit breaker.
func (r *RedisStore) BreakerState() string {
	return r.breaker.State().String()
}

// NewRedisStore creates a new shared store.
func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is not defined")
	}

	store := &RedisStore{
		client:  opts.Client,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
	}

	if store.prefix == "" {
		store.prefix = DefaultKeyPrefix
	}

	if store.timeout == 0 {
		store.timeout = fortlib.DefaultPeerTimeout
	}

	store.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
	})

	return store, nil
}
