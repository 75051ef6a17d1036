package upstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

const (
	DefaultCooldownThreshold = 3
	DefaultCooldown          = 5 * time.Second
)

// ErrCooldown is returned when dialer does not try to connect after a
// series of failures.
var ErrCooldown = errors.New("upstream is cooling down")

// Dialer opens connections to the runtime API.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// cooldownDialer is a simplified circuit breaker.
//
// After threshold consecutive failures it stops dialing for cooldown.
// When cooldown is over, the next attempt goes through.
type cooldownDialer struct {
	Dialer

	mu            sync.Mutex
	failuresCount uint32
	cooldownUntil time.Time
	threshold     uint32
	cooldown      time.Duration
	now           func() time.Time
}

func (c *cooldownDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c.mu.Lock()
	if !c.cooldownUntil.IsZero() && c.now().Before(c.cooldownUntil) {
		c.mu.Unlock()

		return nil, ErrCooldown
	}
	c.mu.Unlock()

	conn, err := c.Dialer.DialContext(ctx, network, address)

	select {
	case <-ctx.Done():
		if conn != nil {
			conn.Close()
		}

		return nil, ctx.Err() //nolint: wrapcheck
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.failuresCount = 0
		c.cooldownUntil = time.Time{}

		return conn, nil
	}

	c.failuresCount++

	if c.failuresCount >= c.threshold {
		c.cooldownUntil = c.now().Add(c.cooldown)
		c.failuresCount = 0
	}

	return nil, err //nolint: wrapcheck
}

func newCooldownDialer(base Dialer, threshold uint32, cooldown time.Duration, now func() time.Time) Dialer {
	if now == nil {
		now = time.Now
	}

	return &cooldownDialer{
		Dialer:    base,
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
	}
}
