package fortlib

import (
	"testing"
	"time"

	"github.com/fortify-onion/fortify/intensity"
)

func TestRateLimiterShardLockIsLocal(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(intensity.NewDial(0, intensity.DefaultTable()), time.Minute, 0, nil)
	defer limiter.Stop()

	busy := limiter.shardFor("busy")

	other := "other"
	for i := 0; limiter.shardFor(other) == busy; i++ {
		other = "other" + string(rune('a'+i))
	}

	busy.mu.Lock()
	defer busy.mu.Unlock()

	done := make(chan struct{})

	go func() {
		defer close(done)

		if release, limit := limiter.Acquire(other); limit == LimitNone {
			release()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("identity of another shard is blocked")
	}

	if size := limiter.Size(); size != 1 {
		t.Fatalf("unexpected size %d", size)
	}
}
