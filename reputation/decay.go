package reputation

import (
	"context"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
)

// DefaultDecayInterval is a period of the decay sweep.
const DefaultDecayInterval = time.Minute

// RunDecay runs DecaySweep periodically until context is closed. After
// every sweep record counts are sent to the event stream.
func (s *Store) RunDecay(ctx context.Context, interval time.Duration, stream fortlib.EventStream, logger fortlib.Logger) {
	if interval <= 0 {
		interval = DefaultDecayInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.decayTick(ctx, stream, logger)
		}
	}
}

func (s *Store) decayTick(ctx context.Context, stream fortlib.EventStream, logger fortlib.Logger) {
	evicted := s.DecaySweep()
	counts := s.Counts()

	if evicted > 0 {
		logger.
			BindInt("evicted", evicted).
			BindInt("records", s.Len()).
			Debug("decay sweep")
	}

	stream.Send(ctx, fortlib.NewEventReputationCounts(counts))
}
