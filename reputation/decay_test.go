package reputation

import (
	"context"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/internal/testlib"
	"github.com/fortify-onion/fortify/logger"
)

func (suite *StoreTestSuite) TestDecayTick() {
	suite.NoError(suite.store.MarkChallenged("a"))
	suite.NoError(suite.store.Promote("b"))

	stream := &testlib.EventStreamMock{}

	suite.store.decayTick(context.Background(), stream, logger.NewNoopLogger())

	events := stream.Events()
	suite.Require().Len(events, 1)

	counts, ok := events[0].(fortlib.EventReputationCounts)
	suite.Require().True(ok)
	suite.Equal(1, counts.Counts[fortlib.StateChallenged])
	suite.Equal(1, counts.Counts[fortlib.StateTrusted])

	suite.clock.Advance(48 * time.Hour)
	suite.store.decayTick(context.Background(), stream, logger.NewNoopLogger())

	suite.Equal(0, suite.store.Len())
}

func (suite *StoreTestSuite) TestRunDecayStops() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		suite.store.RunDecay(ctx, time.Millisecond, &testlib.EventStreamMock{}, logger.NewNoopLogger())
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		suite.Fail("decay loop has not stopped")
	}
}
