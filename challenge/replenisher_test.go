package challenge

import (
	"context"
	"sync"
	"testing"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/fortify-onion/fortify/logger"
	"github.com/stretchr/testify/suite"
)

type fakeCPU float64

func (f fakeCPU) Percent() float64 { return float64(f) }

type collectingStream struct {
	mu     sync.Mutex
	events []fortlib.Event
}

func (c *collectingStream) Send(_ context.Context, evt fortlib.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, evt)
}

func (c *collectingStream) last() fortlib.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.events[len(c.events)-1]
}

type ReplenisherTestSuite struct {
	suite.Suite

	dir      string
	pool     *Pool
	overflow *Overflow
	stream   *collectingStream
}

func (suite *ReplenisherTestSuite) SetupTest() {
	suite.dir = suite.T().TempDir()
	suite.pool = suite.newPool()
	suite.stream = &collectingStream{}

	overflow, err := NewOverflow(OverflowOpts{
		Dir:         suite.dir,
		MinFreeDisk: 1,
	})
	suite.Require().NoError(err)

	suite.overflow = overflow
}

func (suite *ReplenisherTestSuite) newPool() *Pool {
	pool, err := NewPool(PoolOpts{
		Dial:     intensity.NewDial(0, intensity.DefaultTable()),
		Capacity: 40,
	})
	suite.Require().NoError(err)

	return pool
}

func (suite *ReplenisherTestSuite) newReplenisher(pool *Pool, cpu float64) *Replenisher {
	repl, err := NewReplenisher(ReplenisherOpts{
		Pool:        pool,
		Logger:      logger.NewNoopLogger(),
		Overflow:    suite.overflow,
		CPU:         fakeCPU(cpu),
		EventStream: suite.stream,
		Workers:     2,
	})
	suite.Require().NoError(err)

	suite.T().Cleanup(repl.workers.Release)

	return repl
}

func (suite *ReplenisherTestSuite) TestCriticalFillGenerates() {
	repl := suite.newReplenisher(suite.pool, 10)

	repl.tick(context.Background())

	suite.Equal(40, suite.pool.Size())
	suite.EqualValues(40, suite.pool.Stats().Generated)

	evt, ok := suite.stream.last().(fortlib.EventPoolMetrics)
	suite.True(ok)
	suite.EqualValues(40, evt.DeltaGenerated)
	suite.Equal(40, evt.Size)
	suite.Equal(40, evt.Capacity)
}

func (suite *ReplenisherTestSuite) TestBusyCPUSkipsMaintenance() {
	for i := 0; i < 20; i++ {
		suite.pool.Put(Puzzle{Variant: Variant(i % int(variantCount))})
	}

	repl := suite.newReplenisher(suite.pool, 90)
	repl.tick(context.Background())

	suite.Equal(20, suite.pool.Size())
}

func (suite *ReplenisherTestSuite) TestMaintenanceGenerates() {
	for i := 0; i < 20; i++ {
		suite.pool.Put(Puzzle{Variant: Variant(i % int(variantCount))})
	}

	repl := suite.newReplenisher(suite.pool, 30)
	repl.tick(context.Background())

	suite.Equal(40, suite.pool.Size())
}

func (suite *ReplenisherTestSuite) TestSurplusDumpedOnIdle() {
	repl := suite.newReplenisher(suite.pool, 10)
	repl.tick(context.Background())
	suite.Require().Equal(40, suite.pool.Size())

	repl.tick(context.Background())
	suite.Equal(36, suite.pool.Size())

	_, files, err := suite.overflow.Usage()
	suite.NoError(err)
	suite.Equal(1, files)

	for _, v := range Variants {
		suite.pool.Put(Puzzle{Variant: v})
	}

	suite.Require().Equal(40, suite.pool.Size())

	// dump interval is not passed yet
	repl.tick(context.Background())
	suite.Equal(40, suite.pool.Size())

	_, files, err = suite.overflow.Usage()
	suite.NoError(err)
	suite.Equal(1, files)
}

func (suite *ReplenisherTestSuite) TestBusyCPULoadsSnapshot() {
	puzzles := make([]Puzzle, 8)
	for i := range puzzles {
		puzzles[i] = Puzzle{Variant: VariantGrid, GeneratedAt: suite.pool.now()}
	}

	suite.Require().NoError(suite.overflow.Dump(puzzles))

	repl := suite.newReplenisher(suite.pool, 95)
	repl.tick(context.Background())

	suite.Equal(8, suite.pool.Size())
	suite.EqualValues(8, suite.pool.Stats().Loaded)
	suite.EqualValues(0, suite.pool.Stats().Generated)
}

func (suite *ReplenisherTestSuite) TestShutdownDumpAndRestore() {
	ctx, cancel := context.WithCancel(context.Background())
	repl := suite.newReplenisher(suite.pool, 10)

	repl.tick(ctx)
	suite.Require().Equal(40, suite.pool.Size())

	done := make(chan struct{})

	go func() {
		repl.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	suite.Equal(0, suite.pool.Size())

	restored := suite.newPool()
	suite.newReplenisher(restored, 10).restore()

	suite.Equal(40, restored.Size())
}

func TestReplenisher(t *testing.T) {
	t.Parallel()
	suite.Run(t, &ReplenisherTestSuite{})
}
