package fortlib_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/stretchr/testify/suite"
)

type RateLimiterTestSuite struct {
	suite.Suite

	now     time.Time
	dial    *intensity.Dial
	limiter *fortlib.RateLimiter
}

func (suite *RateLimiterTestSuite) SetupTest() {
	suite.now = time.Unix(1700000000, 0)

	table := intensity.DefaultTable()
	table.MaxConcurrent = intensity.Param{Name: "max_concurrent", Base: 2, Floor: 1}
	table.Burst = intensity.Param{Name: "burst", Base: 4, Floor: 1}
	table.RequestsPerSecond = intensity.Param{Name: "requests_per_second", Base: 4, Floor: 0.5}
	suite.dial = intensity.NewDial(0, table)

	suite.limiter = fortlib.NewRateLimiter(suite.dial, time.Minute, 3, func() time.Time { return suite.now })
}

func (suite *RateLimiterTestSuite) TearDownTest() {
	suite.limiter.Stop()
}

func (suite *RateLimiterTestSuite) TestConcurrencyGate() {
	first, limit := suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitNone, limit)

	second, limit := suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitNone, limit)

	_, limit = suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitConcurrency, limit)

	first()
	first()

	third, limit := suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitNone, limit)

	second()
	third()
}

func (suite *RateLimiterTestSuite) TestTokenBucket() {
	for i := 0; i < 4; i++ {
		release, limit := suite.limiter.Acquire("a")
		suite.Equal(fortlib.LimitNone, limit)
		release()
	}

	_, limit := suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitRate, limit)

	_, limit = suite.limiter.Acquire("b")
	suite.Equal(fortlib.LimitNone, limit)

	suite.now = suite.now.Add(500 * time.Millisecond)

	release, limit := suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitNone, limit)
	release()
}

func (suite *RateLimiterTestSuite) TestFollowsIntensity() {
	suite.dial.Set(intensity.Max)

	release, limit := suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitNone, limit)

	_, limit = suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitConcurrency, limit)

	release()

	_, limit = suite.limiter.Acquire("a")
	suite.Equal(fortlib.LimitRate, limit)
}

func (suite *RateLimiterTestSuite) TestCapacity() {
	for _, id := range []string{"a", "b", "c"} {
		release, limit := suite.limiter.Acquire(id)
		suite.Equal(fortlib.LimitNone, limit)
		release()
	}

	_, limit := suite.limiter.Acquire("d")
	suite.Equal(fortlib.LimitCapacity, limit)
	suite.Equal(3, suite.limiter.Size())

	suite.now = suite.now.Add(3 * time.Minute)
	suite.Equal(3, suite.limiter.Sweep())

	_, limit = suite.limiter.Acquire("d")
	suite.Equal(fortlib.LimitNone, limit)
}

func (suite *RateLimiterTestSuite) TestSweepKeepsBusyEntries() {
	release, _ := suite.limiter.Acquire("a")

	suite.now = suite.now.Add(3 * time.Minute)
	suite.Equal(0, suite.limiter.Sweep())

	release()
	suite.Equal(1, suite.limiter.Sweep())
}

func (suite *RateLimiterTestSuite) TestAcquireTracked() {
	release, limit := suite.limiter.AcquireTracked("a")
	suite.Equal(fortlib.LimitNone, limit)
	release()
	suite.Zero(suite.limiter.Size())

	release, _ = suite.limiter.Acquire("a")
	release()

	for i := 0; i < 3; i++ {
		release, limit = suite.limiter.AcquireTracked("a")
		suite.Equal(fortlib.LimitNone, limit)
		release()
	}

	_, limit = suite.limiter.AcquireTracked("a")
	suite.Equal(fortlib.LimitRate, limit)
	suite.Equal(1, suite.limiter.Size())
}

func TestRateLimiterSweepDoesNotStallNewIdentities(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	limiter := fortlib.NewRateLimiter(intensity.NewDial(0, intensity.DefaultTable()),
		time.Hour, 0, func() time.Time { return now })
	defer limiter.Stop()

	for i := 0; i < 200_000; i++ {
		release, _ := limiter.Acquire("idle-" + strconv.Itoa(i))
		release()
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		limiter.Sweep()
	}()

	worst := time.Duration(0)

	for i := 0; ; i++ {
		select {
		case <-done:
			if worst > 50*time.Millisecond {
				t.Fatalf("new identity waited for %v during sweep", worst)
			}

			return
		default:
		}

		started := time.Now()
		release, _ := limiter.Acquire("fresh-" + strconv.Itoa(i))

		if release != nil {
			release()
		}

		if elapsed := time.Since(started); elapsed > worst {
			worst = elapsed
		}
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	suite.Run(t, &RateLimiterTestSuite{})
}

func TestLoadMonitor(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	monitor := fortlib.NewLoadMonitor(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		monitor.Record()
	}

	if rate := monitor.Rate(); rate != 10 {
		t.Fatalf("unexpected rate %v", rate)
	}

	now = now.Add(1500 * time.Millisecond)

	if rate := monitor.Rate(); rate != 5 {
		t.Fatalf("unexpected rate in the next second %v", rate)
	}

	monitor.Record()

	if rate := monitor.Rate(); rate != 6 {
		t.Fatalf("unexpected rate after rotation %v", rate)
	}

	now = now.Add(3 * time.Second)

	if rate := monitor.Rate(); rate != 0 {
		t.Fatalf("unexpected rate after idle %v", rate)
	}
}
