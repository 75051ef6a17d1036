package reputation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/stretchr/testify/suite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

type StoreTestSuite struct {
	suite.Suite

	clock *fakeClock
	dial  *intensity.Dial
	store *Store
}

func (suite *StoreTestSuite) SetupTest() {
	suite.clock = &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	suite.dial = intensity.NewDial(0, intensity.DefaultTable())

	store, err := NewStore(Opts{
		Dial:  suite.dial,
		Clock: suite.clock.Now,
	})
	suite.Require().NoError(err)

	suite.store = store
}

func (suite *StoreTestSuite) state(id string) fortlib.State {
	state, err := suite.store.State(id)
	suite.Require().NoError(err)

	return state
}

func (suite *StoreTestSuite) failN(id string, n int) fortlib.State {
	var state fortlib.State

	for i := 0; i < n; i++ {
		var err error

		state, err = suite.store.RecordChallengeOutcome(id, false)
		suite.Require().NoError(err)
	}

	return state
}

func (suite *StoreTestSuite) TestUnknownIsUnverifiedAndNotAllocated() {
	suite.Equal(fortlib.StateUnverified, suite.state("x"))
	suite.NoError(suite.store.RecordActivity("x"))
	suite.Equal(0, suite.store.Len())
}

func (suite *StoreTestSuite) TestChallengeThenPromote() {
	suite.NoError(suite.store.MarkChallenged("x"))
	suite.Equal(fortlib.StateChallenged, suite.state("x"))

	state, err := suite.store.RecordChallengeOutcome("x", true)
	suite.NoError(err)
	suite.Equal(fortlib.StateTrusted, state)
	suite.Equal(fortlib.StateTrusted, suite.state("x"))

	change := <-suite.store.Journal()
	suite.Equal(OpPromote, change.Op)
	suite.Equal("x", change.Record.ID)
	suite.Positive(change.TTL)
}

func (suite *StoreTestSuite) TestTrustedDecays() {
	suite.NoError(suite.store.Promote("x"))

	suite.clock.Advance(5 * time.Minute)
	suite.NoError(suite.store.RecordActivity("x"))

	suite.clock.Advance(9 * time.Minute)
	suite.Equal(fortlib.StateTrusted, suite.state("x"))

	suite.clock.Advance(2 * time.Minute)
	suite.Equal(fortlib.StateUnverified, suite.state("x"))
}

func (suite *StoreTestSuite) TestFailuresBan() {
	suite.NoError(suite.store.MarkChallenged("x"))

	suite.Equal(fortlib.StateChallenged, suite.failN("x", 4))
	suite.Equal(fortlib.StateBanned, suite.failN("x", 1))
	suite.Equal(fortlib.StateBanned, suite.state("x"))

	rec, ok := suite.store.Snapshot("x")
	suite.True(ok)
	suite.Equal(banReasonFailures, rec.BanReason)
	suite.Equal(1, rec.Offenses)
	suite.Equal(5, rec.TotalFailures)
}

func (suite *StoreTestSuite) TestRepeatOffenderGetsLongerBan() {
	suite.NoError(suite.store.MarkChallenged("x"))
	suite.Equal(fortlib.StateBanned, suite.failN("x", 5))

	first, _ := suite.store.Snapshot("x")
	t1 := first.BannedUntil.Sub(first.StateEnteredAt)

	suite.clock.Advance(t1)
	suite.Equal(fortlib.StateUnverified, suite.state("x"))

	suite.NoError(suite.store.MarkChallenged("x"))
	suite.Equal(fortlib.StateBanned, suite.failN("x", 5))

	second, _ := suite.store.Snapshot("x")
	t2 := second.BannedUntil.Sub(second.StateEnteredAt)

	suite.Equal(time.Hour, t1)
	suite.Greater(t2, t1)
	suite.Equal(2, second.Offenses)
	suite.Equal(10, second.TotalFailures)
}

func (suite *StoreTestSuite) TestBanIsCapped() {
	store, err := NewStore(Opts{
		Dial:   suite.dial,
		Clock:  suite.clock.Now,
		BanMax: 3 * time.Hour,
	})
	suite.Require().NoError(err)

	for i := 0; i < 4; i++ {
		suite.NoError(store.Ban("x", "manual"))
	}

	rec, _ := store.Snapshot("x")
	suite.Equal(3*time.Hour, rec.BannedUntil.Sub(rec.StateEnteredAt))
}

func (suite *StoreTestSuite) TestBannedNeverPromoted() {
	suite.NoError(suite.store.Ban("x", "manual"))
	suite.ErrorIs(suite.store.Promote("x"), fortlib.ErrInvalidTransition)
	suite.ErrorIs(suite.store.MarkChallenged("x"), fortlib.ErrInvalidTransition)

	state, err := suite.store.RecordChallengeOutcome("x", true)
	suite.ErrorIs(err, fortlib.ErrInvalidTransition)
	suite.Equal(fortlib.StateBanned, state)
}

func (suite *StoreTestSuite) TestBanExpiryRevertsToUnverified() {
	suite.NoError(suite.store.Promote("x"))
	suite.NoError(suite.store.Ban("x", "manual"))

	suite.clock.Advance(time.Hour + time.Second)
	suite.Equal(fortlib.StateUnverified, suite.state("x"))

	rec, ok := suite.store.Snapshot("x")
	suite.True(ok)
	suite.Equal(1, rec.Offenses)
}

func (suite *StoreTestSuite) TestActivityDoesNotExtendBan() {
	suite.NoError(suite.store.Ban("x", "manual"))

	suite.clock.Advance(50 * time.Minute)
	suite.NoError(suite.store.RecordActivity("x"))
	suite.clock.Advance(11 * time.Minute)

	suite.Equal(fortlib.StateUnverified, suite.state("x"))
}

func (suite *StoreTestSuite) TestUnban() {
	suite.NoError(suite.store.Unban("nobody"))
	suite.NoError(suite.store.Ban("x", "manual"))
	suite.NoError(suite.store.Unban("x"))
	suite.Equal(fortlib.StateUnverified, suite.state("x"))

	ops := []Op{(<-suite.store.Journal()).Op, (<-suite.store.Journal()).Op}
	suite.Equal([]Op{OpBan, OpUnban}, ops)
}

func (suite *StoreTestSuite) TestTransitionsFollowGraph() {
	check := func(id string, action func()) {
		before := suite.state(id)

		action()

		after := suite.state(id)
		if before != after {
			suite.True(fortlib.CanTransit(before, after), "%s -> %s", before, after)
		}
	}

	check("a", func() { suite.NoError(suite.store.MarkChallenged("a")) })
	check("a", func() { suite.store.RecordChallengeOutcome("a", false) }) //nolint: errcheck
	check("a", func() { suite.store.RecordChallengeOutcome("a", true) })  //nolint: errcheck
	check("a", func() { suite.clock.Advance(time.Hour) })
	check("b", func() { suite.NoError(suite.store.MarkChallenged("b")) })
	check("b", func() { suite.failN("b", 5) })
	check("b", func() { suite.clock.Advance(2 * time.Hour) })
}

func (suite *StoreTestSuite) TestDecaySweep() {
	suite.NoError(suite.store.MarkChallenged("a"))
	suite.NoError(suite.store.Promote("b"))
	suite.NoError(suite.store.Ban("c", "manual"))

	suite.clock.Advance(30 * time.Minute)

	suite.Equal(2, suite.store.DecaySweep())
	suite.Equal(1, suite.store.Len())

	counts := suite.store.Counts()
	suite.Equal(1, counts[fortlib.StateBanned])
	suite.Equal(0, counts[fortlib.StateTrusted])
	suite.Equal(0, counts[fortlib.StateChallenged])
}

func (suite *StoreTestSuite) TestStoreFull() {
	store, err := NewStore(Opts{
		Dial:       suite.dial,
		Clock:      suite.clock.Now,
		MaxRecords: ShardCount,
	})
	suite.Require().NoError(err)

	var full error

	for i := 0; i < 10*ShardCount && full == nil; i++ {
		full = store.MarkChallenged(fmt.Sprintf("id-%d", i))
	}

	suite.ErrorIs(full, fortlib.ErrStoreFull)
	suite.NoError(store.Ban("overflow", "manual"))
}

func (suite *StoreTestSuite) TestCorruptRecordFailsClosed() {
	sh := suite.store.shardFor("x")
	sh.records["x"] = Record{ID: "x", State: fortlib.State(42)}

	state, err := suite.store.State("x")
	suite.ErrorIs(err, fortlib.ErrCorruptRecord)
	suite.Equal(fortlib.StateBanned, state)

	suite.Equal(fortlib.StateBanned, suite.state("x"))
	suite.EqualValues(1, suite.store.Corrupted())
}

func (suite *StoreTestSuite) TestApplyNewerWins() {
	now := suite.clock.Now()

	suite.NoError(suite.store.Apply(Record{
		ID:             "x",
		State:          fortlib.StateBanned,
		StateEnteredAt: now,
		LastActivityAt: now,
		UpdatedAt:      now,
		BannedUntil:    now.Add(time.Hour),
		Offenses:       1,
	}))
	suite.Equal(fortlib.StateBanned, suite.state("x"))

	suite.NoError(suite.store.Apply(Record{
		ID:             "x",
		State:          fortlib.StateTrusted,
		StateEnteredAt: now.Add(-time.Minute),
		LastActivityAt: now.Add(-time.Minute),
		UpdatedAt:      now.Add(-time.Minute),
	}))
	suite.Equal(fortlib.StateBanned, suite.state("x"))

	suite.Error(suite.store.Apply(Record{ID: "y", State: fortlib.StateBanned}))

	select {
	case change := <-suite.store.Journal():
		suite.Failf("unexpected journal entry", "%v", change)
	default:
	}
}

func (suite *StoreTestSuite) TestThresholdFollowsIntensity() {
	suite.dial.Set(intensity.Max)
	suite.NoError(suite.store.MarkChallenged("x"))

	suite.Equal(fortlib.StateBanned, suite.failN("x", 1))
}

func (suite *StoreTestSuite) TestConcurrentAccess() {
	wg := &sync.WaitGroup{}

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("id-%d", j%50)

				switch (n + j) % 4 {
				case 0:
					suite.store.MarkChallenged(id) //nolint: errcheck
				case 1:
					suite.store.RecordChallengeOutcome(id, false) //nolint: errcheck
				case 2:
					suite.store.State(id) //nolint: errcheck
				default:
					suite.store.DecaySweep()
				}
			}
		}(i)
	}

	wg.Wait()

	suite.LessOrEqual(suite.store.Len(), 50)
}

func (suite *StoreTestSuite) TestJournalOverflowIsKept() {
	store, err := NewStore(Opts{
		Dial:        suite.dial,
		Clock:       suite.clock.Now,
		JournalSize: 1,
	})
	suite.Require().NoError(err)

	for i := 0; i < 10; i++ {
		suite.Require().NoError(store.Ban(fmt.Sprintf("bot-%d", i), "manual"))
	}

	suite.Equal(uint64(9), store.JournalDropped())
	suite.Equal(OpBan, (<-store.Journal()).Op)

	changes := store.TakeDirty()
	suite.Len(changes, 9)

	for _, change := range changes {
		suite.Equal(OpBan, change.Op)
		suite.Equal(fortlib.StateBanned, change.Record.State)
		suite.Positive(change.TTL)
	}

	suite.Empty(store.TakeDirty())
}

func (suite *StoreTestSuite) TestRequeueTakesCurrentRecord() {
	suite.Require().NoError(suite.store.Ban("bot", "manual"))
	<-suite.store.Journal()

	suite.store.Requeue("bot", "ghost")
	suite.Require().NoError(suite.store.Unban("bot"))
	<-suite.store.Journal()

	changes := suite.store.TakeDirty()
	suite.Len(changes, 2)

	byID := map[string]Change{}
	for _, change := range changes {
		byID[change.Record.ID] = change
	}

	suite.Equal(OpUnban, byID["bot"].Op)
	suite.Equal(fortlib.StateUnverified, byID["bot"].Record.State)
	suite.Zero(byID["ghost"].Op)
	suite.Zero(byID["ghost"].TTL)
}

func TestStore(t *testing.T) {
	t.Parallel()
	suite.Run(t, &StoreTestSuite{})
}
