package fortlib_test

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/fortify-onion/fortify/antireplay"
	"github.com/fortify-onion/fortify/challenge"
	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/fortify-onion/fortify/internal/testlib"
	"github.com/fortify-onion/fortify/logger"
	"github.com/fortify-onion/fortify/passport"
	"github.com/fortify-onion/fortify/reputation"
	"github.com/stretchr/testify/suite"
)

const gridAnswer = "0,6,12,18,24,3"

type EngineIntegrationTestSuite struct {
	suite.Suite

	dial     *intensity.Dial
	store    *reputation.Store
	pool     *challenge.Pool
	upstream *testlib.FortlibUpstreamMock
	engine   *fortlib.Engine
}

func (suite *EngineIntegrationTestSuite) SetupTest() {
	var err error

	suite.dial = intensity.NewDial(0, intensity.DefaultTable())

	suite.store, err = reputation.NewStore(reputation.Opts{Dial: suite.dial})
	suite.Require().NoError(err)

	suite.pool, err = challenge.NewPool(challenge.PoolOpts{Dial: suite.dial, Capacity: 40})
	suite.Require().NoError(err)

	suite.upstream = &testlib.FortlibUpstreamMock{}

	suite.engine, err = fortlib.NewEngine(fortlib.EngineOpts{
		Store:       suite.store,
		Pool:        suite.pool,
		Dial:        suite.dial,
		EventStream: &testlib.EventStreamMock{},
		Logger:      logger.NewNoopLogger(),
		Upstream:    suite.upstream,
		RejectFloor: time.Millisecond,
	})
	suite.Require().NoError(err)
}

func (suite *EngineIntegrationTestSuite) TearDownTest() {
	suite.engine.Shutdown()
}

// issueKnown puts a grid puzzle with a known answer into the pool and asks
// for a challenge. Any variant falls back to the grid ring.
func (suite *EngineIntegrationTestSuite) issueKnown(id string) *fortlib.ChallengeView {
	suite.Require().True(suite.pool.Put(challenge.NewPuzzle(challenge.VariantGrid, []byte("png"), gridAnswer)))

	decision := suite.engine.Decide(context.Background(), fortlib.Request{Identity: id})
	suite.Require().Equal(fortlib.VerdictChallenge, decision.Verdict)

	return decision.Challenge
}

func (suite *EngineIntegrationTestSuite) state(id string) fortlib.State {
	state, err := suite.store.State(id)
	suite.Require().NoError(err)

	return state
}

func (suite *EngineIntegrationTestSuite) TestSolveAndStayTrusted() {
	suite.upstream.On("MarkTrusted", "alice").Once()

	view := suite.issueKnown("alice")
	suite.Equal(fortlib.StateChallenged, suite.state("alice"))

	decision := suite.engine.Submit(context.Background(), fortlib.Submission{
		Identity:    "alice",
		ChallengeID: view.ID,
		Answer:      "24 18 12 6 0 3",
	})
	suite.Equal(fortlib.VerdictAdmit, decision.Verdict)
	suite.Equal(fortlib.StateTrusted, suite.state("alice"))

	decision = suite.engine.Decide(context.Background(), fortlib.Request{Identity: "alice"})
	suite.Equal(fortlib.VerdictAdmit, decision.Verdict)
	suite.Equal(fortlib.ReasonTrusted, decision.Reason)

	suite.upstream.AssertExpectations(suite.T())
}

func (suite *EngineIntegrationTestSuite) TestNoDoubleAdmit() {
	suite.upstream.On("MarkTrusted", "alice").Once()

	view := suite.issueKnown("alice")

	const submitters = 4

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		admits int
	)

	for i := 0; i < submitters; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			decision := suite.engine.Submit(context.Background(), fortlib.Submission{
				Identity:    "alice",
				ChallengeID: view.ID,
				Answer:      gridAnswer,
			})

			if decision.Verdict == fortlib.VerdictAdmit && decision.Reason == fortlib.ReasonSolved {
				mu.Lock()
				admits++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	suite.Equal(1, admits)
}

func (suite *EngineIntegrationTestSuite) TestFailuresBan() {
	suite.upstream.On("MarkBanned", "bot").Once()

	view := suite.issueKnown("bot")
	threshold := suite.dial.Thresholds().FailureThreshold

	var decision fortlib.Decision

	for i := 0; i < threshold; i++ {
		decision = suite.engine.Submit(context.Background(), fortlib.Submission{
			Identity:    "bot",
			ChallengeID: view.ID,
			Answer:      "1,2,3",
		})

		if decision.Challenge != nil {
			view = decision.Challenge
		}
	}

	suite.Equal(fortlib.VerdictReject, decision.Verdict)
	suite.Equal(fortlib.StateBanned, suite.state("bot"))

	decision = suite.engine.Decide(context.Background(), fortlib.Request{Identity: "bot"})
	suite.Equal(fortlib.VerdictReject, decision.Verdict)

	suite.upstream.AssertExpectations(suite.T())
}

func (suite *EngineIntegrationTestSuite) TestPassportAdmitsOnce() {
	keyA, err := passport.GenerateKey()
	suite.Require().NoError(err)

	keyB, err := passport.GenerateKey()
	suite.Require().NoError(err)

	keyringA, err := passport.NewKeyring(passport.KeyringOpts{NodeID: "a", PrivateKey: keyA})
	suite.Require().NoError(err)

	keyringB, err := passport.NewKeyring(passport.KeyringOpts{
		NodeID:     "b",
		PrivateKey: keyB,
		Peers:      map[string]ed25519.PublicKey{"a": keyringA.Public()},
	})
	suite.Require().NoError(err)

	issuer, err := passport.NewIssuer(passport.IssuerOpts{Keyring: keyringA})
	suite.Require().NoError(err)

	validator, err := passport.NewValidator(passport.ValidatorOpts{
		Keyring:         keyringB,
		AntiReplayCache: antireplay.NewStableBloomFilter(antireplay.DefaultStableBloomFilterMaxSize, antireplay.DefaultStableBloomFilterErrorRate),
	})
	suite.Require().NoError(err)

	engine, err := fortlib.NewEngine(fortlib.EngineOpts{
		Store:       suite.store,
		Pool:        suite.pool,
		Dial:        suite.dial,
		EventStream: &testlib.EventStreamMock{},
		Logger:      logger.NewNoopLogger(),
		Validator:   validator,
		RejectFloor: time.Millisecond,
	})
	suite.Require().NoError(err)

	defer engine.Shutdown()

	token, err := issuer.Mint("b")
	suite.Require().NoError(err)

	request := fortlib.Request{Identity: "guest", Passport: token}

	suite.Equal(fortlib.VerdictAdmit, engine.Decide(context.Background(), request).Verdict)
	suite.Equal(fortlib.StateUnverified, suite.state("guest"))
	suite.Equal(0, suite.store.Len())

	suite.Equal(fortlib.VerdictReject, engine.Decide(context.Background(), request).Verdict)
}

func TestEngineIntegration(t *testing.T) {
	t.Parallel()
	suite.Run(t, &EngineIntegrationTestSuite{})
}
