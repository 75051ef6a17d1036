package passport_test

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/fortify-onion/fortify/antireplay"
	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/passport"
	"github.com/stretchr/testify/suite"
)

type guardMock bool

func (g guardMock) CanMint() bool { return bool(g) }

type PassportTestSuite struct {
	suite.Suite

	now time.Time

	keyA *passport.Keyring
	keyB *passport.Keyring

	issuerA    *passport.Issuer
	validatorA *passport.Validator
	validatorB *passport.Validator
}

func (suite *PassportTestSuite) clock() time.Time {
	return suite.now
}

func (suite *PassportTestSuite) keyring(id string, peers map[string]ed25519.PublicKey) *passport.Keyring {
	private, err := passport.GenerateKey()
	suite.Require().NoError(err)

	keyring, err := passport.NewKeyring(passport.KeyringOpts{
		NodeID:     id,
		PrivateKey: private,
		Peers:      peers,
	})
	suite.Require().NoError(err)

	return keyring
}

func (suite *PassportTestSuite) SetupTest() {
	suite.now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	suite.keyA = suite.keyring("node-a", nil)
	suite.keyB = suite.keyring("node-b", map[string]ed25519.PublicKey{
		"node-a": suite.keyA.Public(),
	})

	var err error

	suite.issuerA, err = passport.NewIssuer(passport.IssuerOpts{
		Keyring: suite.keyA,
		Clock:   suite.clock,
	})
	suite.Require().NoError(err)

	suite.validatorA, err = passport.NewValidator(passport.ValidatorOpts{
		Keyring: suite.keyA,
		Clock:   suite.clock,
	})
	suite.Require().NoError(err)

	suite.validatorB, err = passport.NewValidator(passport.ValidatorOpts{
		Keyring:         suite.keyB,
		AntiReplayCache: antireplay.NewStableBloomFilter(0, -1),
		Clock:           suite.clock,
	})
	suite.Require().NoError(err)
}

func (suite *PassportTestSuite) mint(target string) string {
	token, err := suite.issuerA.Mint(target)
	suite.Require().NoError(err)

	return token
}

func (suite *PassportTestSuite) TestValid() {
	token := suite.mint("node-b")

	suite.True(strings.HasPrefix(token, "v1."))
	suite.NoError(suite.validatorB.Validate(token))
}

func (suite *PassportTestSuite) TestReplayed() {
	token := suite.mint("node-b")

	suite.NoError(suite.validatorB.Validate(token))
	suite.ErrorIs(suite.validatorB.Validate(token), passport.ErrReplayed)
}

func (suite *PassportTestSuite) TestTwoPassportsAreDifferent() {
	first := suite.mint("node-b")
	second := suite.mint("node-b")

	suite.NotEqual(first, second)
	suite.NoError(suite.validatorB.Validate(first))
	suite.NoError(suite.validatorB.Validate(second))
}

func (suite *PassportTestSuite) TestWrongTarget() {
	token := suite.mint("node-c")

	suite.ErrorIs(suite.validatorB.Validate(token), passport.ErrWrongTarget)
	suite.ErrorIs(suite.validatorA.Validate(token), passport.ErrWrongTarget)
}

func (suite *PassportTestSuite) TestUnknownIssuer() {
	keyC := suite.keyring("node-c", nil)

	issuerC, err := passport.NewIssuer(passport.IssuerOpts{Keyring: keyC, Clock: suite.clock})
	suite.Require().NoError(err)

	token, err := issuerC.Mint("node-b")
	suite.Require().NoError(err)

	suite.ErrorIs(suite.validatorB.Validate(token), passport.ErrUnknownIssuer)
}

func (suite *PassportTestSuite) TestBadSignature() {
	parts := strings.Split(suite.mint("node-b"), ".")
	other := strings.Split(suite.mint("node-b"), ".")

	suite.ErrorIs(
		suite.validatorB.Validate(parts[0]+"."+parts[1]+"."+other[2]),
		passport.ErrBadSignature)
}

func (suite *PassportTestSuite) TestImpersonation() {
	// node-c signs a token claiming to be node-a
	keyC := suite.keyring("node-a", nil)

	issuerC, err := passport.NewIssuer(passport.IssuerOpts{Keyring: keyC, Clock: suite.clock})
	suite.Require().NoError(err)

	token, err := issuerC.Mint("node-b")
	suite.Require().NoError(err)

	suite.ErrorIs(suite.validatorB.Validate(token), passport.ErrBadSignature)
}

func (suite *PassportTestSuite) TestExpired() {
	token := suite.mint("node-b")

	suite.now = suite.now.Add(passport.DefaultTTL + passport.DefaultSkew + time.Second)
	suite.ErrorIs(suite.validatorB.Validate(token), passport.ErrExpired)
}

func (suite *PassportTestSuite) TestSkewTolerated() {
	token := suite.mint("node-b")

	suite.now = suite.now.Add(passport.DefaultTTL + time.Second)
	suite.NoError(suite.validatorB.Validate(token))
}

func (suite *PassportTestSuite) TestMalformed() {
	token := suite.mint("node-b")

	for _, value := range []string{
		"",
		"v1",
		"v2" + strings.TrimPrefix(token, "v1"),
		"v1.!!!.???",
		"v1.e30.AAAA",
		token + ".x",
		strings.Repeat("a", 2000),
	} {
		suite.ErrorIs(suite.validatorB.Validate(value), passport.ErrMalformed, value)
	}
}

func (suite *PassportTestSuite) TestIsolatedNodeDoesNotMint() {
	issuer, err := passport.NewIssuer(passport.IssuerOpts{
		Keyring: suite.keyA,
		Guard:   guardMock(false),
	})
	suite.Require().NoError(err)

	_, err = issuer.Mint("node-b")
	suite.ErrorIs(err, fortlib.ErrIsolated)
}

func (suite *PassportTestSuite) TestIncorrectTarget() {
	_, err := suite.issuerA.Mint("")
	suite.Error(err)
}

func TestPassport(t *testing.T) {
	t.Parallel()
	suite.Run(t, &PassportTestSuite{})
}
