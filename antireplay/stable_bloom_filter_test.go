package antireplay_test

import (
	"testing"

	"github.com/fortify-onion/fortify/antireplay"
	"github.com/stretchr/testify/suite"
)

type StableBloomFilterTestSuite struct {
	suite.Suite
}

func (suite *StableBloomFilterTestSuite) TestOp() {
	filter := antireplay.NewStableBloomFilter(64*1024, 0.001)

	suite.False(filter.SeenBefore([]byte{1, 2, 3}))
	suite.False(filter.SeenBefore([]byte{4, 5, 6}))
	suite.True(filter.SeenBefore([]byte{1, 2, 3}))
	suite.True(filter.SeenBefore([]byte{4, 5, 6}))

	metrics := filter.Metrics()
	suite.EqualValues(4, metrics.TotalChecks)
	suite.EqualValues(2, metrics.ReplayDetected)
	suite.EqualValues(2, metrics.UniqueTokens)
	suite.EqualValues(64*1024*8, metrics.Cells)
	suite.Positive(metrics.FalsePositiveRate)
	suite.Less(metrics.FalsePositiveRate, 1.0)
}

func (suite *StableBloomFilterTestSuite) TestDefaults() {
	filter := antireplay.NewStableBloomFilter(0, -1)

	suite.False(filter.SeenBefore([]byte("nonce")))
	suite.True(filter.SeenBefore([]byte("nonce")))
}

func (suite *StableBloomFilterTestSuite) TestNoop() {
	cache := antireplay.NewNoop()

	suite.False(cache.SeenBefore([]byte{1}))
	suite.False(cache.SeenBefore([]byte{1}))
}

func TestStableBloomFilter(t *testing.T) {
	t.Parallel()
	suite.Run(t, &StableBloomFilterTestSuite{})
}
