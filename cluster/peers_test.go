package cluster_test

import (
	"sync"
	"testing"
	"time"

	"github.com/fortify-onion/fortify/cluster"
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

type PeerTableTestSuite struct {
	suite.Suite

	clock *fakeClock
	table *cluster.PeerTable
}

func (suite *PeerTableTestSuite) SetupTest() {
	suite.clock = &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	suite.table = cluster.NewPeerTable(cluster.PeerTableOpts{
		NodeID: "self",
		Peers: map[string]string{
			"a":    "10.0.0.1:7946",
			"b":    "10.0.0.2:7946",
			"self": "10.0.0.3:7946",
		},
		Clock: suite.clock.Now,
	})
}

func (suite *PeerTableTestSuite) beat(id string, load, capacity float64) {
	suite.table.Observe(cluster.Heartbeat{
		NodeID:   id,
		Address:  id + ".onion",
		Load:     load,
		Capacity: capacity,
	}, "")
}

func (suite *PeerTableTestSuite) TestConfiguredPeersStartUnhealthy() {
	healthy, known := suite.table.Check()

	suite.Equal(0, healthy)
	suite.Equal(2, known)
	suite.True(suite.table.Isolated())
	suite.False(suite.table.CanMint())

	_, ok := suite.table.RedirectTarget()
	suite.False(ok)
	suite.ElementsMatch([]string{"10.0.0.1:7946", "10.0.0.2:7946"}, suite.table.Endpoints())
}

func (suite *PeerTableTestSuite) TestMajority() {
	suite.beat("a", 10, 100)
	suite.table.Check()

	suite.False(suite.table.Isolated())
	suite.True(suite.table.CanMint())
}

func (suite *PeerTableTestSuite) TestOwnHeartbeatIgnored() {
	suite.False(suite.table.Observe(cluster.Heartbeat{NodeID: "self"}, ""))

	_, known := suite.table.Check()
	suite.Equal(2, known)
}

func (suite *PeerTableTestSuite) TestLeastLoadedTarget() {
	suite.beat("a", 80, 100)
	suite.beat("b", 20, 100)
	suite.table.Check()

	peer, ok := suite.table.RedirectTarget()
	suite.True(ok)
	suite.Equal("b", peer.ID)
	suite.Equal("b.onion", peer.Address)
}

func (suite *PeerTableTestSuite) TestFullPeerIsNotTarget() {
	suite.beat("a", 100, 100)
	suite.table.Check()

	_, ok := suite.table.RedirectTarget()
	suite.False(ok)
}

func (suite *PeerTableTestSuite) TestMissedHeartbeats() {
	suite.beat("a", 10, 100)
	suite.beat("b", 10, 100)
	suite.table.Check()
	suite.False(suite.table.Isolated())

	suite.clock.Advance(3*cluster.DefaultHeartbeatInterval + time.Second)

	healthy, known := suite.table.Check()
	suite.Equal(0, healthy)
	suite.Equal(2, known)
	suite.True(suite.table.Isolated())

	_, ok := suite.table.RedirectTarget()
	suite.False(ok)

	suite.beat("b", 10, 100)
	suite.table.Check()
	suite.False(suite.table.Isolated())
}

func (suite *PeerTableTestSuite) TestDiscoveredPeerRemoved() {
	suite.table.Observe(cluster.Heartbeat{NodeID: "c", Address: "c.onion"}, "10.0.0.9:7946")

	_, known := suite.table.Check()
	suite.Equal(3, known)
	suite.Contains(suite.table.Endpoints(), "10.0.0.9:7946")

	suite.clock.Advance(cluster.DefaultRemoveAfter + time.Second)

	_, known = suite.table.Check()
	suite.Equal(2, known)

	snapshot := suite.table.Snapshot()
	suite.Len(snapshot, 2)
	suite.Equal("a", snapshot[0].ID)
	suite.True(snapshot[0].Static)
}

func (suite *PeerTableTestSuite) TestPartitionFromDiscoveredPeersStaysIsolated() {
	table := cluster.NewPeerTable(cluster.PeerTableOpts{
		NodeID: "self",
		Clock:  suite.clock.Now,
	})

	table.Observe(cluster.Heartbeat{NodeID: "c", Address: "c.onion"}, "10.0.0.9:7946")
	table.Observe(cluster.Heartbeat{NodeID: "d", Address: "d.onion"}, "10.0.0.10:7946")
	table.Check()
	suite.False(table.Isolated())

	suite.clock.Advance(cluster.DefaultRemoveAfter + time.Second)

	_, known := table.Check()
	suite.Equal(0, known)
	suite.True(table.Isolated())
	suite.False(table.CanMint())

	table.Observe(cluster.Heartbeat{NodeID: "c", Address: "c.onion"}, "10.0.0.9:7946")
	table.Check()
	suite.False(table.Isolated())

	suite.clock.Advance(cluster.DefaultForgetAfter + cluster.DefaultRemoveAfter + time.Minute)
	table.Check()
	suite.True(table.Isolated())

	suite.clock.Advance(cluster.DefaultForgetAfter + time.Minute)
	table.Check()
	suite.False(table.Isolated())
}

func (suite *PeerTableTestSuite) TestSingleNodeIsNotIsolated() {
	table := cluster.NewPeerTable(cluster.PeerTableOpts{NodeID: "self"})

	suite.False(table.Isolated())

	_, ok := table.RedirectTarget()
	suite.False(ok)
}

func TestPeerTable(t *testing.T) {
	t.Parallel()
	suite.Run(t, &PeerTableTestSuite{})
}
