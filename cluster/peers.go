// Package cluster keeps nodes of a deployment in agreement.
//
// Nodes exchange UDP heartbeats with coarse load. A node which has not
// been heard for a few intervals is unhealthy and is not a redirect
// target. A node which hears from less than a majority of the cluster is
// isolated: it keeps serving local traffic but stops minting passports.
//
// Reputation changes and defense intensity are shared through Redis: a
// record is written under its key and a sync message is published for
// other nodes to apply.
package cluster

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultRemoveAfter       = 10 * time.Minute
	DefaultForgetAfter       = 24 * time.Hour
)

// PeerHealth is a state of a single peer.
type PeerHealth struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Endpoint  string    `json:"endpoint"`
	Load      float64   `json:"load"`
	Capacity  float64   `json:"capacity"`
	Intensity int       `json:"intensity"`
	Version   string    `json:"version"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
	Static    bool      `json:"static"`
}

// PeerTableOpts defines settings of the peer table.
type PeerTableOpts struct {
	// NodeID is an identifier of this node. Heartbeats of itself are
	// ignored.
	//
	// This is a mandatory setting.
	NodeID string

	// Peers are configured peers: node id to heartbeat endpoint. They
	// are never removed from the table.
	//
	// This is an optional setting.
	Peers map[string]string

	// HeartbeatInterval is a period of heartbeats.
	//
	// This is an optional setting.
	HeartbeatInterval time.Duration

	// MissedHeartbeats is a number of intervals without heartbeat after
	// which a peer is unhealthy.
	//
	// This is an optional setting.
	MissedHeartbeats uint

	// RemoveAfter is a period of silence after which a discovered peer
	// is removed from the table.
	//
	// This is an optional setting.
	RemoveAfter time.Duration

	// ForgetAfter is a period after removal during which a discovered
	// peer still counts as a cluster member for isolation.
	//
	// This is an optional setting.
	ForgetAfter time.Duration

	// Clock returns current time.
	//
	// This is an optional setting.
	Clock func() time.Time
}

// PeerTable is a liveness table of peers.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerHealth
	// removed discovered peers to the time of removal
	departed map[string]time.Time

	nodeID      string
	unhealthyIn time.Duration
	removeAfter time.Duration
	forgetAfter time.Duration
	now         func() time.Time

	isolated atomic.Bool
}

// Observe registers a heartbeat received from the endpoint. It returns
// false for own heartbeats.
func (p *PeerTable) Observe(hb Heartbeat, endpoint string) bool {
	if hb.NodeID == p.nodeID || hb.NodeID == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	peer, ok := p.peers[hb.NodeID]
	if !ok {
		peer = &PeerHealth{ID: hb.NodeID}
		p.peers[hb.NodeID] = peer
		delete(p.departed, hb.NodeID)
	}

	if !peer.Static && endpoint != "" {
		peer.Endpoint = endpoint
	}

	peer.Address = hb.Address
	peer.Load = hb.Load
	peer.Capacity = hb.Capacity
	peer.Intensity = hb.Intensity
	peer.Version = hb.Version
	peer.LastSeen = p.now()
	peer.Healthy = true

	return true
}

// Check refreshes health flags, removes long silent peers and recomputes
// isolation. It returns numbers of healthy and known peers.
//
// Removed peers keep counting as members until ForgetAfter passes, so a
// node cut off from discovered peers stays isolated.
func (p *PeerTable) Check() (int, int) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := 0

	for id, peer := range p.peers {
		silence := now.Sub(peer.LastSeen)

		if !peer.Static && silence > p.removeAfter {
			delete(p.peers, id)
			p.departed[id] = now

			continue
		}

		peer.Healthy = !peer.LastSeen.IsZero() && silence <= p.unhealthyIn

		if peer.Healthy {
			healthy++
		}
	}

	for id, removedAt := range p.departed {
		if now.Sub(removedAt) > p.forgetAfter {
			delete(p.departed, id)
		}
	}

	known := len(p.peers)
	members := known + len(p.departed)

	// a majority of the cluster, this node included
	p.isolated.Store(healthy+1 <= (members+1)/2) //nolint: gomnd

	return healthy, known
}

// Isolated reports if this node cannot reach a majority of the cluster.
func (p *PeerTable) Isolated() bool {
	return p.isolated.Load()
}

// CanMint reports if this node may issue passports.
func (p *PeerTable) CanMint() bool {
	return !p.isolated.Load()
}

// RedirectTarget returns the least loaded healthy peer. Peers at or over
// capacity are skipped.
func (p *PeerTable) RedirectTarget() (fortlib.Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *PeerHealth

	for _, peer := range p.peers {
		if !peer.Healthy || peer.Address == "" {
			continue
		}

		if peer.Capacity > 0 && peer.Load >= peer.Capacity {
			continue
		}

		if best == nil || peer.ratio() < best.ratio() || (peer.ratio() == best.ratio() && peer.ID < best.ID) {
			best = peer
		}
	}

	if best == nil {
		return fortlib.Peer{}, false
	}

	return fortlib.Peer{
		ID:      best.ID,
		Address: best.Address,
		Load:    best.Load,
	}, true
}

// Snapshot returns copies of all peers sorted by id.
func (p *PeerTable) Snapshot() []PeerHealth {
	p.mu.RLock()
	rv := make([]PeerHealth, 0, len(p.peers))

	for _, peer := range p.peers {
		rv = append(rv, *peer)
	}
	p.mu.RUnlock()

	slices.SortFunc(rv, func(a, b PeerHealth) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return rv
}

// Endpoints returns heartbeat endpoints of all known peers.
func (p *PeerTable) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rv := make([]string, 0, len(p.peers))

	for _, peer := range p.peers {
		if peer.Endpoint != "" {
			rv = append(rv, peer.Endpoint)
		}
	}

	return rv
}

func (p *PeerHealth) ratio() float64 {
	if p.Capacity <= 0 {
		return p.Load
	}

	return p.Load / p.Capacity
}

// NewPeerTable creates a table with configured peers. Until first
// heartbeat they are unhealthy.
func NewPeerTable(opts PeerTableOpts) *PeerTable {
	interval := opts.HeartbeatInterval
	if interval == 0 {
		interval = DefaultHeartbeatInterval
	}

	missed := opts.MissedHeartbeats
	if missed == 0 {
		missed = DefaultMissedHeartbeats
	}

	table := &PeerTable{
		peers:       make(map[string]*PeerHealth, len(opts.Peers)),
		departed:    map[string]time.Time{},
		nodeID:      opts.NodeID,
		unhealthyIn: interval * time.Duration(missed),
		removeAfter: opts.RemoveAfter,
		forgetAfter: opts.ForgetAfter,
		now:         opts.Clock,
	}

	if table.removeAfter == 0 {
		table.removeAfter = DefaultRemoveAfter
	}

	if table.forgetAfter == 0 {
		table.forgetAfter = DefaultForgetAfter
	}

	if table.now == nil {
		table.now = time.Now
	}

	for id, endpoint := range opts.Peers {
		if id != opts.NodeID {
			table.peers[id] = &PeerHealth{
				ID:       id,
				Endpoint: endpoint,
				Static:   true,
			}
		}
	}

	table.Check()

	return table
}

var _ fortlib.Cluster = (*PeerTable)(nil)
