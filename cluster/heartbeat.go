package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/hashicorp/go-multierror"
)

const (
	maxDatagramSize = 1024
)

// Heartbeat is a liveness message of a node.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Address   string    `json:"address"`
	Load      float64   `json:"load"`
	Capacity  float64   `json:"capacity"`
	Intensity int       `json:"intensity"`
	Version   string    `json:"version"`
	SentAt    time.Time `json:"sent_at"`
}

// LoadFunc returns current load and capacity of this node.
type LoadFunc func() (float64, float64)

// HeartbeaterOpts defines settings of the heartbeater.
type HeartbeaterOpts struct {
	// Conn is a bound UDP socket.
	//
	// This is a mandatory setting.
	Conn net.PacketConn

	// Table is a peer table to update.
	//
	// This is a mandatory setting.
	Table *PeerTable

	// NodeID is an identifier of this node.
	//
	// This is a mandatory setting.
	NodeID string

	// Address is a public address of this node which peers use as a
	// redirect target.
	//
	// This is a mandatory setting.
	Address string

	// Load reports current load of this node.
	//
	// This is a mandatory setting.
	Load LoadFunc

	// Dial is a shared intensity handle.
	//
	// This is a mandatory setting.
	Dial *intensity.Dial

	// Logger is a logger instance.
	//
	// This is a mandatory setting.
	Logger fortlib.Logger

	// EventStream receives peer health changes.
	//
	// This is an optional setting.
	EventStream fortlib.EventStream

	// Version is sent to peers for diagnostics.
	//
	// This is an optional setting.
	Version string

	// Interval is a period of heartbeats.
	//
	// This is an optional setting.
	Interval time.Duration

	// Timeout bounds a single send.
	//
	// This is an optional setting.
	Timeout time.Duration
}

// Heartbeater sends heartbeats to all known peers and receives theirs.
type Heartbeater struct {
	conn        net.PacketConn
	table       *PeerTable
	nodeID      string
	address     string
	version     string
	load        LoadFunc
	dial        *intensity.Dial
	logger      fortlib.Logger
	eventStream fortlib.EventStream
	interval    time.Duration
	timeout     time.Duration

	lastHealthy  int
	lastKnown    int
	lastIsolated bool
}

// Run sends heartbeats until context is closed. Socket is closed on
// exit.
func (h *Heartbeater) Run(ctx context.Context) {
	go h.receive()

	go func() {
		<-ctx.Done()
		h.conn.Close()
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeater) tick(ctx context.Context) {
	if err := h.Broadcast(); err != nil {
		h.logger.DebugError("some heartbeats are not sent", err)
	}

	healthy, known := h.table.Check()
	isolated := h.table.Isolated()

	if healthy == h.lastHealthy && known == h.lastKnown && isolated == h.lastIsolated {
		return
	}

	if isolated != h.lastIsolated {
		h.logger.
			BindInt("healthy", healthy).
			BindInt("known", known).
			BindStr("isolated", fmt.Sprint(isolated)).
			Warning("cluster isolation has changed")
	}

	h.lastHealthy, h.lastKnown, h.lastIsolated = healthy, known, isolated

	if h.eventStream != nil {
		h.eventStream.Send(ctx, fortlib.NewEventPeerHealth(healthy, known, isolated))
	}
}

// Broadcast sends a heartbeat to every peer. Errors of all peers are
// collected.
func (h *Heartbeater) Broadcast() error {
	load, capacity := h.load()

	data, err := json.Marshal(Heartbeat{
		NodeID:    h.nodeID,
		Address:   h.address,
		Load:      load,
		Capacity:  capacity,
		Intensity: h.dial.Level(),
		Version:   h.version,
		SentAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("cannot encode heartbeat: %w", err)
	}

	var errs *multierror.Error

	for _, endpoint := range h.table.Endpoints() {
		if err := h.send(endpoint, data); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", endpoint, err))
		}
	}

	return errs.ErrorOrNil()
}

func (h *Heartbeater) send(endpoint string, data []byte) error {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return fmt.Errorf("incorrect endpoint: %w", err)
	}

	if err := h.conn.SetWriteDeadline(time.Now().Add(h.timeout)); err != nil {
		return fmt.Errorf("cannot set deadline: %w", err)
	}

	_, err = h.conn.WriteTo(data, addr)

	return err //nolint: wrapcheck
}

func (h *Heartbeater) receive() {
	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := h.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			h.logger.DebugError("cannot read heartbeat", err)

			continue
		}

		hb := Heartbeat{}
		if err := json.Unmarshal(buf[:n], &hb); err != nil {
			h.logger.DebugError("malformed heartbeat", err)

			continue
		}

		h.table.Observe(hb, from.String())
	}
}

// NewHeartbeater creates a new heartbeater.
func NewHeartbeater(opts HeartbeaterOpts) (*Heartbeater, error) {
	switch {
	case opts.Conn == nil:
		return nil, fmt.Errorf("socket is not defined")
	case opts.Table == nil:
		return nil, fmt.Errorf("peer table is not defined")
	case opts.NodeID == "":
		return nil, fmt.Errorf("node id is not defined")
	case opts.Load == nil:
		return nil, fmt.Errorf("load function is not defined")
	case opts.Dial == nil:
		return nil, fmt.Errorf("intensity dial is not defined")
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger is not defined")
	}

	h := &Heartbeater{
		conn:        opts.Conn,
		table:       opts.Table,
		nodeID:      opts.NodeID,
		address:     opts.Address,
		version:     opts.Version,
		load:        opts.Load,
		dial:        opts.Dial,
		logger:      opts.Logger.Named("heartbeat"),
		eventStream: opts.EventStream,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
	}

	if h.interval == 0 {
		h.interval = DefaultHeartbeatInterval
	}

	if h.timeout == 0 {
		h.timeout = fortlib.DefaultPeerTimeout
	}

	return h, nil
}
