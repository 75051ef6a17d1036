// Package upstream delivers identity marks to HAProxy.
//
// HAProxy keeps a stick table keyed by identity. This package sets a
// general purpose counter of the key through the runtime API:
//
//	set table <table> key <id> data.gpc0 <mark>
//	clear table <table> key <id>
//
// so the proxy can filter banned identities and fast-path trusted ones
// before a request reaches the engine. Commands are idempotent; a command
// is considered applied only if HAProxy answered with an empty response.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	DefaultTimeout = 200 * time.Millisecond

	maxResponseSize = 4096
)

// ErrRejected is returned if HAProxy answered a command with a message.
var ErrRejected = errors.New("command is rejected")

// Mark is a value of the stick table counter.
type Mark uint8

const (
	MarkUnverified Mark = iota
	MarkTrusted
	MarkBanned
)

func (m Mark) String() string {
	switch m {
	case MarkUnverified:
		return "unverified"
	case MarkTrusted:
		return "trusted"
	case MarkBanned:
		return "banned"
	}

	return fmt.Sprintf("mark(%d)", uint8(m))
}

// Command is a single runtime API command.
type Command struct {
	Identity string
	Mark     Mark
	Clear    bool

	seq uint64
}

func (c Command) line(table string) string {
	if c.Clear {
		return fmt.Sprintf("clear table %s key %s\n", table, c.Identity)
	}

	return fmt.Sprintf("set table %s key %s data.gpc0 %d\n", table, c.Identity, c.Mark)
}

// Safe reports if identity can be put into a command line. Runtime API
// has no quoting, so anything beyond a conservative alphabet is refused.
func Safe(identity string) bool {
	if identity == "" {
		return false
	}

	for i := 0; i < len(identity); i++ {
		switch ch := identity[i]; {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}

	return true
}

// Client executes commands over a fresh connection each: HAProxy closes
// non-interactive sessions after a response.
type Client struct {
	dialer  Dialer
	network string
	address string
	table   string
	timeout time.Duration
}

// Execute sends a command and waits for the response.
func (c *Client) Execute(ctx context.Context, cmd Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return fmt.Errorf("cannot dial runtime api: %w", err)
	}

	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("cannot set deadline: %w", err)
	}

	if _, err := io.WriteString(conn, cmd.line(c.table)); err != nil {
		return fmt.Errorf("cannot send command: %w", err)
	}

	response, err := io.ReadAll(io.LimitReader(conn, maxResponseSize))
	if err != nil {
		return fmt.Errorf("cannot read response: %w", err)
	}

	if text := strings.TrimSpace(string(response)); text != "" {
		return fmt.Errorf("%w: %s", ErrRejected, text)
	}

	return nil
}

// ClientOpts defines settings of the client.
type ClientOpts struct {
	// Address is an address of the runtime API. Paths are unix sockets,
	// host:port pairs are TCP.
	//
	// This is a mandatory setting.
	Address string

	// Table is a name of the stick table.
	//
	// This is a mandatory setting.
	Table string

	// Timeout bounds a single command.
	//
	// This is an optional setting.
	Timeout time.Duration

	// Dialer is a base dialer.
	//
	// This is an optional setting.
	Dialer Dialer

	// CooldownThreshold is a number of consecutive dial failures after
	// which dialing pauses for Cooldown.
	//
	// This is an optional setting.
	CooldownThreshold uint

	// Cooldown is a pause of dialing.
	//
	// This is an optional setting.
	Cooldown time.Duration
}

// NewClient creates a new runtime API client.
func NewClient(opts ClientOpts) (*Client, error) {
	switch {
	case opts.Address == "":
		return nil, fmt.Errorf("runtime api address is not defined")
	case opts.Table == "" || !Safe(opts.Table):
		return nil, fmt.Errorf("incorrect stick table %q", opts.Table)
	}

	client := &Client{
		network: "tcp",
		address: opts.Address,
		table:   opts.Table,
		timeout: opts.Timeout,
	}

	if strings.HasPrefix(opts.Address, "/") || strings.HasPrefix(opts.Address, "unix:") {
		client.network = "unix"
		client.address = strings.TrimPrefix(opts.Address, "unix:")
	}

	if client.timeout == 0 {
		client.timeout = DefaultTimeout
	}

	base := opts.Dialer
	if base == nil {
		base = &net.Dialer{}
	}

	threshold := opts.CooldownThreshold
	if threshold == 0 {
		threshold = DefaultCooldownThreshold
	}

	cooldown := opts.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}

	client.dialer = newCooldownDialer(base, uint32(threshold), cooldown, nil) //nolint: gosec

	return client, nil
}
