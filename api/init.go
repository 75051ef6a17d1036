// Package api contains HTTP surfaces of the engine.
//
// Public router sits behind a reverse proxy which forwards an identity tag
// in a header. Admin router is bound to a separate address and is guarded
// by a source network allowlist and bearer tokens.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fortify-onion/fortify/antireplay"
	"github.com/fortify-onion/fortify/challenge"
	"github.com/fortify-onion/fortify/cluster"
	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/fortify-onion/fortify/reputation"
)

const (
	DefaultIdentityHeader = "X-Circuit-ID"
	DefaultAuditSize      = 1024

	// PassportHeader carries a passport both ways: a redirect response
	// sets it and a redirected request presents it.
	PassportHeader = "X-Fortify-Passport"

	// PassportQuery is an alternative of PassportHeader for clients which
	// cannot set headers on redirect.
	PassportQuery = "passport"

	// MinReadyFill is a pool fill ratio a node needs to report readiness.
	MinReadyFill = 0.1

	maxBodySize = 4096
)

// Engine is an admission engine.
type Engine interface {
	Decide(ctx context.Context, req fortlib.Request) fortlib.Decision
	Submit(ctx context.Context, sub fortlib.Submission) fortlib.Decision
}

// PoolView is a read-only view of the challenge pool.
type PoolView interface {
	Fill() float64
	Stats() challenge.Stats
}

// Reputation is a subset of the reputation store used by administrators.
type Reputation interface {
	Snapshot(id string) (reputation.Record, bool)
	Promote(id string) error
	Ban(id, reason string) error
	Unban(id string) error
	Counts() map[fortlib.State]int
	Len() int
	JournalDropped() uint64
	Unsynced() int
}

// AntiReplayView exposes counters of the passport nonce cache.
type AntiReplayView interface {
	Metrics() antireplay.Metrics
}

// IntensityController changes intensity of the node and of the cluster.
type IntensityController interface {
	SetIntensity(ctx context.Context, level int, origin string) (intensity.Thresholds, error)
}

// Upstream is a command channel to the connection-governing layer.
type Upstream interface {
	fortlib.Upstream

	Clear(id string)
	IsPending(id string) bool
	Stats() map[string]uint64
}

// PeerView is a read-only view of the cluster.
type PeerView interface {
	Snapshot() []cluster.PeerHealth
	Isolated() bool
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(value) //nolint: errcheck, errchkjson
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func retryAfterSeconds(value time.Duration) int {
	seconds := int((value + time.Second - 1) / time.Second)

	return max(1, seconds)
}
