package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fortify-onion/fortify/antireplay"
	"github.com/fortify-onion/fortify/challenge"
	"github.com/fortify-onion/fortify/cluster"
	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/fortify-onion/fortify/reputation"
	"github.com/gorilla/mux"
)

const (
	ActionSetIntensity = "set-intensity"
	ActionPromote      = "promote"
	ActionBan          = "ban"
	ActionUnban        = "unban"
)

// AdminOpts defines settings of the admin router.
type AdminOpts struct {
	// Store is a reputation store.
	//
	// This is a mandatory setting.
	Store Reputation

	// Dial is a shared intensity handle.
	//
	// This is a mandatory setting.
	Dial *intensity.Dial

	// Pool is a challenge pool.
	//
	// This is a mandatory setting.
	Pool PoolView

	// Logger is a logger instance.
	//
	// This is a mandatory setting.
	Logger fortlib.Logger

	// Tokens maps actor names to hex SHA-256 digests of their bearer
	// tokens.
	//
	// This is a mandatory setting.
	Tokens map[string]string

	// Allowlist is a list of source networks admin calls are accepted
	// from.
	//
	// This is a mandatory setting.
	Allowlist []net.IPNet

	// Intensity shares intensity changes with the cluster.
	//
	// This is an optional setting. If not set, changes are local.
	Intensity IntensityController

	// Upstream receives administrative marks.
	//
	// This is an optional setting.
	Upstream Upstream

	// Peers is a view of the cluster.
	//
	// This is an optional setting.
	Peers PeerView

	// AntiReplay is a passport nonce cache.
	//
	// This is an optional setting.
	AntiReplay AntiReplayView

	// EventStream receives intensity changes if Intensity is not set.
	//
	// This is an optional setting.
	EventStream fortlib.EventStream

	// AuditSize is a number of audit entries kept in memory.
	//
	// This is an optional setting.
	AuditSize uint

	// Clock returns current time.
	//
	// This is an optional setting.
	Clock func() time.Time
}

type adminHandler struct {
	store      Reputation
	dial       *intensity.Dial
	pool       PoolView
	logger     fortlib.Logger
	intensity  IntensityController
	upstream   Upstream
	peers      PeerView
	antiReplay AntiReplayView
	audit      *auditLog
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type intensityRequest struct {
	Level  *int   `json:"level"`
	Reason string `json:"reason"`
}

type intensityResponse struct {
	Level      int                  `json:"level"`
	Thresholds intensity.Thresholds `json:"thresholds"`
	Shared     *bool                `json:"shared,omitempty"`
}

type identityResponse struct {
	Hash    string             `json:"hash"`
	Known   bool               `json:"known"`
	State   fortlib.State      `json:"state"`
	Record  *reputation.Record `json:"record,omitempty"`
	Pending bool               `json:"upstream_pending"`
}

type statsResponse struct {
	Records        int                  `json:"records"`
	Counts         map[string]int       `json:"counts"`
	JournalDropped uint64               `json:"journal_dropped"`
	Unsynced       int                  `json:"unsynced"`
	Pool           challenge.Stats      `json:"pool"`
	Peers          []cluster.PeerHealth `json:"peers"`
	Isolated       bool                 `json:"isolated"`
	Upstream       map[string]uint64    `json:"upstream,omitempty"`
	AntiReplay     *antireplay.Metrics  `json:"anti_replay,omitempty"`
	Level          int                  `json:"intensity"`
}

func (a *adminHandler) getIntensity(w http.ResponseWriter, _ *http.Request) {
	th := a.dial.Thresholds()

	writeJSON(w, http.StatusOK, intensityResponse{
		Level:      th.Level,
		Thresholds: th,
	})
}

func (a *adminHandler) setIntensity(w http.ResponseWriter, r *http.Request) {
	req := intensityRequest{}

	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	switch {
	case req.Level == nil:
		writeError(w, http.StatusBadRequest, "level is required")

		return
	case *req.Level < intensity.Min || *req.Level > intensity.Max:
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("level must be in [%d, %d]", intensity.Min, intensity.Max))

		return
	case strings.TrimSpace(req.Reason) == "":
		writeError(w, http.StatusBadRequest, "reason is required")

		return
	}

	actor := actorFromContext(r.Context())
	th, err := a.intensity.SetIntensity(r.Context(), *req.Level, "admin:"+actor)
	shared := err == nil

	if err != nil {
		a.logger.WarningError("intensity is changed only locally", err)
	}

	a.audit.Record(actor, ActionSetIntensity, fmt.Sprintf("%d", th.Level), req.Reason)

	writeJSON(w, http.StatusOK, intensityResponse{
		Level:      th.Level,
		Thresholds: th,
		Shared:     &shared,
	})
}

func (a *adminHandler) stats(w http.ResponseWriter, _ *http.Request) {
	counts := a.store.Counts()
	resp := statsResponse{
		Records:        a.store.Len(),
		Counts:         make(map[string]int, len(counts)),
		JournalDropped: a.store.JournalDropped(),
		Unsynced:       a.store.Unsynced(),
		Pool:           a.pool.Stats(),
		Peers:          []cluster.PeerHealth{},
		Level:          a.dial.Level(),
	}

	for state, count := range counts {
		resp.Counts[state.String()] = count
	}

	if a.peers != nil {
		resp.Peers = a.peers.Snapshot()
		resp.Isolated = a.peers.Isolated()
	}

	if a.upstream != nil {
		resp.Upstream = a.upstream.Stats()
	}

	if a.antiReplay != nil {
		metrics := a.antiReplay.Metrics()
		resp.AntiReplay = &metrics
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *adminHandler) identity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := fortlib.ValidateIdentity(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid identity")

		return
	}

	writeJSON(w, http.StatusOK, a.describe(id))
}

func (a *adminHandler) describe(id string) identityResponse {
	resp := identityResponse{
		Hash:  fortlib.IdentityHash(id),
		State: fortlib.StateUnverified,
	}

	if rec, ok := a.store.Snapshot(id); ok {
		resp.Known = true
		resp.State = rec.State
		resp.Record = &rec
	}

	if a.upstream != nil {
		resp.Pending = a.upstream.IsPending(id)
	}

	return resp
}

func (a *adminHandler) act(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]

	if err := fortlib.ValidateIdentity(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid identity")

		return
	}

	req := reasonRequest{}

	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")

		return
	}

	var err error

	switch action {
	case ActionPromote:
		if err = a.store.Promote(id); err == nil && a.upstream != nil {
			a.upstream.MarkTrusted(id)
		}
	case ActionBan:
		if err = a.store.Ban(id, req.Reason); err == nil && a.upstream != nil {
			a.upstream.MarkBanned(id)
		}
	case ActionUnban:
		if err = a.store.Unban(id); err == nil && a.upstream != nil {
			a.upstream.Clear(id)
		}
	}

	switch {
	case errors.Is(err, fortlib.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())

		return
	case errors.Is(err, fortlib.ErrStoreFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())

		return
	case err != nil:
		a.logger.WarningError("administrative action has failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	a.audit.Record(actorFromContext(r.Context()), action, fortlib.IdentityHash(id), req.Reason)

	writeJSON(w, http.StatusOK, a.describe(id))
}

func (a *adminHandler) auditEntries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.audit.Entries())
}

func decodeBody(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("incorrect body: %w", err)
	}

	return nil
}

// localIntensity changes intensity of this node only. It is used when
// there is no shared store.
type localIntensity struct {
	dial        *intensity.Dial
	eventStream fortlib.EventStream
	logger      fortlib.Logger
}

func (l localIntensity) SetIntensity(ctx context.Context, level int, origin string) (intensity.Thresholds, error) {
	from := l.dial.Level()
	th, changed := l.dial.Set(level)

	if !changed {
		return th, nil
	}

	l.logger.
		BindInt("from", from).
		BindInt("to", th.Level).
		BindStr("origin", origin).
		Info("intensity is changed")

	if l.eventStream != nil {
		l.eventStream.Send(ctx, fortlib.NewEventIntensityChanged(from, th.Level, origin))
	}

	return th, nil
}

// NewAdminRouter builds a router of the administrative surface.
func NewAdminRouter(opts AdminOpts) (http.Handler, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("reputation store is not defined")
	case opts.Dial == nil:
		return nil, fmt.Errorf("intensity dial is not defined")
	case opts.Pool == nil:
		return nil, fmt.Errorf("pool is not defined")
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger is not defined")
	}

	auth, err := newAuthenticator(opts.Tokens, opts.Allowlist)
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	auditSize := int(opts.AuditSize)
	if auditSize == 0 {
		auditSize = DefaultAuditSize
	}

	logger := opts.Logger.Named("admin")
	handler := &adminHandler{
		store:      opts.Store,
		dial:       opts.Dial,
		pool:       opts.Pool,
		logger:     logger,
		intensity:  opts.Intensity,
		upstream:   opts.Upstream,
		peers:      opts.Peers,
		antiReplay: opts.AntiReplay,
		audit:      newAuditLog(auditSize, opts.Logger.Named("audit"), clock),
	}

	if handler.intensity == nil {
		handler.intensity = localIntensity{
			dial:        opts.Dial,
			eventStream: opts.EventStream,
			logger:      logger,
		}
	}

	router := mux.NewRouter()
	router.Use(auth.middleware)

	router.HandleFunc("/intensity", handler.getIntensity).Methods(http.MethodGet)
	router.HandleFunc("/intensity", handler.setIntensity).Methods(http.MethodPut)
	router.HandleFunc("/stats", handler.stats).Methods(http.MethodGet)
	router.HandleFunc("/identities/{id}", handler.identity).Methods(http.MethodGet)
	router.HandleFunc("/identities/{id}/{action:promote|ban|unban}", handler.act).Methods(http.MethodPost)
	router.HandleFunc("/audit", handler.auditEntries).Methods(http.MethodGet)

	return router, nil
}
