package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/gorilla/mux"
)

// PublicOpts defines settings of the public router.
type PublicOpts struct {
	// Engine makes admission decisions.
	//
	// This is a mandatory setting.
	Engine Engine

	// Pool is used for readiness.
	//
	// This is a mandatory setting.
	Pool PoolView

	// Logger is a logger instance.
	//
	// This is a mandatory setting.
	Logger fortlib.Logger

	// IdentityHeader is a header with identity tag.
	//
	// This is an optional setting.
	IdentityHeader string

	// Loaded reports if initial state is loaded from the cluster.
	//
	// This is an optional setting. Nil means loaded.
	Loaded func() bool
}

type publicHandler struct {
	engine         Engine
	pool           PoolView
	logger         fortlib.Logger
	identityHeader string
	loaded         func() bool
}

type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Answer      string `json:"answer"`
}

type challengeResponse struct {
	Challenge *fortlib.ChallengeView `json:"challenge"`
}

type redirectResponse struct {
	Location string `json:"location"`
	Passport string `json:"passport"`
}

// All rejects share one body whatever the reason was.
var rejectBody = errorResponse{Error: "forbidden"}

func (p *publicHandler) check(w http.ResponseWriter, r *http.Request) {
	passport := r.Header.Get(PassportHeader)
	if passport == "" {
		passport = r.URL.Query().Get(PassportQuery)
	}

	decision := p.engine.Decide(r.Context(), fortlib.Request{
		Identity: r.Header.Get(p.identityHeader),
		Passport: passport,
	})

	p.respond(w, decision)
}

func (p *publicHandler) verify(w http.ResponseWriter, r *http.Request) {
	req := verifyRequest{}

	// malformed body goes to the engine as an empty answer, so it is
	// rejected with the same latency as any other reject.
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		req = verifyRequest{}
	}

	decision := p.engine.Submit(r.Context(), fortlib.Submission{
		Identity:    r.Header.Get(p.identityHeader),
		ChallengeID: req.ChallengeID,
		Answer:      req.Answer,
	})

	p.respond(w, decision)
}

func (p *publicHandler) respond(w http.ResponseWriter, decision fortlib.Decision) {
	switch decision.Verdict {
	case fortlib.VerdictAdmit:
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
	case fortlib.VerdictChallenge:
		writeJSON(w, http.StatusUnauthorized, challengeResponse{Challenge: decision.Challenge})
	case fortlib.VerdictRedirect:
		location, err := redirectLocation(decision.RedirectTo, decision.PassportToken)
		if err != nil {
			p.logger.WarningError("cannot build redirect location", err)
			writeJSON(w, http.StatusForbidden, rejectBody)

			return
		}

		w.Header().Set("Location", location)
		w.Header().Set(PassportHeader, decision.PassportToken)
		writeJSON(w, http.StatusTemporaryRedirect, redirectResponse{
			Location: location,
			Passport: decision.PassportToken,
		})
	case fortlib.VerdictRetryLater:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
		writeError(w, http.StatusServiceUnavailable, "retry later")
	default:
		writeJSON(w, http.StatusForbidden, rejectBody)
	}
}

func (p *publicHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (p *publicHandler) readyz(w http.ResponseWriter, _ *http.Request) {
	fill := p.pool.Fill()
	loaded := p.loaded == nil || p.loaded()

	status := http.StatusOK
	if fill < MinReadyFill || !loaded {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"pool_fill": fill,
		"loaded":    loaded,
	})
}

// redirectLocation points to a peer address. Address without a scheme is
// treated as a plain http host.
func redirectLocation(address, passport string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("empty redirect address")
	}

	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	target, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("incorrect redirect address: %w", err)
	}

	if target.Path == "" {
		target.Path = "/"
	}

	query := target.Query()
	query.Set(PassportQuery, passport)
	target.RawQuery = query.Encode()

	return target.String(), nil
}

// NewPublicRouter builds a router of the public surface.
func NewPublicRouter(opts PublicOpts) (http.Handler, error) {
	switch {
	case opts.Engine == nil:
		return nil, fmt.Errorf("engine is not defined")
	case opts.Pool == nil:
		return nil, fmt.Errorf("pool is not defined")
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger is not defined")
	}

	handler := &publicHandler{
		engine:         opts.Engine,
		pool:           opts.Pool,
		logger:         opts.Logger.Named("public"),
		identityHeader: opts.IdentityHeader,
		loaded:         opts.Loaded,
	}

	if handler.identityHeader == "" {
		handler.identityHeader = DefaultIdentityHeader
	}

	router := mux.NewRouter()

	router.HandleFunc("/check", handler.check).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/challenge/verify", handler.verify).Methods(http.MethodPost)
	router.HandleFunc("/healthz", handler.healthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", handler.readyz).Methods(http.MethodGet)

	return router, nil
}
