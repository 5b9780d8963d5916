// Package httpapi exposes the node's local control surface: organization and
// membership management, permission checks, invitations, and the live event
// stream.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/invite"
	"orgmesh.org/internal/logsync"
	"orgmesh.org/internal/obs"
	"orgmesh.org/internal/permission"
	"orgmesh.org/internal/topic"
)

// ReadyProbe checks backing-store liveness for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	id      identity.Provider
	dir     *directory.Service
	engine  *permission.Engine
	net     *topic.Network
	invites *invite.Service
	sync    *logsync.Engine

	tokenAuth bool
}

// Option configures API.
type Option func(*API)

// WithReadyProbe wires the readiness check.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithTokenAuth requires bearer tokens on non-public paths.
func WithTokenAuth() Option {
	return func(a *API) { a.tokenAuth = true }
}

// New wires all routes.
func New(id identity.Provider, dir *directory.Service, engine *permission.Engine, net *topic.Network, invites *invite.Service, sync *logsync.Engine, version string, opts ...Option) *API {
	a := &API{
		mux:     http.NewServeMux(),
		version: version,
		id:      id,
		dir:     dir,
		engine:  engine,
		net:     net,
		invites: invites,
		sync:    sync,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)
	a.mux.HandleFunc("/v1/identity", a.handleIdentity)

	a.mux.HandleFunc("/v1/orgs", a.handleOrgs)
	a.mux.HandleFunc("/v1/orgs/", a.handleOrgScoped)

	a.mux.HandleFunc("/v1/invitations", a.handleInvitations)
	a.mux.HandleFunc("/v1/invitations/", a.handleInvitationResource)
	a.mux.HandleFunc("/v1/codes/redeem", a.handleRedeemCode)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = obs.Instrument(h)
	h = RateLimit(h, 200, 100)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return h
}

// --- basic handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "orgmesh",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "orgmesh",
		"did":     a.id.CurrentDID(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.id.Current())
}

// actor resolves the acting DID: the authenticated principal when token auth
// is on, otherwise the node's own identity.
func (a *API) actor(r *http.Request) string {
	if did, ok := identity.ActorFromContext(r.Context()); ok {
		return did
	}
	return a.id.CurrentDID()
}

// actorIdentity resolves the full acting identity. Remote principals carry
// only a DID; profile fields are filled from the node identity when acting
// as self.
func (a *API) actorIdentity(r *http.Request) identity.Identity {
	did := a.actor(r)
	if did == a.id.CurrentDID() {
		return a.id.Current()
	}
	return identity.Identity{DID: did}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleDomainError maps domain sentinels to status codes.
func handleDomainError(w http.ResponseWriter, err error) {
	var rle *permission.RateLimitError
	switch {
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", rle.ResetAt.UTC().Format(http.TimeFormat))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, permission.ErrDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, directory.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrConflict),
		errors.Is(err, directory.ErrSoleOwner),
		errors.Is(err, directory.ErrRoleInUse),
		errors.Is(err, directory.ErrBuiltinRole),
		errors.Is(err, directory.ErrMemberLimit):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, directory.ErrOrgDeleted):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, invite.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, invite.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, invite.ErrExhausted), errors.Is(err, invite.ErrAlreadyResponded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, invite.ErrNotInvitee), errors.Is(err, invite.ErrNotInviter):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, topic.ErrNotSubscribed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}
