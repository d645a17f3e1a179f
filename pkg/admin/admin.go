// Package admin serves the operator HTTP surface: dead-letter inspection,
// replay and discard, audit chain queries and verification, and the
// Prometheus metrics endpoint.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jdziat/job-reliability/pkg/audit"
	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/deadletter"
	"github.com/jdziat/job-reliability/pkg/idempotency"
	"github.com/jdziat/job-reliability/pkg/metrics"
	"github.com/jdziat/job-reliability/pkg/security"
)

// Action is an operator permission.
type Action string

const (
	ActionRead    Action = "read"
	ActionReplay  Action = "dlq.replay"
	ActionDiscard Action = "dlq.discard"
)

// Authorizer authenticates operators and checks their permissions. Role
// lookups and secondary verification live behind it.
type Authorizer interface {
	// Identify returns the authenticated operator of r.
	Identify(r *http.Request) (string, error)
	// Allow returns core.ErrUnauthorized unless actor may perform action.
	Allow(r *http.Request, actor string, action Action) error
}

// Option configures the router.
type Option func(*server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *server) {
		s.logger = l
	}
}

// WithIdempotency makes replay and discard requests that carry an
// Idempotency-Key header safe to retry.
func WithIdempotency(g *idempotency.Guard) Option {
	return func(s *server) {
		s.guard = g
	}
}

// WithCORS allows browser access from origins.
func WithCORS(origins ...string) Option {
	return func(s *server) {
		s.origins = origins
	}
}

type server struct {
	dlq     *deadletter.Handler
	auditor *audit.Logger
	auth    Authorizer
	guard   *idempotency.Guard
	origins []string
	logger  *slog.Logger
}

// NewRouter builds the admin handler.
func NewRouter(dlq *deadletter.Handler, auditor *audit.Logger, auth Authorizer, opts ...Option) http.Handler {
	s := &server{
		dlq:     dlq,
		auditor: auditor,
		auth:    auth,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", idempotency.HeaderKey},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.require(ActionRead))
		r.Get("/dlq", s.listAreas)
		r.Get("/dlq/{area}", s.peekArea)
		r.Get("/audit/{scopeType}/{scopeID}", s.auditEntries)
		r.Get("/audit/{scopeType}/{scopeID}/verify", s.verifyChain)
	})

	// Authorization runs ahead of the idempotency cache so a 401 or 403 is
	// never stored under the caller's key.
	r.With(s.require(ActionReplay), s.idempotent).Post("/dlq/{area}/replay", s.replayArea)
	r.With(s.require(ActionDiscard), s.idempotent).Post("/dlq/{area}/{id}/discard", s.discardEntry)

	return r
}

type actorKey struct{}

// idempotent wraps next with the idempotency middleware when a guard is set.
func (s *server) idempotent(next http.Handler) http.Handler {
	if s.guard == nil {
		return next
	}
	return idempotency.Middleware(s.guard, s.auth.Identify)(next)
}

// require authenticates the operator and checks action.
func (s *server) require(action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := s.auth.Identify(r)
			if err != nil || actor == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if err := s.auth.Allow(r, actor, action); err != nil {
				s.logger.Warn("operator action denied", "actor", actor, "action", action, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}

func (s *server) listAreas(w http.ResponseWriter, r *http.Request) {
	areas, err := s.dlq.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"areas": areas})
}

func (s *server) peekArea(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.dlq.Peek(r.Context(), chi.URLParam(r, "area"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type replayBody struct {
	MaxMessages   int    `json:"max_messages"`
	Backoff       string `json:"backoff"`
	Justification string `json:"justification"`
}

func (s *server) replayArea(w http.ResponseWriter, r *http.Request) {
	var body replayBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.MaxMessages <= 0 {
		writeError(w, http.StatusBadRequest, "max_messages must be positive")
		return
	}
	var backoff time.Duration
	if body.Backoff != "" {
		d, err := time.ParseDuration(body.Backoff)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid backoff")
			return
		}
		backoff = d
	}

	result, err := s.dlq.Replay(r.Context(), deadletter.ReplayRequest{
		Area:          chi.URLParam(r, "area"),
		MaxMessages:   body.MaxMessages,
		Backoff:       backoff,
		Justification: body.Justification,
		Actor:         actorFrom(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type discardBody struct {
	Justification string `json:"justification"`
}

func (s *server) discardEntry(w http.ResponseWriter, r *http.Request) {
	var body discardBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	area, id := chi.URLParam(r, "area"), chi.URLParam(r, "id")
	if err := s.dlq.Discard(r.Context(), area, id, body.Justification, actorFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discarded": id, "area": area})
}

// auditEntryView is the wire form of an audit entry.
type auditEntryView struct {
	ID            uint64          `json:"id"`
	Actor         *string         `json:"actor,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PrevChainHash string          `json:"prev_chain_hash"`
	ChainHash     string          `json:"chain_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (s *server) auditEntries(w http.ResponseWriter, r *http.Request) {
	scope := audit.Scope{Type: chi.URLParam(r, "scopeType"), ID: chi.URLParam(r, "scopeID")}
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.auditor.Entries(r.Context(), scope, after, security.ClampPageSize(limit, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryView{
			ID:            e.ID,
			Actor:         e.Actor,
			EventType:     e.EventType,
			Payload:       json.RawMessage(e.Payload),
			PrevChainHash: e.PrevChainHash,
			ChainHash:     e.ChainHash,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *server) verifyChain(w http.ResponseWriter, r *http.Request) {
	scope := audit.Scope{Type: chi.URLParam(r, "scopeType"), ID: chi.URLParam(r, "scopeID")}
	n, err := s.auditor.VerifyRange(r.Context(), scope)

	var verr *core.ChainVerificationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"valid":    false,
			"verified": n,
			"entry_id": verr.EntryID,
			"expected": verr.Expected,
			"actual":   verr.Actual,
		})
	case err != nil:
		s.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "verified": n})
	}
}

// fail maps domain errors to HTTP statuses.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidArea),
		errors.Is(err, core.ErrJustificationTooShort),
		errors.Is(err, core.ErrInvalidPrincipal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, core.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, core.ErrNoPublisher):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("admin request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
