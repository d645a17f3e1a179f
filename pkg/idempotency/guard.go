package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/job-reliability/pkg/canonical"
	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/metrics"
	"github.com/jdziat/job-reliability/pkg/security"
)

const (
	DefaultTTL               = 24 * time.Hour
	DefaultProcessingTimeout = 5 * time.Minute

	// maxRounds bounds how often BeginOrFetch re-reads a record that
	// changed under it.
	maxRounds = 3
)

// Outcome is the result of BeginOrFetch.
type Outcome int

const (
	// Fresh means the caller owns the key and must run the request, then
	// call Complete or Abandon.
	Fresh Outcome = iota
	// Cached means the request already ran; Result.Record holds the response.
	Cached
	// InProgress means another request with the key is still running.
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Cached:
		return "cached"
	case InProgress:
		return "in_progress"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Request identifies one client request.
type Request struct {
	Principal   string
	Key         string
	RequestHash string
	Method      string
	Path        string
}

// Result is returned by BeginOrFetch.
type Result struct {
	Outcome Outcome
	Record  *core.IdempotencyRecord
	// LockVersion identifies the holder of a Fresh key. Pass it to Complete
	// or Abandon.
	LockVersion int
}

// Config configures a Guard.
type Config struct {
	// TTL is how long a completed response stays cached.
	TTL time.Duration `yaml:"ttl"`
	// ProcessingTimeout is how long a processing lock is honoured before
	// another request may reclaim it.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	// WebhookRetention is how long processed webhook events are kept.
	WebhookRetention time.Duration `yaml:"webhook_retention"`
}

// DefaultConfig returns the default guard configuration.
func DefaultConfig() Config {
	return Config{
		TTL:               DefaultTTL,
		ProcessingTimeout: DefaultProcessingTimeout,
		WebhookRetention:  30 * 24 * time.Hour,
	}
}

// Store is the persistence the Guard needs.
type Store interface {
	core.IdempotencyStore
	core.WebhookStore
}

// Guard implements idempotent request handling and webhook dedupe.
type Guard struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithConfig replaces the guard configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(g *Guard) {
		if cfg.TTL > 0 {
			g.cfg.TTL = cfg.TTL
		}
		if cfg.ProcessingTimeout > 0 {
			g.cfg.ProcessingTimeout = cfg.ProcessingTimeout
		}
		if cfg.WebhookRetention > 0 {
			g.cfg.WebhookRetention = cfg.WebhookRetention
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Guard over store.
func New(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective configuration.
func (g *Guard) Config() Config { return g.cfg }

// HashRequest fingerprints a request body. JSON bodies are canonicalised
// first, so key order and whitespace do not matter.
func HashRequest(body []byte) string {
	if json.Valid(body) {
		if c, err := canonical.Canonicalize(body); err == nil {
			body = c
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BeginOrFetch claims req's key, or reports the cached response or the
// request still holding it.
func (g *Guard) BeginOrFetch(ctx context.Context, req Request) (*Result, error) {
	if err := security.ValidatePrincipal(req.Principal); err != nil {
		return nil, err
	}
	if err := security.ValidateIdempotencyKey(req.Key); err != nil {
		return nil, err
	}
	if req.RequestHash == "" {
		return nil, fmt.Errorf("idempotency: request hash is required")
	}

	for round := 0; round < maxRounds; round++ {
		rec, err := g.store.GetIdempotency(ctx, req.Principal, req.Key)
		if err != nil {
			return nil, fmt.Errorf("idempotency: load record: %w", err)
		}
		if rec == nil {
			rec, err = g.create(ctx, req)
			if errors.Is(err, core.ErrDuplicate) {
				// Lost the insert race; the winner's record decides.
				continue
			}
			if err != nil {
				return nil, err
			}
			return g.outcome(Fresh, rec), nil
		}

		now := g.now()
		if !rec.Processing && !rec.ExpiresAt.After(now) {
			won, err := g.reclaim(ctx, rec, req)
			if err != nil {
				return nil, err
			}
			if won {
				return g.outcome(Fresh, rec), nil
			}
			continue
		}

		if rec.RequestHash != req.RequestHash || rec.Method != req.Method || rec.Path != req.Path {
			metrics.IdempotencyOutcomes.WithLabelValues("conflict").Inc()
			return nil, core.ErrKeyReuseConflict
		}

		if !rec.Processing {
			return g.outcome(Cached, rec), nil
		}
		if rec.ProcessingStartedAt != nil && now.Sub(*rec.ProcessingStartedAt) > g.cfg.ProcessingTimeout {
			g.logger.Warn("reclaiming stale idempotency lock",
				"principal", req.Principal,
				"key", req.Key,
				"started_at", *rec.ProcessingStartedAt,
				"timeout", g.cfg.ProcessingTimeout,
			)
			won, err := g.reclaim(ctx, rec, req)
			if err != nil {
				return nil, err
			}
			if won {
				return g.outcome(Fresh, rec), nil
			}
			continue
		}
		return g.outcome(InProgress, rec), nil
	}
	return g.outcome(InProgress, nil), nil
}

func (g *Guard) outcome(o Outcome, rec *core.IdempotencyRecord) *Result {
	metrics.IdempotencyOutcomes.WithLabelValues(o.String()).Inc()
	res := &Result{Outcome: o, Record: rec}
	if rec != nil {
		res.LockVersion = rec.LockVersion
	}
	return res
}

func (g *Guard) create(ctx context.Context, req Request) (*core.IdempotencyRecord, error) {
	now := g.now()
	rec := &core.IdempotencyRecord{
		Principal:           req.Principal,
		Key:                 req.Key,
		RequestHash:         req.RequestHash,
		Method:              req.Method,
		Path:                req.Path,
		Processing:          true,
		ProcessingStartedAt: &now,
		ExpiresAt:           now.Add(g.cfg.TTL),
	}
	if err := g.store.CreateIdempotency(ctx, rec); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("idempotency: create record: %w", err)
	}
	return rec, nil
}

func (g *Guard) reclaim(ctx context.Context, rec *core.IdempotencyRecord, req Request) (bool, error) {
	now := g.now()
	rec.RequestHash = req.RequestHash
	rec.Method = req.Method
	rec.Path = req.Path
	rec.ProcessingStartedAt = &now
	rec.ExpiresAt = now.Add(g.cfg.TTL)
	won, err := g.store.ReclaimIdempotency(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("idempotency: reclaim record: %w", err)
	}
	return won, nil
}

// Complete caches the response of a Fresh request. It returns
// core.ErrNotProcessing when the key was reclaimed since lockVersion was
// handed out.
func (g *Guard) Complete(ctx context.Context, principal, key string, lockVersion int, status int, body []byte, contentType string) error {
	err := g.store.CompleteIdempotency(ctx, principal, key, lockVersion, status, body, contentType, g.now().Add(g.cfg.TTL))
	if err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	return nil
}

// Abandon releases a Fresh request's key without caching a response, so
// the client may retry. A key reclaimed by another request is left alone.
func (g *Guard) Abandon(ctx context.Context, principal, key string, lockVersion int) error {
	if err := g.store.ReleaseIdempotency(ctx, principal, key, lockVersion); err != nil {
		return fmt.Errorf("idempotency: abandon %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes completed records whose TTL has passed.
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := g.store.PurgeIdempotency(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return n, nil
}
