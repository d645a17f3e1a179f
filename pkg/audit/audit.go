package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jdziat/job-reliability/pkg/backoff"
	"github.com/jdziat/job-reliability/pkg/canonical"
	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/metrics"
)

// GenesisHash is the predecessor hash of the first entry in every chain.
var GenesisHash = strings.Repeat("0", 64)

// ErrChainContention is returned when an append kept losing the race for
// the chain tail.
var ErrChainContention = errors.New("reliability: audit chain contention, append abandoned")

// Scope identifies one chain.
type Scope struct {
	Type string
	ID   string
}

func (s Scope) String() string { return s.Type + "/" + s.ID }

// Mode selects how append failures propagate.
type Mode int

const (
	// Transactional returns append errors to the caller.
	Transactional Mode = iota
	// BestEffort logs append errors and reports success.
	BestEffort
)

// Logger appends to and verifies audit chains.
type Logger struct {
	store       core.AuditStore
	logger      *slog.Logger
	maxAttempts int
	calc        *backoff.Calculator
	pageSize    int
	onFailure   func(*core.ChainVerificationError)
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) {
		a.logger = l
	}
}

// WithMaxAttempts bounds how often an append retries after losing the tail.
func WithMaxAttempts(n int) Option {
	return func(a *Logger) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithPageSize sets how many entries VerifyRange reads per query.
func WithPageSize(n int) Option {
	return func(a *Logger) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// OnVerificationFailure registers a callback for broken chains, in addition
// to the error log and metric.
func OnVerificationFailure(fn func(*core.ChainVerificationError)) Option {
	return func(a *Logger) {
		a.onFailure = fn
	}
}

// New creates a Logger over store.
func New(store core.AuditStore, opts ...Option) *Logger {
	a := &Logger{
		store:       store,
		logger:      slog.Default(),
		maxAttempts: 10,
		calc:        backoff.New(),
		pageSize:    500,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ComputeHash returns hex(sha256(prev || canonicalPayload)).
func ComputeHash(prev string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Append adds an entry to scope's chain using the Logger's store.
func (a *Logger) Append(ctx context.Context, scope Scope, eventType string, payload any, actor string) (*core.AuditLogEntry, error) {
	return a.AppendIn(ctx, a.store, scope, eventType, payload, actor)
}

// AppendIn adds an entry through store, typically the transaction-bound
// storage handed out by Storage.WithTx.
func (a *Logger) AppendIn(ctx context.Context, store core.AuditStore, scope Scope, eventType string, payload any, actor string) (*core.AuditLogEntry, error) {
	if scope.Type == "" || scope.ID == "" {
		return nil, fmt.Errorf("audit: scope type and id are required")
	}
	body, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var actorRef *string
	if actor != "" {
		actorRef = &actor
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		tail, err := store.LastAuditEntry(ctx, scope.Type, scope.ID)
		if err != nil {
			return nil, fmt.Errorf("audit: read chain tail: %w", err)
		}
		prev := GenesisHash
		if tail != nil {
			prev = tail.ChainHash
		}

		entry := &core.AuditLogEntry{
			ScopeType:     scope.Type,
			ScopeID:       scope.ID,
			Actor:         actorRef,
			EventType:     eventType,
			Payload:       string(body),
			PrevChainHash: prev,
			ChainHash:     ComputeHash(prev, body),
		}
		err = store.InsertAuditEntry(ctx, entry)
		if err == nil {
			metrics.AuditAppends.WithLabelValues(scope.Type, "ok").Inc()
			return entry, nil
		}
		if !errors.Is(err, core.ErrDuplicate) {
			metrics.AuditAppends.WithLabelValues(scope.Type, "error").Inc()
			return nil, fmt.Errorf("audit: insert entry: %w", err)
		}

		a.logger.Debug("audit chain tail moved, retrying append",
			"scope", scope.String(), "attempt", attempt+1)
		wait := a.calc.Delay(attempt, time.Millisecond, 50*time.Millisecond, backoff.JitterBounded)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	metrics.AuditAppends.WithLabelValues(scope.Type, "contention").Inc()
	return nil, ErrChainContention
}

// Record appends with the given mode. In BestEffort mode failures are
// logged and nil is returned.
func (a *Logger) Record(ctx context.Context, mode Mode, scope Scope, eventType string, payload any, actor string) error {
	return a.RecordIn(ctx, a.store, mode, scope, eventType, payload, actor)
}

// RecordIn is Record through a caller supplied store.
func (a *Logger) RecordIn(ctx context.Context, store core.AuditStore, mode Mode, scope Scope, eventType string, payload any, actor string) error {
	_, err := a.AppendIn(ctx, store, scope, eventType, payload, actor)
	if err == nil {
		return nil
	}
	if mode == BestEffort {
		a.logger.Warn("best-effort audit append failed",
			"scope", scope.String(), "event_type", eventType, "error", err)
		return nil
	}
	return err
}

// Verify reports whether entry correctly links to predecessor (nil for the
// first entry of a chain) and whether its own hash matches its payload.
func Verify(entry, predecessor *core.AuditLogEntry) bool {
	_, _, err := check(entry, predecessor)
	return err == nil
}

// check returns the expected and actual values of the first mismatching
// link field, and why it mismatched.
func check(entry, predecessor *core.AuditLogEntry) (expected, actual string, err error) {
	expectedPrev := GenesisHash
	if predecessor != nil {
		expectedPrev = predecessor.ChainHash
	}
	if entry.PrevChainHash != expectedPrev {
		return expectedPrev, entry.PrevChainHash, fmt.Errorf("prev_chain_hash does not match predecessor")
	}
	body, err := canonical.Canonicalize([]byte(entry.Payload))
	if err != nil {
		return "", entry.ChainHash, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	want := ComputeHash(entry.PrevChainHash, body)
	if entry.ChainHash != want {
		return want, entry.ChainHash, fmt.Errorf("chain_hash does not match payload")
	}
	return want, entry.ChainHash, nil
}

// VerifyRange walks scope's whole chain and returns the number of verified
// entries. The first broken link is logged at error level, counted, and
// returned as a *core.ChainVerificationError.
func (a *Logger) VerifyRange(ctx context.Context, scope Scope) (int, error) {
	var (
		prev    *core.AuditLogEntry
		afterID uint64
		count   int
	)
	for {
		entries, err := a.store.AuditEntries(ctx, scope.Type, scope.ID, afterID, a.pageSize)
		if err != nil {
			return count, fmt.Errorf("audit: read chain: %w", err)
		}
		for _, entry := range entries {
			expected, actual, err := check(entry, prev)
			if err != nil {
				verr := &core.ChainVerificationError{
					ScopeType: scope.Type,
					ScopeID:   scope.ID,
					EntryID:   entry.ID,
					Expected:  expected,
					Actual:    actual,
				}
				a.reportFailure(verr, err)
				return count, verr
			}
			prev = entry
			afterID = entry.ID
			count++
		}
		if len(entries) < a.pageSize {
			return count, nil
		}
	}
}

func (a *Logger) reportFailure(verr *core.ChainVerificationError, cause error) {
	metrics.ChainVerificationFailures.WithLabelValues(verr.ScopeType).Inc()
	a.logger.Error("audit chain verification failed",
		"scope_type", verr.ScopeType,
		"scope_id", verr.ScopeID,
		"entry_id", verr.EntryID,
		"expected", verr.Expected,
		"actual", verr.Actual,
		"reason", cause.Error(),
	)
	if a.onFailure != nil {
		a.onFailure(verr)
	}
}

// Entries returns up to limit entries of scope after afterID.
func (a *Logger) Entries(ctx context.Context, scope Scope, afterID uint64, limit int) ([]*core.AuditLogEntry, error) {
	return a.store.AuditEntries(ctx, scope.Type, scope.ID, afterID, limit)
}
