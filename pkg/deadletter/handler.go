package deadletter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"

	"github.com/jdziat/job-reliability/pkg/audit"
	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/metrics"
	"github.com/jdziat/job-reliability/pkg/retry"
	"github.com/jdziat/job-reliability/pkg/security"
)

const (
	// AreaSuffix is appended to a queue name to form its dead-letter area.
	AreaSuffix = ".dlq"

	// AuditScopeType is the audit chain scope type of dead-letter areas.
	AuditScopeType = "dead_letter_area"

	DefaultMinJustification = 10
	DefaultPreviewBytes     = 256
	DefaultFailureBudget    = 5
	DefaultPeekLimit        = 10
)

// Publisher re-dispatches an envelope to its original target.
type Publisher interface {
	Publish(ctx context.Context, env core.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env core.Envelope) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, env core.Envelope) error { return f(ctx, env) }

// Handler routes failed work into dead-letter areas and serves operator
// requests against them.
type Handler struct {
	store            core.Storage
	publisher        Publisher
	auditor          *audit.Logger
	logger           *slog.Logger
	minJustification int
	previewBytes     int
	failureBudget    int
	thresholds       Thresholds
	sleep            func(ctx context.Context, d time.Duration) error
	now              func() time.Time
	onEvent          func(core.Event)
}

// New creates a Handler over store. publisher may be nil for read-only use;
// Replay then fails with core.ErrNoPublisher.
func New(store core.Storage, publisher Publisher, opts ...Option) *Handler {
	h := &Handler{
		store:            store,
		publisher:        publisher,
		logger:           slog.Default(),
		minJustification: DefaultMinJustification,
		previewBytes:     DefaultPreviewBytes,
		failureBudget:    DefaultFailureBudget,
		thresholds:       DefaultThresholds(),
		sleep:            sleepCtx,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.auditor == nil {
		h.auditor = audit.New(store, audit.WithLogger(h.logger))
	}
	return h
}

// AreaFor returns the dead-letter area of queue.
func AreaFor(queue string) string {
	return queue + AreaSuffix
}

// Fingerprint identifies a payload within an area.
func Fingerprint(originQueue, routingKey string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(originQueue))
	h.Write([]byte{0})
	h.Write([]byte(routingKey))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ──────────────────────────────────────────────────────────────────────────────
// Routing
// ──────────────────────────────────────────────────────────────────────────────

// Enqueue appends entry to its area. A repeat death of the same fingerprint
// bumps the existing entry.
func (h *Handler) Enqueue(ctx context.Context, entry *core.DeadLetterEntry) (*core.DeadLetterEntry, error) {
	return h.EnqueueIn(ctx, h.store, entry)
}

// EnqueueIn is Enqueue through a caller supplied store.
func (h *Handler) EnqueueIn(ctx context.Context, store core.DeadLetterStore, entry *core.DeadLetterEntry) (*core.DeadLetterEntry, error) {
	if err := security.ValidateArea(entry.Area); err != nil {
		return nil, err
	}
	if entry.OriginQueue == "" || entry.RoutingKey == "" {
		return nil, fmt.Errorf("deadletter: origin queue and routing key are required")
	}
	if entry.Fingerprint == "" {
		entry.Fingerprint = Fingerprint(entry.OriginQueue, entry.RoutingKey, entry.Payload)
	}
	if entry.LastDeathAt.IsZero() {
		entry.LastDeathAt = h.now()
	}

	stored, err := store.UpsertDeadLetter(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("deadletter: enqueue: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(stored.Area, string(stored.LastDeathReason)).Inc()
	return stored, nil
}

// Route builds a dead-letter entry from a failed job and enqueues it in the
// job queue's area.
func (h *Handler) Route(ctx context.Context, job *core.Job, d retry.Decision, cause error) (*core.DeadLetterEntry, error) {
	return h.RouteIn(ctx, h.store, job, d, cause)
}

// RouteIn is Route through a caller supplied store, typically the
// transaction that also finishes the job.
func (h *Handler) RouteIn(ctx context.Context, store core.DeadLetterStore, job *core.Job, d retry.Decision, cause error) (*core.DeadLetterEntry, error) {
	reason := d.Reason
	if reason == "" {
		reason = core.ReasonNonRetryable
	}
	headers, err := json.Marshal(h.deathHeaders(job, reason))
	if err != nil {
		return nil, err
	}
	var msg string
	if cause != nil {
		msg = cause.Error()
	}

	entry := &core.DeadLetterEntry{
		Area:            AreaFor(job.Queue),
		OriginQueue:     job.Queue,
		RoutingKey:      job.Type,
		TaskID:          job.ID,
		LastDeathReason: reason,
		LastError:       msg,
		Payload:         job.Args,
		Headers:         datatypes.JSON(headers),
		LastDeathAt:     h.now(),
	}
	stored, err := h.EnqueueIn(ctx, store, entry)
	if err != nil {
		return nil, err
	}

	h.logger.Warn("job dead-lettered",
		"job_id", job.ID,
		"job_type", job.Type,
		"queue", job.Queue,
		"area", stored.Area,
		"reason", reason,
		"kind", d.Kind,
		"death_count", stored.DeathCount,
		"error", msg,
	)
	return stored, nil
}

// deathHeaders extends the death record the job carried from an earlier
// dead-lettering, if any.
func (h *Handler) deathHeaders(job *core.Job, reason core.DeadLetterReason) core.Headers {
	var prior core.Headers
	if len(job.Headers) > 0 {
		if err := json.Unmarshal(job.Headers, &prior); err != nil {
			h.logger.Warn("ignoring corrupt job headers", "job_id", job.ID, "error", err)
			prior = core.Headers{}
		}
	}
	death := core.Death{
		Count:              1,
		FirstReason:        string(reason),
		LastReason:         string(reason),
		OriginalQueue:      job.Queue,
		OriginalRoutingKey: job.Type,
	}
	if p := prior.Death; p != nil {
		death.Count = p.Count + 1
		if p.FirstReason != "" {
			death.FirstReason = p.FirstReason
		}
		if p.OriginalQueue != "" {
			death.OriginalQueue = p.OriginalQueue
		}
		if p.OriginalRoutingKey != "" {
			death.OriginalRoutingKey = p.OriginalRoutingKey
		}
		death.Route = append(death.Route, p.Route...)
	}
	death.Route = append(death.Route, job.Queue)
	return core.Headers{Attempt: job.Attempt, Death: &death}
}

// ──────────────────────────────────────────────────────────────────────────────
// Inspection
// ──────────────────────────────────────────────────────────────────────────────

// Health grades an area.
type Health string

const (
	HealthOK       Health = "ok"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Thresholds grade an area by pending count and oldest pending age.
// Zero values disable the corresponding check.
type Thresholds struct {
	WarnPending     int64         `yaml:"warn_pending"`
	CriticalPending int64         `yaml:"critical_pending"`
	WarnAge         time.Duration `yaml:"warn_age"`
	CriticalAge     time.Duration `yaml:"critical_age"`
}

// DefaultThresholds warns on any pending entry and escalates on volume or age.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnPending:     1,
		CriticalPending: 100,
		WarnAge:         time.Hour,
		CriticalAge:     24 * time.Hour,
	}
}

// Grade returns the health for pending entries whose oldest is age old.
func (t Thresholds) Grade(pending int64, age time.Duration) Health {
	if pending <= 0 {
		return HealthOK
	}
	switch {
	case t.CriticalPending > 0 && pending >= t.CriticalPending,
		t.CriticalAge > 0 && age >= t.CriticalAge:
		return HealthCritical
	case t.WarnPending > 0 && pending >= t.WarnPending,
		t.WarnAge > 0 && age >= t.WarnAge:
		return HealthWarning
	default:
		return HealthOK
	}
}

// AreaSummary describes one area.
type AreaSummary struct {
	Area             string        `json:"area"`
	Pending          int64         `json:"pending"`
	Replayed         int64         `json:"replayed"`
	Discarded        int64         `json:"discarded"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
	LastDeathAt      *time.Time    `json:"last_death_at,omitempty"`
	Health           Health        `json:"health"`
}

// List summarises every area, sorted by name.
func (h *Handler) List(ctx context.Context) ([]AreaSummary, error) {
	stats, err := h.store.DeadLetterAreas(ctx)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list areas: %w", err)
	}
	now := h.now()
	out := make([]AreaSummary, 0, len(stats))
	for _, st := range stats {
		var age time.Duration
		if st.OldestPending != nil {
			age = now.Sub(*st.OldestPending)
			if age < 0 {
				age = 0
			}
		}
		out = append(out, AreaSummary{
			Area:             st.Area,
			Pending:          st.Pending,
			Replayed:         st.Replayed,
			Discarded:        st.Discarded,
			OldestPendingAge: age,
			LastDeathAt:      st.LastDeathAt,
			Health:           h.thresholds.Grade(st.Pending, age),
		})
	}
	return out, nil
}

// PeekedEntry is a pending entry with a bounded payload preview.
type PeekedEntry struct {
	ID               string                `json:"id"`
	TaskID           string                `json:"task_id"`
	OriginQueue      string                `json:"origin_queue"`
	RoutingKey       string                `json:"routing_key"`
	DeathCount       int                   `json:"death_count"`
	FirstDeathReason core.DeadLetterReason `json:"first_death_reason"`
	LastDeathReason  core.DeadLetterReason `json:"last_death_reason"`
	LastError        string                `json:"last_error,omitempty"`
	EnqueuedAt       time.Time             `json:"enqueued_at"`
	LastDeathAt      time.Time             `json:"last_death_at"`
	ReplayFailures   int                   `json:"replay_failures,omitempty"`
	PayloadBytes     int                   `json:"payload_bytes"`
	Preview          string                `json:"preview"`
	Truncated        bool                  `json:"truncated"`
}

// Peek returns up to n pending entries of area, oldest first.
func (h *Handler) Peek(ctx context.Context, area string, n int) ([]PeekedEntry, error) {
	if err := security.ValidateArea(area); err != nil {
		return nil, err
	}
	entries, err := h.store.PendingDeadLetters(ctx, area, security.ClampPageSize(n, DefaultPeekLimit))
	if err != nil {
		return nil, fmt.Errorf("deadletter: peek %s: %w", area, err)
	}
	out := make([]PeekedEntry, 0, len(entries))
	for _, e := range entries {
		preview, truncated := previewOf(e.Payload, h.previewBytes)
		out = append(out, PeekedEntry{
			ID:               e.ID,
			TaskID:           e.TaskID,
			OriginQueue:      e.OriginQueue,
			RoutingKey:       e.RoutingKey,
			DeathCount:       e.DeathCount,
			FirstDeathReason: e.FirstDeathReason,
			LastDeathReason:  e.LastDeathReason,
			LastError:        e.LastError,
			EnqueuedAt:       e.EnqueuedAt,
			LastDeathAt:      e.LastDeathAt,
			ReplayFailures:   e.ReplayFailures,
			PayloadBytes:     len(e.Payload),
			Preview:          preview,
			Truncated:        truncated,
		})
	}
	return out, nil
}

// previewOf cuts payload to at most limit bytes on a rune boundary.
func previewOf(payload []byte, limit int) (string, bool) {
	if len(payload) <= limit {
		return strings.ToValidUTF8(string(payload), "�"), false
	}
	n := limit
	for n > 0 && !utf8.RuneStart(payload[n]) {
		n--
	}
	return strings.ToValidUTF8(string(payload[:n]), "�"), true
}

// ──────────────────────────────────────────────────────────────────────────────
// Operator actions
// ──────────────────────────────────────────────────────────────────────────────

// ReplayRequest asks for pending entries of Area to be re-published.
type ReplayRequest struct {
	Area          string
	MaxMessages   int
	Backoff       time.Duration
	Justification string
	Actor         string
}

// ReplayDetail is the outcome for one entry.
type ReplayDetail struct {
	EntryID    string `json:"entry_id"`
	TaskID     string `json:"task_id"`
	RoutingKey string `json:"routing_key"`
	Replayed   bool   `json:"replayed"`
	Error      string `json:"error,omitempty"`
}

// ReplayResult summarises a replay. Replayed+Failed always equals Attempted.
type ReplayResult struct {
	BatchID   string         `json:"batch_id"`
	Area      string         `json:"area"`
	Attempted int            `json:"attempted"`
	Replayed  int            `json:"replayed"`
	Failed    int            `json:"failed"`
	Stopped   bool           `json:"stopped_early"`
	Details   []ReplayDetail `json:"details"`
}

func (h *Handler) checkOperator(justification, actor string) (string, error) {
	j := security.SanitizeJustification(justification)
	if utf8.RuneCountInString(j) < h.minJustification {
		return "", fmt.Errorf("%w: at least %d characters required", core.ErrJustificationTooShort, h.minJustification)
	}
	if err := security.ValidatePrincipal(actor); err != nil {
		return "", err
	}
	return j, nil
}

// Replay re-publishes up to req.MaxMessages pending entries of req.Area to
// their original targets, one at a time with req.Backoff between them.
// Each published entry is marked replayed immediately, so an interrupted
// replay can be resumed by replaying the area again. The replay stops once
// failures reach the failure budget. The batch is recorded in the area's
// audit chain.
func (h *Handler) Replay(ctx context.Context, req ReplayRequest) (*ReplayResult, error) {
	if err := security.ValidateArea(req.Area); err != nil {
		return nil, err
	}
	justification, err := h.checkOperator(req.Justification, req.Actor)
	if err != nil {
		return nil, err
	}
	if h.publisher == nil {
		return nil, core.ErrNoPublisher
	}
	limit := security.ClampReplayBatch(req.MaxMessages)
	if limit <= 0 {
		return nil, fmt.Errorf("deadletter: max messages must be positive")
	}
	if req.Backoff < 0 {
		req.Backoff = 0
	}

	batch := &core.ReplayBatch{
		Area:          req.Area,
		Justification: justification,
		Actor:         req.Actor,
		MaxMessages:   limit,
		BackoffMillis: req.Backoff.Milliseconds(),
		Status:        core.ReplayRunning,
		StartedAt:     h.now(),
	}
	if err := h.store.CreateReplayBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("deadletter: create replay batch: %w", err)
	}

	entries, err := h.store.PendingDeadLetters(ctx, req.Area, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: load pending entries: %w", err)
	}

	result := &ReplayResult{BatchID: batch.ID, Area: req.Area, Details: make([]ReplayDetail, 0, len(entries))}
	h.logger.Info("dead-letter replay started",
		"batch_id", batch.ID, "area", req.Area, "actor", req.Actor,
		"pending", len(entries), "max_messages", limit, "backoff", req.Backoff)

	for i, entry := range entries {
		if i > 0 && req.Backoff > 0 {
			if err := h.sleep(ctx, req.Backoff); err != nil {
				result.Stopped = true
				break
			}
		}
		if ctx.Err() != nil {
			result.Stopped = true
			break
		}

		detail := ReplayDetail{EntryID: entry.ID, TaskID: entry.TaskID, RoutingKey: entry.RoutingKey}
		result.Attempted++
		if perr := h.publisher.Publish(ctx, h.envelopeFor(entry)); perr != nil {
			result.Failed++
			detail.Error = perr.Error()
			metrics.DeadLetterReplays.WithLabelValues(req.Area, "failed").Inc()
			h.logger.Warn("dead-letter replay publish failed",
				"batch_id", batch.ID, "entry_id", entry.ID, "error", perr)
			if rerr := h.store.RecordReplayFailure(ctx, entry.ID, perr.Error()); rerr != nil {
				h.logger.Error("failed to record replay failure", "entry_id", entry.ID, "error", rerr)
			}
			result.Details = append(result.Details, detail)
			if h.failureBudget > 0 && result.Failed >= h.failureBudget {
				result.Stopped = result.Attempted < len(entries)
				break
			}
			continue
		}

		result.Replayed++
		detail.Replayed = true
		metrics.DeadLetterReplays.WithLabelValues(req.Area, "replayed").Inc()
		if merr := h.store.MarkDeadLetterReplayed(ctx, entry.ID, batch.ID, h.now()); merr != nil {
			// Already published: the entry stays pending and may be replayed again.
			h.logger.Error("failed to mark dead-letter entry replayed",
				"batch_id", batch.ID, "entry_id", entry.ID, "error", merr)
			detail.Error = merr.Error()
		}
		result.Details = append(result.Details, detail)
	}

	if err := h.finishBatch(ctx, batch, result); err != nil {
		return result, err
	}

	h.logger.Info("dead-letter replay finished",
		"batch_id", batch.ID, "area", req.Area,
		"attempted", result.Attempted, "replayed", result.Replayed,
		"failed", result.Failed, "stopped_early", result.Stopped)
	h.emit(&core.DeadLetterReplayed{Batch: batch, Timestamp: h.now()})
	return result, nil
}

// finishBatch persists the batch outcome and its audit entry atomically.
// It outlives ctx so a cancelled replay is still recorded.
func (h *Handler) finishBatch(ctx context.Context, batch *core.ReplayBatch, result *ReplayResult) error {
	ctx = context.WithoutCancel(ctx)
	finished := h.now()
	batch.Attempted = result.Attempted
	batch.Replayed = result.Replayed
	batch.Failed = result.Failed
	batch.FinishedAt = &finished
	batch.Status = core.ReplayCompleted
	if result.Stopped {
		batch.Status = core.ReplayAborted
	}

	payload := map[string]any{
		"batch_id":      batch.ID,
		"area":          batch.Area,
		"justification": batch.Justification,
		"max_messages":  batch.MaxMessages,
		"backoff_ms":    batch.BackoffMillis,
		"attempted":     batch.Attempted,
		"replayed":      batch.Replayed,
		"failed":        batch.Failed,
		"status":        string(batch.Status),
	}
	err := h.store.WithTx(ctx, func(tx core.Storage) error {
		if err := tx.FinishReplayBatch(ctx, batch); err != nil {
			return err
		}
		_, err := h.auditor.AppendIn(ctx, tx, audit.Scope{Type: AuditScopeType, ID: batch.Area}, "dead_letter.replayed", payload, batch.Actor)
		return err
	})
	if err != nil {
		return fmt.Errorf("deadletter: record replay batch %s: %w", batch.ID, err)
	}
	return nil
}

// envelopeFor rebuilds the original dispatch envelope of entry with a fresh
// attempt count.
func (h *Handler) envelopeFor(entry *core.DeadLetterEntry) core.Envelope {
	env := core.Envelope{
		TaskID:  entry.TaskID,
		Type:    entry.RoutingKey,
		Queue:   entry.OriginQueue,
		Payload: json.RawMessage(entry.Payload),
	}
	if len(entry.Headers) > 0 {
		if err := json.Unmarshal(entry.Headers, &env.Headers); err != nil {
			h.logger.Warn("ignoring corrupt dead-letter headers", "entry_id", entry.ID, "error", err)
			env.Headers = core.Headers{}
		}
	}
	env.Headers.Attempt = 0
	return env
}

// Discard permanently removes a pending entry from replay. The discard is
// recorded in the area's audit chain.
func (h *Handler) Discard(ctx context.Context, area, id, justification, actor string) error {
	if err := security.ValidateArea(area); err != nil {
		return err
	}
	j, err := h.checkOperator(justification, actor)
	if err != nil {
		return err
	}
	entry, err := h.store.GetDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("deadletter: load entry %s: %w", id, err)
	}
	if entry == nil || entry.Area != area {
		return core.ErrNotFound
	}

	err = h.store.WithTx(ctx, func(tx core.Storage) error {
		if err := tx.DiscardDeadLetter(ctx, id, h.now()); err != nil {
			return err
		}
		payload := map[string]any{
			"entry_id":      entry.ID,
			"task_id":       entry.TaskID,
			"routing_key":   entry.RoutingKey,
			"death_count":   entry.DeathCount,
			"justification": j,
		}
		_, err := h.auditor.AppendIn(ctx, tx, audit.Scope{Type: AuditScopeType, ID: area}, "dead_letter.discarded", payload, actor)
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return err
		}
		return fmt.Errorf("deadletter: discard %s: %w", id, err)
	}
	h.logger.Info("dead-letter entry discarded", "area", area, "entry_id", id, "actor", actor)
	return nil
}

func (h *Handler) emit(e core.Event) {
	if h.onEvent != nil {
		h.onEvent(e)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
