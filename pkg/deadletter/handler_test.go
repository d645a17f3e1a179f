package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/retry"
	"github.com/jdziat/job-reliability/pkg/storage"
)

func newTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []core.Envelope
	fail func(core.Envelope) error
}

func (p *recordingPublisher) Publish(_ context.Context, env core.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	if p.fail != nil {
		return p.fail(env)
	}
	return nil
}

func (p *recordingPublisher) taskIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.envs))
	for _, env := range p.envs {
		ids = append(ids, env.TaskID)
	}
	return ids
}

// seed enqueues n entries in the default area, one second apart.
func seed(t *testing.T, h *Handler, n int) []*core.DeadLetterEntry {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	out := make([]*core.DeadLetterEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := h.Enqueue(context.Background(), &core.DeadLetterEntry{
			Area:            AreaFor("default"),
			OriginQueue:     "default",
			RoutingKey:      "send_email",
			TaskID:          fmt.Sprintf("task-%d", i),
			LastDeathReason: core.ReasonMaxRetries,
			Payload:         []byte(fmt.Sprintf(`{"n":%d}`, i)),
			EnqueuedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func noSleep(sleeps *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	})
}

const justification = "upstream SMTP outage resolved"

// ──────────────────────────────────────────────────────────────────────────────
// Routing
// ──────────────────────────────────────────────────────────────────────────────

func TestFingerprint(t *testing.T) {
	a := Fingerprint("default", "send_email", []byte(`{"to":"a"}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("default", "send_email", []byte(`{"to":"a"}`)))
	assert.NotEqual(t, a, Fingerprint("default", "send_email", []byte(`{"to":"b"}`)))
	assert.NotEqual(t, a, Fingerprint("billing", "send_email", []byte(`{"to":"a"}`)))
	// Field boundaries are unambiguous.
	assert.NotEqual(t, Fingerprint("ab", "c", nil), Fingerprint("a", "bc", nil))
}

func TestRoute_BuildsEntryFromJob(t *testing.T) {
	ctx := context.Background()
	h := New(newTestStorage(t), nil)
	job := &core.Job{ID: "job-1", Type: "send_email", Queue: "default", Args: []byte(`{"to":"a@example.com"}`), Attempt: 5}
	d := retry.Decision{Action: retry.ActionDeadLetter, Reason: core.ReasonMaxRetries, Kind: core.KindRetryable}

	entry, err := h.Route(ctx, job, d, errors.New("smtp: 421 try later"))
	require.NoError(t, err)

	assert.Equal(t, "default.dlq", entry.Area)
	assert.Equal(t, "default", entry.OriginQueue)
	assert.Equal(t, "send_email", entry.RoutingKey)
	assert.Equal(t, "job-1", entry.TaskID)
	assert.Equal(t, 1, entry.DeathCount)
	assert.Equal(t, core.ReasonMaxRetries, entry.FirstDeathReason)
	assert.Equal(t, core.ReasonMaxRetries, entry.LastDeathReason)
	assert.Equal(t, "smtp: 421 try later", entry.LastError)
	assert.Equal(t, core.DeadLetterPending, entry.Status)

	var headers core.Headers
	require.NoError(t, json.Unmarshal(entry.Headers, &headers))
	require.NotNil(t, headers.Death)
	assert.Equal(t, 5, headers.Attempt)
	assert.Equal(t, 1, headers.Death.Count)
	assert.Equal(t, "default", headers.Death.OriginalQueue)
	assert.Equal(t, "send_email", headers.Death.OriginalRoutingKey)
	assert.Equal(t, []string{"default"}, headers.Death.Route)
}

func TestRoute_RepeatDeathBumpsExistingEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	h := New(s, nil)
	job := &core.Job{ID: "job-1", Type: "send_email", Queue: "default", Args: []byte(`{}`)}

	first, err := h.Route(ctx, job, retry.Decision{Reason: core.ReasonMaxRetries}, errors.New("first"))
	require.NoError(t, err)
	second, err := h.Route(ctx, job, retry.Decision{Reason: core.ReasonNonRetryable}, errors.New("second"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.DeathCount)
	assert.Equal(t, core.ReasonMaxRetries, second.FirstDeathReason)
	assert.Equal(t, core.ReasonNonRetryable, second.LastDeathReason)
	assert.Equal(t, "second", second.LastError)

	pending, err := s.PendingDeadLetters(ctx, "default.dlq", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRoute_ExtendsPriorDeath(t *testing.T) {
	ctx := context.Background()
	h := New(newTestStorage(t), nil)
	prior, err := json.Marshal(core.Headers{Death: &core.Death{
		Count:              1,
		FirstReason:        string(core.ReasonMaxRetries),
		LastReason:         string(core.ReasonMaxRetries),
		OriginalQueue:      "default",
		OriginalRoutingKey: "send_email",
		Route:              []string{"default"},
	}})
	require.NoError(t, err)
	job := &core.Job{ID: "job-1", Type: "send_email", Queue: "default", Args: []byte(`{}`), Headers: prior}

	entry, err := h.Route(ctx, job, retry.Decision{Reason: core.ReasonFatal}, errors.New("boom"))
	require.NoError(t, err)

	var headers core.Headers
	require.NoError(t, json.Unmarshal(entry.Headers, &headers))
	assert.Equal(t, 2, headers.Death.Count)
	assert.Equal(t, string(core.ReasonMaxRetries), headers.Death.FirstReason)
	assert.Equal(t, string(core.ReasonFatal), headers.Death.LastReason)
	assert.Equal(t, []string{"default", "default"}, headers.Death.Route)
}

func TestRoute_CorruptHeadersAreLoggedAndReset(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	h := New(newTestStorage(t), nil, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	job := &core.Job{ID: "job-1", Type: "send_email", Queue: "default", Args: []byte(`{}`), Headers: []byte(`{"death":`)}

	entry, err := h.Route(ctx, job, retry.Decision{Reason: core.ReasonFatal}, errors.New("boom"))
	require.NoError(t, err)

	var headers core.Headers
	require.NoError(t, json.Unmarshal(entry.Headers, &headers))
	assert.Equal(t, 1, headers.Death.Count)
	assert.Contains(t, logs.String(), "ignoring corrupt job headers")
	assert.Contains(t, logs.String(), "job-1")
}

func TestReplay_CorruptEntryHeadersAreLogged(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	pub := &recordingPublisher{}
	h := New(newTestStorage(t), pub, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	entry, err := h.Enqueue(ctx, &core.DeadLetterEntry{
		Area:            "default.dlq",
		OriginQueue:     "default",
		RoutingKey:      "send_email",
		TaskID:          "task-1",
		LastDeathReason: core.ReasonFatal,
		Payload:         []byte(`{}`),
		Headers:         []byte(`not json`),
	})
	require.NoError(t, err)

	res, err := h.Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 1, Justification: "corrupt headers test", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, []string{"task-1"}, pub.taskIDs())
	assert.Contains(t, logs.String(), "ignoring corrupt dead-letter headers")
	assert.Contains(t, logs.String(), entry.ID)
}

func TestEnqueue_Validation(t *testing.T) {
	ctx := context.Background()
	h := New(newTestStorage(t), nil)

	_, err := h.Enqueue(ctx, &core.DeadLetterEntry{Area: "default.dlq", RoutingKey: "x"})
	assert.Error(t, err, "origin queue is required")

	_, err = h.Enqueue(ctx, &core.DeadLetterEntry{Area: "default.dlq", OriginQueue: "default"})
	assert.Error(t, err, "routing key is required")

	_, err = h.Enqueue(ctx, &core.DeadLetterEntry{Area: "bad area!", OriginQueue: "default", RoutingKey: "x"})
	assert.ErrorIs(t, err, core.ErrInvalidArea)
}

// ──────────────────────────────────────────────────────────────────────────────
// Inspection
// ──────────────────────────────────────────────────────────────────────────────

func TestThresholds_Grade(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name    string
		pending int64
		age     time.Duration
		want    Health
	}{
		{"empty", 0, 0, HealthOK},
		{"empty ignores age", 0, 48 * time.Hour, HealthOK},
		{"one fresh entry", 1, time.Minute, HealthWarning},
		{"many entries", 100, time.Minute, HealthCritical},
		{"old entry", 1, 25 * time.Hour, HealthCritical},
		{"aging entry", 1, 2 * time.Hour, HealthWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Grade(tt.pending, tt.age))
		})
	}

	lenient := Thresholds{WarnPending: 10}
	assert.Equal(t, HealthOK, lenient.Grade(3, 72*time.Hour))
}

func TestList_SummarisesAreas(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	h := New(s, nil)
	entries := seed(t, h, 3)
	require.NoError(t, s.DiscardDeadLetter(ctx, entries[0].ID, time.Now()))

	_, err := h.Enqueue(ctx, &core.DeadLetterEntry{
		Area: "report.dlq", OriginQueue: "report", RoutingKey: "render", Payload: []byte(`{}`),
		LastDeathReason: core.ReasonFatal, EnqueuedAt: time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	areas, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, areas, 2)

	assert.Equal(t, "default.dlq", areas[0].Area)
	assert.Equal(t, int64(2), areas[0].Pending)
	assert.Equal(t, int64(1), areas[0].Discarded)
	assert.Equal(t, HealthWarning, areas[0].Health)
	assert.Greater(t, areas[0].OldestPendingAge, 50*time.Minute)
	assert.NotNil(t, areas[0].LastDeathAt)

	assert.Equal(t, "report.dlq", areas[1].Area)
	assert.Equal(t, HealthCritical, areas[1].Health)
}

func TestPeek_BoundedPreview(t *testing.T) {
	ctx := context.Background()
	h := New(newTestStorage(t), nil, WithPreviewBytes(8))
	seed(t, h, 3)

	_, err := h.Enqueue(ctx, &core.DeadLetterEntry{
		Area: "default.dlq", OriginQueue: "default", RoutingKey: "big",
		Payload: []byte(`{"body":"` + strings.Repeat("x", 100) + `"}`),
	})
	require.NoError(t, err)

	peeked, err := h.Peek(ctx, "default.dlq", 2)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "task-0", peeked[0].TaskID)
	assert.Equal(t, `{"n":0}`, peeked[0].Preview)
	assert.False(t, peeked[0].Truncated)
	assert.Equal(t, core.ReasonMaxRetries, peeked[0].LastDeathReason)
	assert.Equal(t, "send_email", peeked[0].RoutingKey)

	all, err := h.Peek(ctx, "default.dlq", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	big := all[3]
	assert.Equal(t, "big", big.RoutingKey)
	assert.True(t, big.Truncated)
	assert.Equal(t, `{"body":`, big.Preview)
	assert.Equal(t, 111, big.PayloadBytes)

	_, err = h.Peek(ctx, "", 1)
	assert.ErrorIs(t, err, core.ErrInvalidArea)
}

func TestPreviewOf_RuneBoundary(t *testing.T) {
	got, truncated := previewOf([]byte("ééé"), 3)
	assert.Equal(t, "é", got)
	assert.True(t, truncated)

	got, truncated = previewOf([]byte("ok"), 3)
	assert.Equal(t, "ok", got)
	assert.False(t, truncated)
}

// ──────────────────────────────────────────────────────────────────────────────
// Replay
// ──────────────────────────────────────────────────────────────────────────────

func TestReplay_RejectsShortJustificationBeforePublishing(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	pub := &recordingPublisher{}
	h := New(s, pub)
	seed(t, h, 2)

	for _, j := range []string{"fix", "   fix     ", "", "\t\tshort\n"} {
		_, err := h.Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 10, Justification: j, Actor: "ops@example.com"})
		assert.ErrorIs(t, err, core.ErrJustificationTooShort, "justification %q", j)
	}

	assert.Empty(t, pub.taskIDs())
	pending, err := s.PendingDeadLetters(ctx, "default.dlq", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	tail, err := s.LastAuditEntry(ctx, AuditScopeType, "default.dlq")
	require.NoError(t, err)
	assert.Nil(t, tail, "rejected replays are not audited")
}

func TestReplay_RequiresActorAndPublisher(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := New(s, &recordingPublisher{}).Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 1, Justification: justification})
	assert.ErrorIs(t, err, core.ErrInvalidPrincipal)

	_, err = New(s, nil).Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 1, Justification: justification, Actor: "ops"})
	assert.ErrorIs(t, err, core.ErrNoPublisher)

	_, err = New(s, &recordingPublisher{}).Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 0, Justification: justification, Actor: "ops"})
	assert.Error(t, err)
}

func TestReplay_PublishesUpToMaxWithSpacing(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	pub := &recordingPublisher{}
	var sleeps []time.Duration
	var events []core.Event
	h := New(s, pub, noSleep(&sleeps), WithEventHandler(func(e core.Event) { events = append(events, e) }))
	seed(t, h, 5)

	result, err := h.Replay(ctx, ReplayRequest{
		Area:          "default.dlq",
		MaxMessages:   3,
		Backoff:       2 * time.Second,
		Justification: "  " + justification + "  ",
		Actor:         "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 3, result.Replayed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, result.Attempted, result.Replayed+result.Failed)
	assert.False(t, result.Stopped)
	assert.Len(t, result.Details, 3)
	assert.Equal(t, []string{"task-0", "task-1", "task-2"}, pub.taskIDs())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeps)

	// Envelopes go back to the original target with a fresh attempt count.
	env := pub.envs[0]
	assert.Equal(t, "default", env.Queue)
	assert.Equal(t, "send_email", env.Type)
	assert.JSONEq(t, `{"n":0}`, string(env.Payload))
	assert.Equal(t, 0, env.Headers.Attempt)

	pending, err := s.PendingDeadLetters(ctx, "default.dlq", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	batch, err := s.GetReplayBatch(ctx, result.BatchID)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, core.ReplayCompleted, batch.Status)
	assert.Equal(t, justification, batch.Justification)
	assert.Equal(t, 3, batch.Replayed)
	assert.NotNil(t, batch.FinishedAt)

	entries, err := s.AuditEntries(ctx, AuditScopeType, "default.dlq", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "one audit entry per batch")
	assert.Equal(t, "dead_letter.replayed", entries[0].EventType)
	assert.Contains(t, string(entries[0].Payload), `"justification":"`+justification+`"`)
	require.NotNil(t, entries[0].Actor)
	assert.Equal(t, "ops@example.com", *entries[0].Actor)

	require.Len(t, events, 1)
	replayed, ok := events[0].(*core.DeadLetterReplayed)
	require.True(t, ok)
	assert.Equal(t, result.BatchID, replayed.Batch.ID)
}

func TestReplay_CountsFailuresAndStopsOnBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	pub := &recordingPublisher{fail: func(env core.Envelope) error {
		if env.TaskID == "task-1" || env.TaskID == "task-3" {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	var sleeps []time.Duration
	h := New(s, pub, noSleep(&sleeps), WithFailureBudget(2))
	seed(t, h, 6)

	result, err := h.Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 6, Justification: justification, Actor: "ops"})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Attempted)
	assert.Equal(t, 2, result.Replayed)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, result.Attempted, result.Replayed+result.Failed)
	assert.True(t, result.Stopped)
	assert.False(t, result.Details[1].Replayed)
	assert.Equal(t, "broker unavailable", result.Details[1].Error)

	pending, err := s.PendingDeadLetters(ctx, "default.dlq", 10)
	require.NoError(t, err)
	require.Len(t, pending, 4, "failed and unattempted entries stay pending")
	assert.Equal(t, "task-1", pending[0].TaskID)
	assert.Equal(t, 1, pending[0].ReplayFailures)
	assert.Equal(t, "broker unavailable", pending[0].LastReplayError)

	batch, err := s.GetReplayBatch(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, core.ReplayAborted, batch.Status)
	assert.Equal(t, 2, batch.Failed)
}

func TestReplay_ResumesAfterInterruption(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStorage(t)
	pub := &recordingPublisher{}
	h := New(s, pub, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	seed(t, h, 3)

	result, err := h.Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 3, Backoff: time.Second, Justification: justification, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)
	assert.True(t, result.Stopped)

	batch, err := s.GetReplayBatch(context.Background(), result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, core.ReplayAborted, batch.Status)

	resumed := New(s, pub)
	result, err = resumed.Replay(context.Background(), ReplayRequest{Area: "default.dlq", MaxMessages: 10, Justification: justification, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Replayed)
	assert.Equal(t, []string{"task-0", "task-1", "task-2"}, pub.taskIDs(), "no entry is published twice")

	entries, err := s.AuditEntries(context.Background(), AuditScopeType, "default.dlq", 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReplay_EmptyAreaStillAudited(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	h := New(s, &recordingPublisher{})

	result, err := h.Replay(ctx, ReplayRequest{Area: "default.dlq", MaxMessages: 5, Justification: justification, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)

	tail, err := s.LastAuditEntry(ctx, AuditScopeType, "default.dlq")
	require.NoError(t, err)
	assert.NotNil(t, tail)
}

// ──────────────────────────────────────────────────────────────────────────────
// Discard
// ──────────────────────────────────────────────────────────────────────────────

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	h := New(s, nil)
	entries := seed(t, h, 2)

	err := h.Discard(ctx, "default.dlq", entries[0].ID, "fix", "ops")
	assert.ErrorIs(t, err, core.ErrJustificationTooShort)

	err = h.Discard(ctx, "report.dlq", entries[0].ID, justification, "ops")
	assert.ErrorIs(t, err, core.ErrNotFound, "entry belongs to another area")

	require.NoError(t, h.Discard(ctx, "default.dlq", entries[0].ID, "payload references a deleted tenant", "ops"))

	got, err := s.GetDeadLetter(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeadLetterDiscarded, got.Status)
	assert.NotNil(t, got.DiscardedAt)

	err = h.Discard(ctx, "default.dlq", entries[0].ID, justification, "ops")
	assert.ErrorIs(t, err, core.ErrNotFound, "only pending entries can be discarded")

	audit, err := s.AuditEntries(ctx, AuditScopeType, "default.dlq", 0, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "dead_letter.discarded", audit[0].EventType)
}
