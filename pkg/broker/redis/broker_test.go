package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-reliability/pkg/core"
)

func offlineBroker() *Broker {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	b, err := New(Config{URL: url, Prefix: "test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func envelope(id string) core.Envelope {
	return core.Envelope{
		TaskID:  id,
		Type:    "send-email",
		Queue:   "mail",
		Payload: json.RawMessage(`{"to":"a@example.com"}`),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Offline
// ──────────────────────────────────────────────────────────────────────────────

func TestKeys(t *testing.T) {
	b := offlineBroker()
	assert.Equal(t, "reliability:queue:mail", b.queueKey("mail"))
	assert.Equal(t, "reliability:delayed:mail", b.delayedKey("mail"))

	b = NewWithClient(nil, WithPrefix("app"))
	assert.Equal(t, "app:queue:mail", b.queueKey("mail"))
}

func TestPublish_RejectsInvalidEnvelope(t *testing.T) {
	b := offlineBroker()
	defer b.Close()

	env := envelope("t1")
	env.Queue = "bad queue"
	err := b.Publish(context.Background(), env)
	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)

	err = b.PublishDelayed(context.Background(), envelope(""), time.Second)
	assert.ErrorAs(t, err, &noRetry)
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(Config{URL: "not-a-url"})
	assert.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Live (TEST_REDIS_URL)
// ──────────────────────────────────────────────────────────────────────────────

func TestPublishDequeue_FIFO(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	require.NoError(t, b.Publish(ctx, envelope("t1")))
	require.NoError(t, b.Publish(ctx, envelope("t2")))

	first, err := b.Dequeue(ctx, "mail", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "t1", first.TaskID)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(first.Payload))

	second, err := b.Dequeue(ctx, "mail", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "t2", second.TaskID)

	none, err := b.Dequeue(ctx, "mail", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRetry_DelaysUntilPromoted(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.Retry(ctx, envelope("t1"), 30*time.Second))

	ready, delayed, err := b.Depth(ctx, "mail")
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Equal(t, int64(1), delayed)

	n, err := b.PromoteDue(ctx, "mail")
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	now = now.Add(31 * time.Second)
	n, err = b.PromoteDue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	env, err := b.Dequeue(ctx, "mail", time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, 1, env.Headers.Attempt)
}
