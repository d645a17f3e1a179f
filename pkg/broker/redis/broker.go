// Package redis is a Redis-backed envelope broker. Ready envelopes live in a
// list per queue; delayed ones wait in a sorted set scored by due time until
// PromoteDue moves them over.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/security"
)

// DefaultPrefix namespaces every key the broker writes.
const DefaultPrefix = "reliability"

// promoteBatch bounds how many delayed envelopes one PromoteDue call moves.
const promoteBatch = 100

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// Broker publishes and consumes envelopes through Redis.
type Broker struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = l
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return func(b *Broker) {
		if p != "" {
			b.prefix = p
		}
	}
}

// WithClock replaces time.Now for due-time scoring.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New connects to the Redis server in cfg.
func New(cfg Config, opts ...Option) (*Broker, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		redisOpts.Password = cfg.Password
	}
	rdb := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(rdb, append([]Option{WithPrefix(cfg.Prefix)}, opts...)...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, opts ...Option) *Broker {
	b := &Broker{
		rdb:    rdb,
		prefix: DefaultPrefix,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

func (b *Broker) queueKey(queue string) string {
	return b.prefix + ":queue:" + queue
}

func (b *Broker) delayedKey(queue string) string {
	return b.prefix + ":delayed:" + queue
}

func encode(env core.Envelope) ([]byte, error) {
	if err := security.ValidateQueueName(env.Queue); err != nil {
		return nil, core.NoRetry(err)
	}
	if env.TaskID == "" {
		return nil, core.NoRetry(errors.New("broker: envelope has no task id"))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, core.NoRetry(fmt.Errorf("broker: encode envelope: %w", err))
	}
	return data, nil
}

// Publish makes env ready for consumers of its queue. It satisfies
// deadletter.Publisher.
func (b *Broker) Publish(ctx context.Context, env core.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, b.queueKey(env.Queue), data).Err(); err != nil {
		return core.Network(fmt.Errorf("lpush failed: %w", err))
	}
	return nil
}

// PublishDelayed makes env ready once delay has passed.
func (b *Broker) PublishDelayed(ctx context.Context, env core.Envelope, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, env)
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	due := b.now().Add(delay).UnixMilli()
	if err := b.rdb.ZAdd(ctx, b.delayedKey(env.Queue), redis.Z{Score: float64(due), Member: data}).Err(); err != nil {
		return core.Network(fmt.Errorf("zadd failed: %w", err))
	}
	return nil
}

// Retry re-publishes a failed envelope after delay with its attempt
// counter advanced.
func (b *Broker) Retry(ctx context.Context, env core.Envelope, delay time.Duration) error {
	env.Headers.Attempt++
	return b.PublishDelayed(ctx, env, delay)
}

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// PromoteDue moves delayed envelopes of queue whose due time has passed to
// the ready list and returns how many moved.
func (b *Broker) PromoteDue(ctx context.Context, queue string) (int, error) {
	n, err := promoteScript.Run(ctx, b.rdb,
		[]string{b.delayedKey(queue), b.queueKey(queue)},
		b.now().UnixMilli(), promoteBatch,
	).Int()
	if err != nil {
		return 0, core.Network(fmt.Errorf("promote failed: %w", err))
	}
	if n > 0 {
		b.logger.Debug("promoted delayed envelopes", "queue", queue, "count", n)
	}
	return n, nil
}

// Dequeue pops the oldest ready envelope of queue, waiting up to timeout.
// It returns nil, nil when nothing arrived in time.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*core.Envelope, error) {
	result, err := b.rdb.BRPop(ctx, timeout, b.queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, core.Network(fmt.Errorf("brpop failed: %w", err))
	}
	// result is a slice: [key, value]
	if len(result) < 2 {
		return nil, nil
	}

	var env core.Envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		b.logger.Error("dropping malformed envelope", "queue", queue, "error", err)
		return nil, core.Validation(fmt.Errorf("broker: decode envelope: %w", err))
	}
	return &env, nil
}

// Depth reports how many envelopes of queue are ready and delayed.
func (b *Broker) Depth(ctx context.Context, queue string) (ready, delayed int64, err error) {
	pipe := b.rdb.Pipeline()
	readyCmd := pipe.LLen(ctx, b.queueKey(queue))
	delayedCmd := pipe.ZCard(ctx, b.delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, core.Network(fmt.Errorf("depth failed: %w", err))
	}
	return readyCmd.Val(), delayedCmd.Val(), nil
}
