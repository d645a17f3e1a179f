package config

import (
	"time"

	"github.com/jdziat/job-reliability/pkg/admin"
	redisbroker "github.com/jdziat/job-reliability/pkg/broker/redis"
	"github.com/jdziat/job-reliability/pkg/deadletter"
	"github.com/jdziat/job-reliability/pkg/idempotency"
	"github.com/jdziat/job-reliability/pkg/maintenance"
	"github.com/jdziat/job-reliability/pkg/retry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       redisbroker.Config `yaml:"redis"`
	Logging     LoggingConfig      `yaml:"logging"`
	Worker      WorkerConfig       `yaml:"worker"`
	Policies    []retry.Policy     `yaml:"policies"`
	Idempotency idempotency.Config `yaml:"idempotency"`
	DeadLetter  DeadLetterConfig   `yaml:"dead_letter"`
	Maintenance maintenance.Config `yaml:"maintenance"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Addr            string           `yaml:"addr"`
	CORSOrigins     []string         `yaml:"cors_origins"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Operators       []admin.Operator `yaml:"operators"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	DSN    string `yaml:"dsn"`
	Pool   string `yaml:"pool"` // default, high_concurrency, constrained

	// MaxOpenConns overrides the preset when positive.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WorkerConfig holds job worker settings.
type WorkerConfig struct {
	ID           string         `yaml:"id"`
	Queues       map[string]int `yaml:"queues"` // queue name -> concurrency
	PollInterval time.Duration  `yaml:"poll_interval"`
}

// DeadLetterConfig holds dead-letter handler settings.
type DeadLetterConfig struct {
	MinJustification int                   `yaml:"min_justification"`
	FailureBudget    int                   `yaml:"failure_budget"` // 0 = unlimited
	PreviewBytes     int                   `yaml:"preview_bytes"`
	Thresholds       deadletter.Thresholds `yaml:"thresholds"`
}

// Default returns the configuration used for keys absent from the file.
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "reliability.db",
			Pool:   "default",
		},
		Redis: redisbroker.Config{
			Prefix: redisbroker.DefaultPrefix,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Worker: WorkerConfig{
			PollInterval: 100 * time.Millisecond,
		},
		Idempotency: idempotency.DefaultConfig(),
		DeadLetter: DeadLetterConfig{
			MinJustification: deadletter.DefaultMinJustification,
			FailureBudget:    deadletter.DefaultFailureBudget,
			PreviewBytes:     deadletter.DefaultPreviewBytes,
			Thresholds:       deadletter.DefaultThresholds(),
		},
		Maintenance: maintenance.DefaultConfig(),
	}
}

// RetryTable returns the stock queue policies overlaid with the configured
// ones. A configured policy replaces the stock policy of the same queue.
func (c *AppConfig) RetryTable() *retry.Table {
	t := retry.DefaultTable()
	for _, p := range c.Policies {
		t.Set(p)
	}
	return t
}

// WorkerQueues returns the queues to process, defaulting to every queue with
// a policy.
func (c *AppConfig) WorkerQueues() map[string]int {
	if len(c.Worker.Queues) > 0 {
		return c.Worker.Queues
	}
	out := map[string]int{retry.DefaultQueue: 10}
	for _, q := range c.RetryTable().Queues() {
		out[q] = 10
	}
	return out
}
