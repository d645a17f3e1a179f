package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/jdziat/job-reliability/pkg/maintenance"
	"github.com/jdziat/job-reliability/pkg/storage"
)

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded. An empty path yields the defaults.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.UnmarshalStrict([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the components would otherwise reject at startup.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if _, err := storage.PoolPreset(c.Database.Pool); err != nil {
		errs = append(errs, fmt.Errorf("database.pool: %w", err))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	if err := c.RetryTable().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policies: %w", err))
	}

	if c.DeadLetter.MinJustification < 1 {
		errs = append(errs, errors.New("dead_letter.min_justification: must be at least 1"))
	}
	if c.DeadLetter.FailureBudget < 0 {
		errs = append(errs, errors.New("dead_letter.failure_budget: must not be negative"))
	}

	for _, expr := range []string{
		c.Maintenance.PurgeIdempotency,
		c.Maintenance.PruneWebhooks,
		c.Maintenance.ReleaseStaleLocks,
	} {
		if expr == "" {
			continue
		}
		if _, err := maintenance.ParseSchedule(expr); err != nil {
			errs = append(errs, fmt.Errorf("maintenance: %w", err))
		}
	}

	for i, op := range c.Server.Operators {
		if op.Name == "" || op.Token == "" {
			errs = append(errs, fmt.Errorf("server.operators[%d]: name and token are required", i))
		}
	}

	return errors.Join(errs...)
}
