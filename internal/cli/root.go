// Package cli implements the reliabilityctl command line.
package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/jdziat/job-reliability/internal/config"
	"github.com/jdziat/job-reliability/pkg/queue"
)

// RegisterFunc registers job handlers on the queue served by "serve".
type RegisterFunc func(q *queue.Queue)

type rootOptions struct {
	cfgPath  string
	debug    bool
	register RegisterFunc

	cfg    *config.AppConfig
	logger *slog.Logger
}

// NewRootCmd builds the command tree. register may be nil.
func NewRootCmd(register RegisterFunc) *cobra.Command {
	o := &rootOptions{register: register}

	cmd := &cobra.Command{
		Use:           "reliabilityctl",
		Short:         "Retry, dead-letter and audit tooling for background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load(o.cfgPath)
			if err != nil {
				return err
			}
			o.cfg = cfg
			o.logger = newLogger(cmd.ErrOrStderr(), cfg.Logging, o.debug)
			slog.SetDefault(o.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&o.cfgPath, "config", os.Getenv("RELIABILITY_CONFIG"), "config file (built-in defaults when empty)")
	cmd.PersistentFlags().BoolVar(&o.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(o),
		newMigrateCmd(o),
		newDLQCmd(o),
		newAuditCmd(o),
	)
	return cmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute(register RegisterFunc) {
	cmd := NewRootCmd(register)
	if err := cmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
