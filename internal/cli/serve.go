package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/job-reliability/pkg/admin"
	"github.com/jdziat/job-reliability/pkg/maintenance"
	"github.com/jdziat/job-reliability/pkg/worker"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var (
		noWorker        bool
		noMaintenance   bool
		promoteInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker, maintenance scheduler and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			if o.register != nil {
				o.register(a.queue)
			}

			g, ctx := errgroup.WithContext(ctx)

			if !noWorker {
				w := newWorker(a)
				g.Go(func() error {
					return ignoreCanceled(w.Start(ctx))
				})
			}

			if !noMaintenance {
				runner, err := maintenance.New(a.store, a.guard, a.auditor,
					maintenance.WithLogger(o.logger),
					maintenance.WithConfig(o.cfg.Maintenance),
				)
				if err != nil {
					return err
				}
				g.Go(func() error { return runner.Run(ctx) })
			}

			if a.broker != nil && promoteInterval > 0 {
				g.Go(func() error { return promoteLoop(ctx, a, promoteInterval) })
			}

			srv := &http.Server{
				Addr:              o.cfg.Server.Addr,
				Handler:           newAdminRouter(a),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				o.logger.Info("admin API listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Server.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			o.logger.Info("stopped")
			return err
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not process jobs")
	cmd.Flags().BoolVar(&noMaintenance, "no-maintenance", false, "do not run periodic maintenance")
	cmd.Flags().DurationVar(&promoteInterval, "promote-interval", time.Second, "how often delayed Redis messages are promoted (0 disables)")
	return cmd
}

func newWorker(a *app) *worker.Worker {
	opts := []worker.WorkerOption{
		worker.WithPollInterval(a.cfg.Worker.PollInterval),
		worker.WithWorkerID(a.cfg.Worker.ID),
		worker.WithLogger(a.logger),
		worker.WithDeadLetterHandler(a.dlq),
	}
	for name, n := range a.cfg.WorkerQueues() {
		opts = append(opts, worker.WorkerQueue(name, worker.Concurrency(n)))
	}
	return worker.NewWorker(a.queue, opts...)
}

func newAdminRouter(a *app) http.Handler {
	opts := []admin.Option{
		admin.WithLogger(a.logger),
		admin.WithIdempotency(a.guard),
	}
	if len(a.cfg.Server.CORSOrigins) > 0 {
		opts = append(opts, admin.WithCORS(a.cfg.Server.CORSOrigins...))
	}
	auth := admin.NewTokenAuthorizer(a.cfg.Server.Operators...)
	return admin.NewRouter(a.dlq, a.auditor, auth, opts...)
}

// promoteLoop moves due delayed messages onto their ready lists.
func promoteLoop(ctx context.Context, a *app, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name := range a.cfg.WorkerQueues() {
				n, err := a.broker.PromoteDue(ctx, name)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					a.logger.Warn("promote delayed messages failed", "queue", name, "error", err)
					continue
				}
				if n > 0 {
					a.logger.Debug("promoted delayed messages", "queue", name, "count", n)
				}
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
