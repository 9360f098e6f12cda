package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrios/offline/internal/logging"
	syncpkg "github.com/agrios/offline/internal/sync"
	"github.com/agrios/offline/internal/sync/scheduler"
	"github.com/agrios/offline/internal/sync/trigger"
	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Run one sync cycle",
		Long: `Run one sync cycle: pull server changes since the last cursor, apply
them (columns edited locally since the last push are kept), then push local
changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			engine, err := a.engine()
			if err != nil {
				return err
			}
			defer engine.Wait()

			result, err := engine.Sync(cmd.Context())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			if result.NeedsPull {
				fmt.Fprintln(cmd.OutOrStdout(), "Push rejected as stale; changes stay pending for the next sync.")
			}
			return nil
		},
	}
}

func printResult(w io.Writer, r *syncpkg.SyncResult) {
	fmt.Fprintf(w, "Pulled %d (applied %d, conflicts %d), pushed %d, purged %d in %s\n",
		r.Pulled, r.Applied, r.Conflicts, r.Pushed, r.Purged, r.Duration.Round(time.Millisecond))
}

func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "daemon",
		GroupID: "sync",
		Short:   "Sync in the background until interrupted",
		Long: `Run the sync scheduler until interrupted. A cycle runs at start, then every
sync.interval, with exponential backoff after failures. With sync.watch_db
set, local writes to the database trigger a cycle right away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if !a.cfg.SyncEnabled() {
				return syncpkg.ErrNotConfigured
			}
			engine, err := a.engine()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sched := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{
				SyncInterval: a.cfg.Sync.Interval,
				MaxBackoff:   a.cfg.Sync.MaxBackoff,
			})

			var watcher *trigger.DBWatcher
			if a.cfg.Sync.WatchDB {
				watcher, err = trigger.NewDBWatcher(a.cfg.DBPath(), 0, func() {
					// Applying pulled changes also touches the WAL; only
					// local edits leave rows pending.
					if n, err := a.store.PendingCount(ctx); err == nil && n > 0 {
						sched.Trigger()
					}
				})
				if err != nil {
					return err
				}
				if err := watcher.Start(); err != nil {
					return err
				}
			}

			logging.Info("Sync daemon started", map[string]interface{}{
				"server":   a.cfg.Sync.BaseURL,
				"interval": a.cfg.Sync.Interval.String(),
				"watch_db": a.cfg.Sync.WatchDB,
			})
			sched.Start(ctx)

			<-ctx.Done()

			if watcher != nil {
				if err := watcher.Stop(); err != nil {
					logging.Warn("Failed to stop database watcher", map[string]interface{}{"error": err.Error()})
				}
			}
			sched.Stop()
			engine.Wait()

			status := sched.GetStatus()
			logging.Info("Sync daemon stopped", map[string]interface{}{
				"pending":              status.PendingChanges,
				"consecutive_failures": status.ConsecutiveFailures,
			})
			return nil
		},
	}
}
