package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/orchestrator"
	"github.com/roach88/rowsync/internal/syncerr"
	"github.com/roach88/rowsync/internal/watch"
)

var watchKeys = merge(syncKeys, flagKeys{
	"debounce": "watch.debounce",
	"interval": "watch.interval",
})

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync whenever the local database changes",
		Long: `Run a sync session at start, after local writes settle, and optionally on
a fixed interval, until interrupted.

Writes made by the sessions themselves do not trigger another session.
Failed sessions are logged and retried on the next trigger; an outdated
client stops the watch unless --on-outdated is set.

Example:
  rowsync watch --db ./client.db --setup ./setup.yaml --server http://hub:8470
  rowsync watch --db ./client.db --setup ./setup.yaml --server http://hub:8470 --interval 1m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	addStoreFlags(cmd)
	addBatchFlags(cmd)
	cmd.Flags().String("server", "", "server base URL")
	cmd.Flags().String("policy", "", "conflict policy: server-wins, client-wins, rollback or continue")
	cmd.Flags().Duration("timeout", 0, "per-call transport timeout")
	cmd.Flags().StringToStringVar(&opts.Params, "param", nil, "filter parameter value (name=value, repeatable)")
	cmd.Flags().StringVar(&opts.OnOutdated, "on-outdated", "", "action when outdated: abort, reinitialize or reinitialize-with-upload")
	cmd.Flags().Duration("debounce", 0, "quiet period after the last write (default 2s)")
	cmd.Flags().Duration("interval", 0, "also sync on this interval (0 disables)")

	return cmd
}

func runWatch(opts *SyncOptions, cmd *cobra.Command) error {
	e, err := opts.load(cmd, watchKeys)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signalContext(cmd)
	defer stop()

	setup, err := e.loadSetup()
	if err != nil {
		return err
	}
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer e.closeStore(st)
	batches, err := e.batchStore()
	if err != nil {
		return err
	}
	local, err := opts.newLocal(e, st, setup, batches)
	if err != nil {
		return err
	}

	w, err := watch.New(e.cfg.Database,
		watch.WithDebounce(e.cfg.Watch.Debounce),
		watch.WithInterval(e.cfg.Watch.Interval),
		watch.WithLogger(e.logger))
	if err != nil {
		return e.out.Fail(ErrCodeConfig, "watch", err)
	}

	// settled is the clock value after the last successful session. A
	// change trigger with the clock still there came from that session's
	// own writes.
	var settled int64 = -1
	var fatal error
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = w.Run(runCtx, func(ctx context.Context, reason watch.Reason) error {
		if reason == watch.ReasonChange {
			ts, err := st.CurrentTimestamp(ctx)
			if err != nil {
				return err
			}
			if ts == settled {
				return nil
			}
		}
		res, err := local.Sync(ctx, orchestrator.ModeIncremental)
		if err != nil {
			if syncerr.IsOutdated(err) || syncerr.IsScopeMismatch(err) {
				fatal = err
				cancel()
			}
			return err
		}
		e.logger.Info("session completed", "reason", reason, "session", res.SessionID,
			"uploaded", res.Uploaded, "downloaded", res.Downloaded, "conflicts", res.Conflicts)
		settled, err = st.CurrentTimestamp(ctx)
		return err
	})
	if err != nil {
		return e.out.Fail(ErrCodeGeneric, "watch", err)
	}
	if fatal != nil {
		return e.out.Fail(ErrCodeGeneric, "sync failed", fatal)
	}
	e.logger.Info("watch stopped")
	return nil
}
