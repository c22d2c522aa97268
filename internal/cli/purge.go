package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/transport/httpsync"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Before int64
	Seen   bool
}

var purgeKeys = merge(storeKeys, batchKeys, flagKeys{
	"server":  "server.url",
	"timeout": "transport.timeout",
})

// PurgeResult reports a tombstone purge.
type PurgeResult struct {
	Target string `json:"target"`
	Before int64  `json:"before"`
	Purged int64  `json:"purged"`
}

func (r PurgeResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ Purged %d tombstone(s) at or before %d from %s\n", r.Purged, r.Before, r.Target)
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop old tombstones",
		Long: `Drop deletion records stamped at or before a clock value.

On a server database this also raises the retention horizon: clients whose
last sync is older become outdated. --seen purges only what every recorded
peer has already received. With --server the purge runs on a remote hub
started with --allow-purge.

Example:
  rowsync purge --db ./hub.db --setup ./setup.yaml --seen
  rowsync purge --db ./hub.db --setup ./setup.yaml --before 1200
  rowsync purge --server http://hub:8470 --before 1200`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	addStoreFlags(cmd)
	addBatchFlags(cmd)
	cmd.Flags().String("server", "", "purge on this server instead of a local database")
	cmd.Flags().Duration("timeout", 0, "per-call transport timeout")
	cmd.Flags().Int64Var(&opts.Before, "before", 0, "purge tombstones stamped at or before this clock value")
	cmd.Flags().BoolVar(&opts.Seen, "seen", false, "purge tombstones every recorded peer has received")
	cmd.MarkFlagsMutuallyExclusive("before", "seen")
	cmd.MarkFlagsOneRequired("before", "seen")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	e, err := opts.load(cmd, purgeKeys)
	if err != nil {
		return err
	}
	defer e.close()
	ctx := cmd.Context()

	// A --server flag on the command line wins over a database from the
	// config file; server.url alone does not redirect a local purge.
	if cmd.Flags().Changed("server") || (e.cfg.Database == "" && e.cfg.Server.URL != "") {
		if opts.Seen {
			return e.out.Fail(ErrCodeConfig, "purge", errors.New("--seen is only supported on a local database"))
		}
		batches, err := e.batchStore()
		if err != nil {
			return err
		}
		client, err := httpsync.NewClient(e.cfg.Server.URL, batches,
			httpsync.WithTimeout(e.cfg.Transport.Timeout),
			httpsync.WithClientLogger(e.logger))
		if err != nil {
			return e.out.Fail(ErrCodeConfig, "connect", err)
		}
		n, err := client.Purge(ctx, opts.Before)
		if err != nil {
			return e.out.Fail(ErrCodeGeneric, "purge", err)
		}
		return e.out.Success(PurgeResult{Target: e.cfg.Server.URL, Before: opts.Before, Purged: n})
	}

	setup, err := e.loadSetup()
	if err != nil {
		return err
	}
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer e.closeStore(st)
	scopes := scope.NewStore(st.DB())

	before := opts.Before
	if opts.Seen {
		h, err := scopes.Horizon(ctx)
		if err != nil {
			return e.out.Fail(ErrCodeDatabase, "purge", err)
		}
		if h == nil {
			e.logger.Info("no peer has completed a session; nothing to purge")
			return e.out.Success(PurgeResult{Target: e.cfg.Database})
		}
		before = *h
	}

	n, err := adapter.Purge(ctx, st, setup, before)
	if err != nil {
		return e.out.Fail(ErrCodeDatabase, "purge", err)
	}
	if err := scopes.RaiseValidFrom(ctx, before); err != nil {
		return e.out.Fail(ErrCodeDatabase, "raise retention horizon", err)
	}
	e.logger.Info("purged tombstones", "count", n, "before", before)
	return e.out.Success(PurgeResult{Target: e.cfg.Database, Before: before, Purged: n})
}
