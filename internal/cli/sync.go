package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/orchestrator"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/transport/httpsync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Params                 map[string]string
	Reinitialize           bool
	ReinitializeWithUpload bool
	OnOutdated             string

	// IDs overrides the session id generator (for testing).
	IDs orchestrator.IDGenerator
}

var syncKeys = merge(storeKeys, batchKeys, flagKeys{
	"server":  "server.url",
	"policy":  "conflict.policy",
	"timeout": "transport.timeout",
})

// SyncReport is the printed outcome of a session.
type SyncReport struct {
	*orchestrator.Result
}

func (r SyncReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ Session %s (%s, scope %s) completed in %s\n", r.SessionID, r.Mode, r.Scope, r.Duration)
	if len(r.Tables) == 0 {
		fmt.Fprintln(w, "  nothing to exchange")
		return
	}

	names := make([]string, 0, len(r.Tables))
	for name := range r.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	t := newTable(w)
	t.AppendHeader(table.Row{"Table", "Uploaded", "Downloaded", "Applied remote", "Applied local", "Conflicts", "Failed"})
	for _, name := range names {
		ts := r.Tables[name]
		t.AppendRow(table.Row{
			name,
			ts.Uploaded.Total(),
			ts.Downloaded.Total(),
			ts.RemoteApply.Applied,
			ts.LocalApply.Applied,
			ts.RemoteApply.Conflicts + ts.LocalApply.Conflicts,
			ts.RemoteApply.Failed + ts.LocalApply.Failed,
		})
	}
	t.AppendFooter(table.Row{"Total", r.Uploaded, r.Downloaded, "", "", r.Conflicts, r.Failed})
	t.Render()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return newSyncCommand(&SyncOptions{RootOptions: rootOpts})
}

func newSyncCommand(opts *SyncOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session against a server",
		Long: `Upload local changes to the server, apply them there, and download and
apply everything this database has not seen yet.

A client whose last sync predates the server's tombstone retention is
outdated. By default the session then fails with exit code 3; --on-outdated
selects reinitialize or reinitialize-with-upload instead.

Example:
  rowsync sync --db ./client.db --setup ./setup.yaml --server http://hub:8470
  rowsync sync --db ./client.db --setup ./setup.yaml --server http://hub:8470 --param region=eu
  rowsync sync --db ./client.db --setup ./setup.yaml --reinitialize`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	addStoreFlags(cmd)
	addBatchFlags(cmd)
	cmd.Flags().String("server", "", "server base URL")
	cmd.Flags().String("policy", "", "conflict policy: server-wins, client-wins, rollback or continue")
	cmd.Flags().Duration("timeout", 0, "per-call transport timeout")
	cmd.Flags().StringToStringVar(&opts.Params, "param", nil, "filter parameter value (name=value, repeatable)")
	cmd.Flags().BoolVar(&opts.Reinitialize, "reinitialize", false, "discard local rows and sync state, then download everything")
	cmd.Flags().BoolVar(&opts.ReinitializeWithUpload, "reinitialize-with-upload", false, "upload local changes, then reinitialize")
	cmd.Flags().StringVar(&opts.OnOutdated, "on-outdated", "", "action when outdated: abort, reinitialize or reinitialize-with-upload")
	cmd.MarkFlagsMutuallyExclusive("reinitialize", "reinitialize-with-upload")

	return cmd
}

func (o *SyncOptions) mode() orchestrator.Mode {
	switch {
	case o.Reinitialize:
		return orchestrator.ModeReinitialize
	case o.ReinitializeWithUpload:
		return orchestrator.ModeReinitializeWithUpload
	}
	return orchestrator.ModeIncremental
}

func parseOutdatedMode(s string) (orchestrator.Mode, error) {
	switch m := orchestrator.Mode(s); m {
	case orchestrator.ModeAbort, orchestrator.ModeReinitialize, orchestrator.ModeReinitializeWithUpload:
		return m, nil
	}
	return "", fmt.Errorf("unknown --on-outdated action %q (want abort, reinitialize or reinitialize-with-upload)", s)
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	e, err := opts.load(cmd, syncKeys)
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

	res, err := local.Sync(ctx, opts.mode())
	if err != nil {
		if res != nil {
			e.logger.Info("session failed", "session", res.SessionID, "stage", res.Stage,
				"uploaded", res.Uploaded, "downloaded", res.Downloaded, "applied", res.Applied)
		}
		return e.out.Fail(ErrCodeGeneric, "sync failed", err)
	}
	e.logger.Info("session completed", "session", res.SessionID,
		"uploaded", res.Uploaded, "downloaded", res.Downloaded, "applied", res.Applied, "conflicts", res.Conflicts)
	return e.out.Success(SyncReport{res})
}

// newLocal wires the HTTP client and the client orchestrator from the
// resolved configuration.
func (o *SyncOptions) newLocal(e *env, st *sqlite.Store, setup *model.Setup, batches *batch.Store) (*orchestrator.LocalOrchestrator, error) {
	if e.cfg.Server.URL == "" {
		return nil, e.out.Fail(ErrCodeConfig, "connect", errors.New("no server configured (use --server or server.url)"))
	}
	client, err := httpsync.NewClient(e.cfg.Server.URL, batches,
		httpsync.WithTimeout(e.cfg.Transport.Timeout),
		httpsync.WithClientLogger(e.logger))
	if err != nil {
		return nil, e.out.Fail(ErrCodeConfig, "connect", err)
	}

	params := e.cfg.FilterParams()
	if len(o.Params) > 0 && params == nil {
		params = map[string]any{}
	}
	for k, v := range o.Params {
		params[k] = v
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithScope(e.cfg.Scope),
		orchestrator.WithParams(params),
		orchestrator.WithPolicy(e.cfg.Policy()),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithHooks(logHook(e.logger)),
	}
	if o.IDs != nil {
		orchOpts = append(orchOpts, orchestrator.WithIDGenerator(o.IDs))
	}
	if o.OnOutdated != "" {
		mode, err := parseOutdatedMode(o.OnOutdated)
		if err != nil {
			return nil, e.out.Fail(ErrCodeConfig, "sync", err)
		}
		logger := e.logger
		orchOpts = append(orchOpts, orchestrator.WithOutdatedHandler(func(_ context.Context, od orchestrator.Outdated) orchestrator.Mode {
			logger.Warn("client is outdated", "scope", od.Scope, "last_remote_sync", od.LastRemoteSync,
				"valid_from", od.ValidFrom, "action", mode)
			return mode
		}))
	}

	local, err := orchestrator.NewLocal(st, scope.NewStore(st.DB()), client, setup, batches, orchOpts...)
	if err != nil {
		return nil, e.out.Fail(ErrCodeConfig, "sync", err)
	}
	return local, nil
}
