package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/scope"
)

// ProvisionResult reports the tracked tables of a database.
type ProvisionResult struct {
	Database    string   `json:"database"`
	Peer        string   `json:"peer"`
	Fingerprint string   `json:"fingerprint"`
	Tables      []string `json:"tables"`
	Timestamp   int64    `json:"timestamp"`
}

func (r ProvisionResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ Provisioned %d table(s) in %s\n", len(r.Tables), r.Database)
	fmt.Fprintf(w, "  tables:      %s\n", strings.Join(r.Tables, ", "))
	fmt.Fprintf(w, "  peer:        %s\n", r.Peer)
	fmt.Fprintf(w, "  fingerprint: %s\n", r.Fingerprint)
	fmt.Fprintf(w, "  clock:       %d\n", r.Timestamp)
}

// NewProvisionCommand creates the provision command.
func NewProvisionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Install change tracking for the setup's tables",
		Long: `Create the tracking tables and triggers for every table of the setup.

Rows already present are recorded as changes, so the first sync sends them.
Provisioning is idempotent; sync provisions on its own as well.

Example:
  rowsync provision --db ./client.db --setup ./setup.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(rootOpts, cmd)
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func runProvision(opts *RootOptions, cmd *cobra.Command) error {
	e, err := opts.load(cmd, storeKeys)
	if err != nil {
		return err
	}
	defer e.close()

	setup, err := e.loadSetup()
	if err != nil {
		return err
	}
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer e.closeStore(st)

	ctx := cmd.Context()
	if err := adapter.Provision(ctx, st, setup); err != nil {
		return e.out.Fail(ErrCodeDatabase, "provision", err)
	}
	fp, err := setup.Fingerprint()
	if err != nil {
		return e.out.Fail(ErrCodeSetup, "fingerprint setup", err)
	}
	ts, err := st.CurrentTimestamp(ctx)
	if err != nil {
		return e.out.Fail(ErrCodeDatabase, "read clock", err)
	}
	e.logger.Info("provisioned", "db", e.cfg.Database, "tables", len(setup.Tables))

	return e.out.Success(ProvisionResult{
		Database:    e.cfg.Database,
		Peer:        st.PeerID(),
		Fingerprint: fp,
		Tables:      tableNames(setup),
		Timestamp:   ts,
	})
}

// DeprovisionResult reports what deprovision removed.
type DeprovisionResult struct {
	Database string   `json:"database"`
	Tables   []string `json:"tables"`
	Scope    string   `json:"scope"`
}

func (r DeprovisionResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ Removed tracking for %s and scope %q from %s\n", strings.Join(r.Tables, ", "), r.Scope, r.Database)
}

// NewDeprovisionCommand creates the deprovision command.
func NewDeprovisionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deprovision",
		Short: "Remove change tracking and sync state",
		Long: `Drop the tracking tables and triggers of the setup's tables and delete the
scope's sync state. Data rows are left untouched; the next sync after
provisioning again starts from scratch.

Example:
  rowsync deprovision --db ./client.db --setup ./setup.yaml --scope default`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeprovision(rootOpts, cmd)
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func runDeprovision(opts *RootOptions, cmd *cobra.Command) error {
	e, err := opts.load(cmd, storeKeys)
	if err != nil {
		return err
	}
	defer e.close()

	setup, err := e.loadSetup()
	if err != nil {
		return err
	}
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer e.closeStore(st)

	ctx := cmd.Context()
	if err := adapter.Deprovision(ctx, st, setup); err != nil {
		return e.out.Fail(ErrCodeDatabase, "deprovision", err)
	}
	if err := scope.NewStore(st.DB()).Delete(ctx, e.cfg.Scope); err != nil {
		return e.out.Fail(ErrCodeDatabase, "delete scope", err)
	}
	e.logger.Info("deprovisioned", "db", e.cfg.Database, "scope", e.cfg.Scope)

	return e.out.Success(DeprovisionResult{
		Database: e.cfg.Database,
		Tables:   tableNames(setup),
		Scope:    e.cfg.Scope,
	})
}

func tableNames(setup *model.Setup) []string {
	names := make([]string, len(setup.Tables))
	for i, t := range setup.Tables {
		names[i] = t.QualifiedName()
	}
	return names
}
