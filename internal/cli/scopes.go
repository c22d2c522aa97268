package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/scope"
)

// ScopeEntry is one row of the scopes listing.
type ScopeEntry struct {
	Scope          string    `json:"scope"`
	Peer           string    `json:"peer"`
	Fingerprint    string    `json:"fingerprint"`
	LastLocalSync  *int64    `json:"last_local_sync"`
	LastRemoteSync *int64    `json:"last_remote_sync"`
	LastSession    string    `json:"last_session,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`

	// ValidFrom is the retention horizon, set on the serving side only.
	ValidFrom *int64 `json:"valid_from,omitempty"`
}

// ScopeList is the output of the scopes command.
type ScopeList struct {
	Scopes []ScopeEntry `json:"scopes"`
}

func (l ScopeList) renderText(w io.Writer) {
	if len(l.Scopes) == 0 {
		fmt.Fprintln(w, "No scopes recorded.")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Scope", "Peer", "Last local", "Last remote", "Valid from", "Last session", "Updated"})
	for _, s := range l.Scopes {
		t.AppendRow(table.Row{
			s.Scope,
			s.Peer,
			watermark(s.LastLocalSync),
			watermark(s.LastRemoteSync),
			watermark(s.ValidFrom),
			s.LastSession,
			s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
}

func watermark(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

// NewScopesCommand creates the scopes command.
func NewScopesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scopes",
		Short: "List sync state per scope and peer",
		Long: `List the watermarks recorded for every scope and peer of a database.

On a client each row is the state against a server; on a server there is a
row per client, and the retention horizon of the scope is shown as well.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScopes(rootOpts, cmd)
		},
	}
	cmd.Flags().String("db", "", "path to SQLite database")
	cmd.Flags().String("driver", "", "sqlite driver: sqlite3 (cgo) or sqlite (pure Go)")
	return cmd
}

func runScopes(opts *RootOptions, cmd *cobra.Command) error {
	e, err := opts.load(cmd, flagKeys{"db": "database", "driver": "driver"})
	if err != nil {
		return err
	}
	defer e.close()

	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer e.closeStore(st)

	ctx := cmd.Context()
	scopes := scope.NewStore(st.DB())
	states, err := scopes.List(ctx)
	if err != nil {
		return e.out.Fail(ErrCodeDatabase, "list scopes", err)
	}

	list := ScopeList{Scopes: make([]ScopeEntry, 0, len(states))}
	infos := map[string]*scope.Info{}
	for _, s := range states {
		info, ok := infos[s.Name]
		if !ok {
			info, err = scopes.LoadInfo(ctx, s.Name)
			if err != nil && !errors.Is(err, scope.ErrNotFound) {
				return e.out.Fail(ErrCodeDatabase, "load scope info", err)
			}
			infos[s.Name] = info
		}
		entry := ScopeEntry{
			Scope:          s.Name,
			Peer:           s.Peer,
			Fingerprint:    s.Fingerprint,
			LastLocalSync:  s.LastLocalSync,
			LastRemoteSync: s.LastRemoteSync,
			LastSession:    s.LastSession,
			UpdatedAt:      s.UpdatedAt,
		}
		if info != nil {
			v := info.ValidFrom
			entry.ValidFrom = &v
		}
		list.Scopes = append(list.Scopes, entry)
	}
	return e.out.Success(list)
}
