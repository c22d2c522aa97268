package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/rowsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	// v merges the config file, ROWSYNC_* variables and command flags.
	v *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func (o *RootOptions) settings() *viper.Viper {
	if o.v == nil {
		o.v = config.New()
	}
	return o.v
}

// NewRootCommand creates the root command for the rowsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:   "rowsync",
		Short: "rowsync - bidirectional delta sync for SQL tables",
		Long: `Keep tables of several SQLite databases in sync through a hub.

Clients upload the rows changed since their last session, the server applies
them under a conflict policy and returns everything the client has not seen.
Change tracking lives next to the data, in tracking tables and triggers
installed by provision.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default: rowsync.yaml in the config dir or working dir)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewProvisionCommand(opts))
	cmd.AddCommand(NewDeprovisionCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewScopesCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
