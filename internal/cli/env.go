package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/config"
	"github.com/roach88/rowsync/internal/logging"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/orchestrator"
)

// flagKeys maps command flag names to config keys. A flag set on the
// command line overrides the config file and ROWSYNC_* variables.
type flagKeys map[string]string

var (
	storeKeys = flagKeys{"db": "database", "driver": "driver", "setup": "setup", "scope": "scope"}
	batchKeys = flagKeys{"batch-dir": "batch.dir", "codec": "batch.codec"}
)

func merge(sets ...flagKeys) flagKeys {
	out := flagKeys{}
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// addStoreFlags registers the flags named by storeKeys.
func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "", "path to SQLite database")
	cmd.Flags().String("driver", "", "sqlite driver: sqlite3 (cgo) or sqlite (pure Go)")
	cmd.Flags().String("setup", "", "setup descriptor (.yaml or .cue)")
	cmd.Flags().String("scope", "", "scope name (default \"default\")")
}

// addBatchFlags registers the flags named by batchKeys.
func addBatchFlags(cmd *cobra.Command) {
	cmd.Flags().String("batch-dir", "", "directory for batch parts")
	cmd.Flags().String("codec", "", "batch codec: json or json+gzip")
}

// env is the resolved environment of one command run.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	out    *OutputFormatter
	closer io.Closer
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// load binds keys, reads the configuration and sets up logging. Errors are
// already reported on the returned formatter when load fails.
func (o *RootOptions) load(cmd *cobra.Command, keys flagKeys) (*env, error) {
	f := o.formatter(cmd)
	v := o.settings()
	for name, key := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, f.Fail(ErrCodeConfig, "bind flags", err)
		}
	}

	cfg, err := config.Load(v, o.ConfigFile)
	if err != nil {
		return nil, f.Fail(ErrCodeConfig, "load config", err)
	}

	logger, closer, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:      cfg.Log.Level,
		Verbose:    o.Verbose,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, f.Fail(ErrCodeConfig, "configure logging", err)
	}
	slog.SetDefault(logger)

	return &env{cfg: cfg, logger: logger, out: f, closer: closer}, nil
}

func (e *env) close() {
	if err := e.closer.Close(); err != nil {
		slog.Error("error closing log file", "error", err)
	}
}

// openStore opens the configured database.
func (e *env) openStore() (*sqlite.Store, error) {
	if e.cfg.Database == "" {
		return nil, e.out.Fail(ErrCodeConfig, "open database", errors.New("no database configured (use --db or database:)"))
	}
	e.logger.Debug("opening database", "path", e.cfg.Database, "driver", e.cfg.Driver)
	st, err := sqlite.Open(e.cfg.Database, sqlite.Options{Driver: e.cfg.Driver})
	if err != nil {
		return nil, e.out.Fail(ErrCodeDatabase, "open database", err)
	}
	return st, nil
}

func (e *env) closeStore(st *sqlite.Store) {
	if err := st.Close(); err != nil {
		e.logger.Error("error closing database", "error", err)
	}
}

// loadSetup reads the configured setup descriptor.
func (e *env) loadSetup() (*model.Setup, error) {
	if e.cfg.Setup == "" {
		return nil, e.out.Fail(ErrCodeSetup, "load setup", errors.New("no setup configured (use --setup or setup:)"))
	}
	setup, err := config.LoadSetup(e.cfg.Setup)
	if err != nil {
		var notFound *os.PathError
		if errors.As(err, &notFound) {
			return nil, e.out.Fail(ErrCodeNotFound, "load setup", err)
		}
		return nil, e.out.Fail(ErrCodeSetup, "load setup", err)
	}
	return setup, nil
}

// batchStore returns the batch store under the configured root.
func (e *env) batchStore() (*batch.Store, error) {
	bs, err := batch.NewStore(e.cfg.Batch.Dir, batch.DefaultRegistry(), e.cfg.Batch.Codec, e.cfg.BatchPolicy())
	if err != nil {
		return nil, e.out.Fail(ErrCodeConfig, "open batch directory", err)
	}
	return bs, nil
}

// logHook logs every session event at debug level.
func logHook(logger *slog.Logger) orchestrator.Hook {
	return func(_ context.Context, ev orchestrator.Event) {
		attrs := []any{"session", ev.SessionID, "role", ev.Role, "scope", ev.Scope}
		if ev.Table != "" {
			attrs = append(attrs, "table", ev.Table, "state", ev.State)
		}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
		}
		logger.Debug(string(ev.Stage), attrs...)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, or when
// the command's own context ends (as it does in tests).
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
