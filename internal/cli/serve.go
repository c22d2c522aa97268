package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/orchestrator"
	"github.com/roach88/rowsync/internal/progress"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/transport/httpsync"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	// Ready, when set, is called with the bound address once the server
	// accepts connections (for testing).
	Ready func(addr string)
}

var serveKeys = merge(storeKeys, batchKeys, flagKeys{
	"listen":      "server.listen",
	"allow-purge": "server.allow_purge",
	"session-ttl": "server.session_ttl",
	"progress":    "progress.listen",
})

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a database as the sync hub",
		Long: `Provision the setup's tables and accept sync sessions over HTTP until
interrupted.

With --progress, session stage events are also broadcast as JSON messages
to WebSocket clients connected to ws://<addr>/ws.

Example:
  rowsync serve --db ./hub.db --setup ./setup.yaml --listen :8470
  rowsync serve --db ./hub.db --setup ./setup.yaml --progress 127.0.0.1:8471 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	addStoreFlags(cmd)
	addBatchFlags(cmd)
	cmd.Flags().String("listen", "", "address to listen on (default 127.0.0.1:8470)")
	cmd.Flags().Bool("allow-purge", false, "expose the tombstone purge endpoint")
	cmd.Flags().Duration("session-ttl", 0, "drop sessions idle for longer than this")
	cmd.Flags().String("progress", "", "address for the WebSocket progress feed")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	e, err := opts.load(cmd, serveKeys)
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

	if err := adapter.Provision(ctx, st, setup); err != nil {
		return e.out.Fail(ErrCodeDatabase, "provision", err)
	}

	hooks := []orchestrator.Hook{logHook(e.logger)}
	var feed *progress.Broadcaster
	if addr := e.cfg.Progress.Listen; addr != "" {
		feed = progress.New(progress.WithLogger(e.logger))
		defer feed.Close()
		hooks = append(hooks, feed.Hook())
		go func() {
			if err := feed.ListenAndServe(ctx, addr); err != nil {
				e.logger.Error("progress server failed", "error", err)
			}
		}()
	}

	remote, err := orchestrator.NewRemote(st, scope.NewStore(st.DB()), setup, batches,
		orchestrator.WithScope(e.cfg.Scope),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithHooks(hooks...),
		orchestrator.WithSessionTTL(e.cfg.Server.SessionTTL))
	if err != nil {
		return e.out.Fail(ErrCodeSetup, "serve", err)
	}
	handler := httpsync.NewHandler(remote,
		httpsync.WithHandlerLogger(e.logger),
		httpsync.WithPurgeEndpoint(e.cfg.Server.AllowPurge))

	ln, err := net.Listen("tcp", e.cfg.Server.Listen)
	if err != nil {
		return e.out.Fail(ErrCodeConfig, "listen", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	e.logger.Info("serving", "addr", addr, "db", e.cfg.Database, "peer", st.PeerID(), "tables", len(setup.Tables))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", e.cfg.Database, addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			e.logger.Error("shutdown", "error", err)
		}
	}

	e.logger.Info("server stopped gracefully")
	return nil
}
