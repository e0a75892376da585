package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cimatrix/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Addr     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run log over HTTP",
		Long: `Serve a read-only JSON view of the run log.

Routes:
  GET /healthz     liveness probe
  GET /runs        recorded runs, newest first (?pipeline= ?branch= ?status= ?limit=)
  GET /runs/{id}   one run with its job runs, steps and artifacts

Examples:
  cimatrix serve
  cimatrix serve --db ./runs.db --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.settings()
			if !cmd.Flags().Changed("db") {
				opts.Database = cfg.Store
			}
			if !cmd.Flags().Changed("addr") {
				opts.Addr = cfg.Addr
			}
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run log (default from config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := opts.logger()

	st, err := openStore(opts.Database, false)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if formatter.Format == "text" {
		fmt.Fprintf(formatter.Writer, "Serving %s on http://%s\n", opts.Database, opts.Addr)
		fmt.Fprintln(formatter.Writer, "Press Ctrl-C to stop.")
	}

	srv := server.New(st, logger)
	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = formatter.Error(ErrCodeRunAborted, err.Error(), nil)
		return WrapExitError(ExitCommandError, "server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
