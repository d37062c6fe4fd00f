package cli

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/connsync/internal/app"
	"github.com/kimhsiao/connsync/internal/config"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP and WebSocket API",
		Long: `Run the sync engine until interrupted.

Queued operations are resumed, the retry and periodic sync loops start and
the REST API plus the /ws event stream are served.

Example:
  connsync serve --config ./connsync.yaml
  connsync serve --addr 127.0.0.1:9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, addr, cmd)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.host and http.port)")

	return cmd
}

func runServe(opts *RootOptions, addr string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts, cmd.ErrOrStderr(), true)
	if err != nil {
		_ = out.Error("CONFIG", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if addr != "" {
		if err := overrideAddr(&cfg.HTTP, addr); err != nil {
			_ = out.Error("CONFIG", err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid --addr", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		return out.Fail("failed to open engine", err)
	}
	defer func() {
		if closeErr := engine.Close(context.Background()); closeErr != nil {
			logging.Error("Error closing engine", closeErr, nil)
		}
	}()

	if err := engine.Start(ctx); err != nil {
		return out.Fail("failed to start engine", err)
	}

	srv := server.New(cfg.HTTP, engine.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return out.Fail("http server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func overrideAddr(h *config.HTTPConfig, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("port %q is out of range", portStr)
	}
	h.Host = host
	h.Port = port
	return nil
}
