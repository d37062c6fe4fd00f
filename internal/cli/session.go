package cli

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/connsync/internal/app"
	"github.com/kimhsiao/connsync/internal/config"
	"github.com/kimhsiao/connsync/internal/logging"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the config file and installs the global logger. Short
// lived commands stay quiet below warnings unless --verbose is set.
func loadConfig(opts *RootOptions, logOut io.Writer, daemon bool) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	switch {
	case opts.Verbose:
		level = logging.LevelDebug
	case !daemon && level != logging.LevelError:
		level = logging.LevelWarn
	}
	logging.SetGlobal(logging.New(logOut, level, logging.ParseFormat(cfg.Logging.Format)))
	return &cfg, nil
}

// action runs one command against a started engine. The returned view is
// rendered after queued operations had their chance to complete.
type action func(ctx context.Context, a *app.App) (view func() interface{}, err error)

// withEngine runs fn against a started engine, then gives queued operations
// up to --wait to reach the remote before shutting down. Whatever is still
// queued afterwards is replayed on the next start.
func withEngine(opts *RootOptions, cmd *cobra.Command, failMessage string, fn action) error {
	out := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts, cmd.ErrOrStderr(), false)
	if err != nil {
		_ = out.Error("CONFIG", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
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

	view, err := fn(ctx, engine)
	if err != nil {
		return out.Fail(failMessage, err)
	}

	if opts.Wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, opts.Wait)
		err := engine.Drain(waitCtx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return out.Fail("failed waiting for queue", err)
		}
		if n := engine.Queue.Len(); n > 0 {
			out.VerboseLog("%d operation(s) still queued; they resume on next start", n)
		}
	}
	return out.Success(view())
}
