package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/connsync/internal/app"
)

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "queue",
		Short:         "Show operations waiting for the remote",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Inspecting the queue must not drain it first.
			opts := *rootOpts
			opts.Wait = 0
			return withEngine(&opts, cmd, "failed to read queue", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				return func() interface{} {
					return queueView{Stats: a.Queue.Stats(), Operations: a.Queue.GetAllOperations()}
				}, nil
			})
		},
	}
}

// NewFailuresCommand creates the failures command.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "failures",
		Short:         "List operations that exhausted their retries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to read failures", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				return func() interface{} {
					return failureList(a.Manager.Failures())
				}, nil
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sync",
		Short:         "Reconcile the local cache with the remote now",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "sync failed", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				a.Manager.WaitBackground()
				result, err := a.Scheduler.SyncNow(ctx)
				if err != nil {
					return nil, err
				}
				return func() interface{} { return syncView{result} }, nil
			})
		},
	}
}
