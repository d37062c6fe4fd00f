package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/connsync/internal/app"
	"github.com/kimhsiao/connsync/internal/models"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached connections with their sync state",
		Long: `List every connection in the local cache.

The cache is shown as-is unless it is stale or --refresh is given, in which
case a reconciliation pass against the remote runs first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to list connections", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				if refresh {
					if err := a.Manager.LoadConnections(ctx, true); err != nil {
						return nil, err
					}
				}
				a.Manager.WaitBackground()
				return func() interface{} {
					return connectionList{
						UserID:               a.Manager.UserID(),
						Connections:          a.Manager.Connections(),
						PendingRequestsCount: a.Manager.PendingRequestsCount(),
					}
				}, nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "reconcile with the remote before listing")

	return cmd
}

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Username    string
	DisplayName string
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <user-id>",
		Short: "Send a connection request",
		Long: `Send a connection request to another user.

If that user already sent you a request, it is accepted instead.

Example:
  connsync send u2
  connsync send u2 --display-name "Alice at work"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to send request", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				conn, err := a.Manager.SendConnectionRequest(ctx, args[0], models.UserMetadata{
					Username:    opts.Username,
					DisplayName: opts.DisplayName,
				})
				if err != nil {
					return nil, err
				}
				return viewOf(a.Manager, conn), nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Username, "username", "", "sender username (defaults to config)")
	cmd.Flags().StringVar(&opts.DisplayName, "display-name", "", "sender display name (defaults to config)")

	return cmd
}

// tracked resolves id against the cache, falling back to a bare record so
// the manager reports what an unknown id means.
func tracked(a *app.App, id string) models.Connection {
	if mc, ok := a.Manager.Connection(id); ok {
		return mc.Connection
	}
	return models.Connection{ID: id}
}

// NewAcceptCommand creates the accept command.
func NewAcceptCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "accept <connection-id>",
		Short:         "Accept an incoming connection request",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to accept request", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				conn, err := a.Manager.AcceptConnection(ctx, tracked(a, args[0]))
				if err != nil {
					return nil, err
				}
				return viewOf(a.Manager, conn), nil
			})
		},
	}
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reject <connection-id>",
		Short:         "Reject an incoming connection request",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to reject request", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				if err := a.Manager.RejectConnection(ctx, tracked(a, args[0])); err != nil {
					return nil, err
				}
				return func() interface{} {
					return messageView{Message: "Rejected " + args[0], ID: args[0]}
				}, nil
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <connection-id>",
		Short:         "Remove a connection or withdraw a sent request",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to delete connection", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				if err := a.Manager.DeleteConnection(ctx, tracked(a, args[0])); err != nil {
					return nil, err
				}
				return func() interface{} {
					return messageView{Message: "Deleted " + args[0], ID: args[0]}
				}, nil
			})
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <connection-id>",
		Short: "Retry the failed operation of a connection",
		Long: `Retry the last operation recorded for a connection.

Works for operations still waiting in the queue as well as ones that
exhausted their attempts and were recorded as failed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to retry operation", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				if err := a.Manager.RetryFailedOperation(ctx, args[0]); err != nil {
					return nil, err
				}
				return viewOf(a.Manager, models.Connection{ID: args[0]}), nil
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <user-id>",
		Short:         "Show the relationship with another user",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, "failed to read status", func(ctx context.Context, a *app.App) (func() interface{}, error) {
				a.Manager.WaitBackground()
				return func() interface{} {
					return relationshipView{WithUserID: args[0], Relationship: a.Manager.ConnectionStatus(args[0])}
				}, nil
			})
		},
	}
}
