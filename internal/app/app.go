// Package app assembles the engine from configuration: the SQLite cache, the
// remote backend, the operation queue, the connection manager, the
// scheduler and the notification hub.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kimhsiao/connsync/internal/config"
	"github.com/kimhsiao/connsync/internal/connection"
	"github.com/kimhsiao/connsync/internal/db"
	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/notify"
	"github.com/kimhsiao/connsync/internal/remote"
	"github.com/kimhsiao/connsync/internal/server"
	"github.com/kimhsiao/connsync/internal/sync/queue"
	"github.com/kimhsiao/connsync/internal/sync/scheduler"
)

// App owns every long-lived component.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Repo      *db.Repository
	Remote    remote.Store
	Queue     *queue.Queue
	Manager   *connection.Manager
	Scheduler *scheduler.Scheduler
	Hub       *notify.Hub

	detach []func()
}

// OpenRemote connects the configured backend, bounded by the per-call timeout.
func OpenRemote(ctx context.Context, cfg config.RemoteConfig) (remote.Store, error) {
	opts := remote.Options{
		URI:      cfg.URI,
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
	}

	var (
		store remote.Store
		err   error
	)
	switch cfg.Backend {
	case config.BackendMemory, "":
		store = remote.NewMemoryStore()
	case config.BackendMongo:
		store, err = remote.NewMongoStore(ctx, opts)
	case config.BackendNeo4j:
		store, err = remote.NewNeo4jStore(ctx, opts)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown remote backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("connect %s backend", cfg.Backend), err)
	}
	return remote.WithTimeout(store, cfg.Timeout), nil
}

// New opens every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open local cache", err)
	}
	a.DB = database
	a.Repo = db.NewRepository(database.DB)

	a.Remote, err = OpenRemote(ctx, cfg.Remote)
	if err != nil {
		a.closeStores(ctx)
		return nil, err
	}

	a.Queue, err = queue.New(a.Repo, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffCap:  cfg.Queue.BackoffCap,
	})
	if err != nil {
		a.closeStores(ctx)
		return nil, err
	}

	a.Manager, err = connection.New(connection.Config{
		UserID: cfg.User.ID,
		Profile: models.UserMetadata{
			Username:    cfg.User.Username,
			DisplayName: cfg.User.DisplayName,
		},
		FreshnessWindow: cfg.Sync.FreshnessWindow,
		RejectTTL:       cfg.Sync.RejectTTL,
	}, connection.Deps{
		Cache:      a.Repo,
		Rejects:    a.Repo,
		Duplicates: a.Repo,
		Failures:   a.Repo,
		Remote:     a.Remote,
		Queue:      a.Queue,
	})
	if err != nil {
		a.Queue.Close()
		a.closeStores(ctx)
		return nil, err
	}

	a.Hub = notify.NewHub()
	a.Scheduler = scheduler.NewScheduler(&broadcastingSyncer{manager: a.Manager, hub: a.Hub}, a.Queue,
		&scheduler.SchedulerConfig{
			SyncInterval:  cfg.Sync.Interval,
			QueueInterval: cfg.Queue.TickInterval,
		})
	return a, nil
}

// Start resumes queued work, begins the periodic drivers and loads the cache.
func (a *App) Start(ctx context.Context) error {
	a.Manager.Start(ctx)
	a.detach = append(a.detach, a.Hub.FollowQueue(a.Queue), a.Hub.WatchChanges(a.Manager))
	a.Scheduler.Start(ctx)

	if err := a.Manager.LoadConnections(ctx, false); err != nil {
		return err
	}
	logging.Info("Engine started", map[string]interface{}{
		"user_id": a.Config.User.ID,
		"backend": a.Config.Remote.Backend,
		"queued":  a.Queue.Len(),
	})
	return nil
}

// Handler returns the HTTP API including the WebSocket endpoint.
func (a *App) Handler() http.Handler {
	origins := a.Config.HTTP.AllowedOrigins()
	return server.NewRouter(server.RouterDependencies{
		API:            server.NewAPI(a.Manager, a.Queue, a.Scheduler),
		WebSocket:      a.Hub.Handler(origins),
		AllowedOrigins: origins,
	})
}

// Drain waits until the queue is empty or ctx ends.
func (a *App) Drain(ctx context.Context) error {
	events, cancel := a.Queue.Subscribe(16)
	defer cancel()

	for a.Queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return nil
			}
		}
	}
	return nil
}

// Close stops every component. Queued operations stay persisted.
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop()
	for _, fn := range a.detach {
		fn()
	}
	a.detach = nil
	a.Manager.Close()
	a.Hub.Close()
	a.Queue.Close()
	return a.closeStores(ctx)
}

func (a *App) closeStores(ctx context.Context) error {
	var first error
	if a.Remote != nil {
		if err := a.Remote.Close(ctx); err != nil {
			first = err
		}
	}
	if a.Repo != nil {
		if err := a.Repo.Close(); err != nil && first == nil {
			first = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// broadcastingSyncer reports every reconciliation pass to WebSocket clients.
type broadcastingSyncer struct {
	manager *connection.Manager
	hub     *notify.Hub
}

func (s *broadcastingSyncer) Sync(ctx context.Context) (*models.SyncResult, error) {
	result, err := s.manager.Sync(ctx)
	if err != nil {
		s.hub.BroadcastSyncFailed(string(apperrors.CodeOf(err)), apperrors.IsTransient(err))
		return nil, err
	}
	s.hub.BroadcastSyncCompleted(result)
	return result, nil
}
