// Package app owns the process-wide state of worktree-session: the event
// bus, the registry, the session tracker and the lifecycle controller.
//
// New initialises everything explicitly and Close tears it down in reverse
// order, detaching every live session before the process exits.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shinji-kodama/worktree-session/internal/config"
	"github.com/shinji-kodama/worktree-session/internal/docker"
	"github.com/shinji-kodama/worktree-session/internal/events"
	"github.com/shinji-kodama/worktree-session/internal/lifecycle"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/metrics"
	"github.com/shinji-kodama/worktree-session/internal/model"
	"github.com/shinji-kodama/worktree-session/internal/registry"
	"github.com/shinji-kodama/worktree-session/internal/session"
	"github.com/shinji-kodama/worktree-session/internal/terminal"
	"github.com/shinji-kodama/worktree-session/internal/worktree"
)

// DefaultShutdownTimeout bounds Close when the caller has no deadline.
const DefaultShutdownTimeout = 30 * time.Second

// ErrDockerNotRunning is returned by New for the docker backend when the
// daemon cannot be reached.
var ErrDockerNotRunning = docker.ErrUnavailable

// Option configures an App.
type Option func(*options)

type options struct {
	spawner session.Spawner
	stat    registry.StatFunc
}

// WithSpawner replaces the spawner selected by the configured backend.
func WithSpawner(s session.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithStat replaces os.Stat in the registry.
func WithStat(fn registry.StatFunc) Option {
	return func(o *options) { o.stat = fn }
}

// App is the running application.
type App struct {
	Store     *config.Store
	Bus       *events.Bus
	Git       *worktree.Manager
	Registry  *registry.Registry
	Sessions  *session.Tracker
	Lifecycle *lifecycle.Controller

	watcher *registry.Watcher
	docker  *docker.Client
	metrics *metrics.Collector
	log     *slog.Logger

	cancel context.CancelFunc
	bg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New wires the components for the settings in store.
func New(ctx context.Context, store *config.Store, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg := store.Config()

	a := &App{
		Store: store,
		Bus:   events.NewBus(),
		Git:   worktree.NewManager(),
		log:   logger.WithComponent("app"),
	}
	a.metrics = metrics.NewCollector(metrics.WithLogger(logger.WithComponent("metrics")))
	pub := a.metrics.Publisher(a.Bus)

	regOpts := []registry.Option{
		registry.WithPublisher(pub),
		registry.WithLogger(logger.WithComponent("registry")),
	}
	if o.stat != nil {
		regOpts = append(regOpts, registry.WithStat(o.stat))
	}
	a.Registry = registry.New(a.Git, regOpts...)

	spawner := o.spawner
	if spawner == nil {
		var err error
		if spawner, err = a.newSpawner(ctx, cfg); err != nil {
			a.Bus.Close()
			return nil, err
		}
	}

	a.Sessions = session.NewTracker(a.Registry, spawner,
		session.WithPublisher(pub),
		session.WithLogger(logger.WithComponent("session")),
		session.WithAttachTimeout(cfg.AttachTimeout),
	)
	a.Lifecycle = lifecycle.New(a.Registry, a.Git, a.Sessions,
		lifecycle.WithPublisher(pub),
		lifecycle.WithLogger(logger.WithComponent("lifecycle")),
		lifecycle.WithBranchRecorder(store),
	)

	w, err := registry.NewWatcher(a.Registry, logger.WithComponent("watcher"), 0)
	if err != nil {
		// Reconciliation still happens on every ListWorktrees.
		a.log.Warn("filesystem watcher unavailable", "error", err)
	} else {
		a.watcher = w
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.startBackground(bgCtx)

	a.log.Info("started", "backend", spawner.Name())
	return a, nil
}

func (a *App) newSpawner(ctx context.Context, cfg config.Config) (session.Spawner, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		cli, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		if err := cli.Ping(ctx); err != nil {
			_ = cli.Close()
			return nil, err
		}
		a.docker = cli

		s := docker.NewSpawner(cli.Engine(),
			docker.WithImage(cfg.Docker.Image),
			docker.WithWorkspaceRoot(cfg.Docker.WorkspaceRoot),
			docker.WithLogger(logger.WithComponent("docker")),
		)
		// Containers left behind by a previous process that did not shut
		// down cleanly.
		if n, err := s.RemoveOrphans(ctx); err != nil {
			a.log.Warn("orphan container cleanup incomplete", "removed", n, "error", err)
		} else if n > 0 {
			a.log.Info("removed orphan containers", "count", n)
		}
		return s, nil
	default:
		return terminal.NewSpawner(terminal.WithLogger(logger.WithComponent("terminal"))), nil
	}
}

// startBackground runs the filesystem watcher and keeps its watch list in
// step with the worktrees the registry tracks.
func (a *App) startBackground(ctx context.Context) {
	if a.watcher == nil {
		return
	}
	sub := a.Bus.Subscribe()

	a.bg.Add(2)
	go func() {
		defer a.bg.Done()
		if err := a.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("watcher stopped", "error", err)
		}
	}()
	go func() {
		defer a.bg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case model.EventWorktreeCreated, model.EventWorktreeRemoved, model.EventWorktreeMissing:
					a.watcher.Sync()
				}
			}
		}
	}()
}

// Register adds the repository containing path, reconciles its worktrees
// and records it as the most recent repository.
func (a *App) Register(ctx context.Context, path string) (model.RepositoryID, error) {
	id, err := a.Registry.Register(ctx, path)
	if err != nil {
		return "", err
	}
	if _, err := a.Registry.ListWorktrees(ctx, id); err != nil {
		return "", err
	}
	if a.watcher != nil {
		a.watcher.Sync()
	}
	if err := a.Store.PushRecentRepo(string(id)); err != nil {
		a.log.Warn("failed to record recent repository", "repo", id, "error", err)
	}
	return id, nil
}

// Snapshot returns a read-only copy of every repository, worktree and
// session.
func (a *App) Snapshot() model.Snapshot {
	return model.Snapshot{
		Repositories: a.Registry.Repositories(),
		Worktrees:    a.Registry.AllWorktrees(),
		Sessions:     a.Sessions.Sessions(),
	}
}

// Metrics returns operation and session statistics collected since New.
func (a *App) Metrics() metrics.Summary {
	return a.metrics.Summary()
}

// Events subscribes to everything published after the call. The caller
// closes the subscription.
func (a *App) Events() *events.Subscription {
	return a.Bus.Subscribe()
}

// Close stops accepting operations, waits for in-flight ones, detaches
// every live session and releases the remaining resources. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.Lifecycle.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: %w", err))
		}
		if err := a.Sessions.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}

		a.cancel()
		if a.watcher != nil {
			_ = a.watcher.Close()
		}
		a.bg.Wait()
		a.Bus.Close()

		if a.docker != nil {
			if err := a.docker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("docker: %w", err))
			}
		}
		a.closeErr = errors.Join(errs...)
		a.metrics.LogSummary()
		a.log.Info("stopped", "error", a.closeErr)
	})
	return a.closeErr
}
