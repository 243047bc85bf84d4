package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

// DefaultDebounce coalesces bursts of filesystem events (rm -rf of a large
// worktree emits many) into one reconciliation per repository.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reconciles a repository as soon as one of its tracked worktree
// directories is removed or renamed. It watches the parent directory of
// every tracked worktree.
type Watcher struct {
	reg      *Registry
	fw       *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration

	mu   sync.Mutex
	dirs map[string]struct{}
}

// NewWatcher creates a watcher over reg. Call Sync to start watching the
// current worktrees and Run to process events.
func NewWatcher(reg *Registry, log *slog.Logger, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		reg:      reg,
		fw:       fw,
		log:      logger.OrDiscard(log),
		debounce: debounce,
		dirs:     make(map[string]struct{}),
	}, nil
}

// Sync updates the watch list to the parent directories of all currently
// tracked worktrees.
func (w *Watcher) Sync() {
	want := make(map[string]struct{})
	for _, wt := range w.reg.AllWorktrees() {
		want[filepath.Dir(wt.Path)] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range want {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fw.Add(dir); err != nil {
			w.log.Debug("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		w.dirs[dir] = struct{}{}
	}
	for dir := range w.dirs {
		if _, ok := want[dir]; ok {
			continue
		}
		// The watch is already gone if dir itself was deleted.
		_ = w.fw.Remove(dir)
		delete(w.dirs, dir)
	}
}

// Dirs returns the directories currently watched.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		out = append(out, dir)
	}
	return out
}

// Run processes filesystem events until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	pending := make(map[model.RepositoryID]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			wt, tracked := w.reg.Worktree(model.WorktreeID(ev.Name))
			if !tracked {
				continue
			}
			w.log.Debug("tracked worktree directory changed", "path", ev.Name, "op", ev.Op.String())
			pending[wt.RepositoryID] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			for id := range pending {
				if _, err := w.reg.ListWorktrees(ctx, id); err != nil {
					w.log.Warn("reconciliation after filesystem change failed", "repo", id, "error", err)
				}
			}
			clear(pending)
			w.Sync()
		}
	}
}

// Close stops watching. Run returns once the event channels are closed.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
