package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shinji-kodama/worktree-session/internal/events"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
	"github.com/shinji-kodama/worktree-session/internal/registry"
)

// ErrClosed is returned by mutating calls after Close.
var ErrClosed = errors.New("lifecycle controller is closed")

// Git performs the structural worktree changes.
type Git interface {
	Add(ctx context.Context, repoPath, branch, worktreePath, base string) error
	Remove(ctx context.Context, repoPath, worktreePath string, force, locked bool) error
	Prune(ctx context.Context, repoPath string) error
}

// Sessions detaches the session of a worktree before it goes away.
type Sessions interface {
	DetachWorktree(ctx context.Context, id model.WorktreeID) error
}

// BranchRecorder remembers branches used to create worktrees.
type BranchRecorder interface {
	PushRecentBranch(repo, branch string) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.bus = p }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = logger.OrDiscard(l) }
}

// WithBranchRecorder records the branch of every created worktree.
func WithBranchRecorder(r BranchRecorder) Option {
	return func(c *Controller) { c.recents = r }
}

// Controller runs worktree lifecycle operations.
type Controller struct {
	reg      *registry.Registry
	git      Git
	sessions Sessions
	recents  BranchRecorder
	bus      events.Publisher
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	locks  map[model.RepositoryID]chan struct{}
	ops    map[string]*Operation
	wg     sync.WaitGroup
}

// New creates a controller.
func New(reg *registry.Registry, git Git, sessions Sessions, opts ...Option) *Controller {
	c := &Controller{
		reg:      reg,
		git:      git,
		sessions: sessions,
		bus:      events.Discard{},
		log:      logger.OrDiscard(nil),
		locks:    make(map[model.RepositoryID]chan struct{}),
		ops:      make(map[string]*Operation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultPath returns where a branch's worktree goes when no path is given:
// a sibling directory "<repo>-wt/<branch>".
func DefaultPath(repoPath, branch string) string {
	return filepath.Join(filepath.Dir(repoPath), filepath.Base(repoPath)+"-wt", model.SanitizeBranchName(branch))
}

// Create adds a worktree for branch at path, creating the branch from base
// if it does not exist. An empty path selects DefaultPath.
func (c *Controller) Create(ctx context.Context, repoID model.RepositoryID, branch, path, base string) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := model.ValidateBranch(branch); err != nil {
		return nil, model.E(model.ErrGit, "create", branch, err)
	}
	repo, ok := c.reg.Repository(repoID)
	if !ok {
		return nil, model.E(model.ErrRepositoryNotFound, "create", string(repoID), nil)
	}
	if path == "" {
		path = DefaultPath(repo.Path, branch)
	}

	wt, err := c.reg.Reserve(repoID, branch, path)
	if err != nil {
		return nil, err
	}

	op := newOperation(KindCreate, repoID, wt.ID)
	if !c.track(op) {
		c.reg.Delete(wt.ID)
		return nil, ErrClosed
	}
	c.publish(model.EventWorktreeCreating, op, wt, nil)
	c.log.Info("creating worktree", "op", op.ID, "repo", repoID, "branch", branch, "path", wt.Path)

	go c.runCreate(op, repo, wt, base)
	return op, nil
}

func (c *Controller) runCreate(op *Operation, repo model.Repository, wt model.Worktree, base string) {
	defer c.untrack(op)
	release, _ := c.acquire(repo.ID, nil)
	defer release()

	ctx := context.Background()
	if err := c.git.Add(ctx, repo.Path, wt.Branch, wt.Path, base); err != nil {
		c.reg.Delete(wt.ID)
		c.publish(model.EventWorktreeCreateFailed, op, wt, err)
		c.log.Warn("create failed", "op", op.ID, "path", wt.Path, "error", err)
		op.finish(err)
		return
	}

	present, err := c.reg.MarkPresent(wt.ID)
	if err != nil {
		c.publish(model.EventWorktreeCreateFailed, op, wt, err)
		op.finish(err)
		return
	}
	if refreshed, err := c.reg.Refresh(ctx, wt.ID); err == nil {
		present = refreshed
	}
	if c.recents != nil {
		if err := c.recents.PushRecentBranch(string(repo.ID), wt.Branch); err != nil {
			c.log.Warn("failed to record recent branch", "branch", wt.Branch, "error", err)
		}
	}

	c.publish(model.EventWorktreeCreated, op, present, nil)
	c.log.Info("worktree created", "op", op.ID, "path", wt.Path)
	op.finish(nil)
}

// Remove deletes a worktree. Unless force is set the worktree must be
// clean; its status is refreshed first. The live session of the worktree,
// if any, is detached before Git touches the directory.
func (c *Controller) Remove(ctx context.Context, id model.WorktreeID, force bool) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wt, ok := c.reg.Worktree(id)
	if !ok {
		return nil, model.E(model.ErrWorktreeNotFound, "remove", string(id), nil)
	}
	if !force && wt.State == model.StatePresent && !wt.IsMain {
		if _, err := c.reg.Refresh(ctx, id); err != nil {
			return nil, err
		}
	}

	wt, err := c.reg.MarkRemoving(id, force)
	if err != nil {
		return nil, err
	}

	op := newOperation(KindRemove, wt.RepositoryID, wt.ID)
	if !c.track(op) {
		_, _ = c.reg.RestorePresent(wt.ID)
		return nil, ErrClosed
	}
	c.publish(model.EventWorktreeRemoving, op, wt, nil)
	c.log.Info("removing worktree", "op", op.ID, "path", wt.Path, "force", force)

	go c.runRemove(op, wt, force)
	return op, nil
}

func (c *Controller) runRemove(op *Operation, wt model.Worktree, force bool) {
	defer c.untrack(op)
	release, ok := c.acquire(wt.RepositoryID, op.cancelCh)
	if !ok {
		c.cancelRemove(op, wt)
		return
	}
	defer release()

	ctx := context.Background()
	if err := c.sessions.DetachWorktree(ctx, wt.ID); err != nil {
		c.failRemove(op, wt, fmt.Errorf("failed to detach session: %w", err))
		return
	}
	if !op.beginDeletion() {
		c.cancelRemove(op, wt)
		return
	}

	repo, ok := c.reg.Repository(wt.RepositoryID)
	if !ok {
		c.failRemove(op, wt, model.E(model.ErrRepositoryNotFound, "remove", string(wt.RepositoryID), nil))
		return
	}
	locked := wt.Status == model.StatusLocked
	if err := c.git.Remove(ctx, repo.Path, wt.Path, force, locked); err != nil {
		c.failRemove(op, wt, err)
		return
	}

	c.reg.Delete(wt.ID)
	c.publish(model.EventWorktreeRemoved, op, wt, nil)
	c.log.Info("worktree removed", "op", op.ID, "path", wt.Path)
	op.finish(nil)
}

func (c *Controller) failRemove(op *Operation, wt model.Worktree, err error) {
	if restored, rerr := c.reg.RestorePresent(wt.ID); rerr == nil {
		wt = restored
	}
	if refreshed, rerr := c.reg.Refresh(context.Background(), wt.ID); rerr == nil {
		wt = refreshed
	}
	c.publish(model.EventWorktreeRemoveFailed, op, wt, err)
	c.log.Warn("remove failed", "op", op.ID, "path", wt.Path, "error", err)
	op.finish(err)
}

func (c *Controller) cancelRemove(op *Operation, wt model.Worktree) {
	if restored, err := c.reg.RestorePresent(wt.ID); err == nil {
		wt = restored
	}
	c.publish(model.EventWorktreeRemoveCancelled, op, wt, nil)
	c.log.Info("remove cancelled", "op", op.ID, "path", wt.Path)
	op.finish(ErrCancelled)
}

// Prune runs git worktree prune, then drops every worktree of the
// repository whose directory is gone, detaching their sessions.
func (c *Controller) Prune(ctx context.Context, repoID model.RepositoryID) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo, ok := c.reg.Repository(repoID)
	if !ok {
		return nil, model.E(model.ErrRepositoryNotFound, "prune", string(repoID), nil)
	}

	op := newOperation(KindPrune, repoID, "")
	if !c.track(op) {
		return nil, ErrClosed
	}
	go c.runPrune(op, repo)
	return op, nil
}

func (c *Controller) runPrune(op *Operation, repo model.Repository) {
	defer c.untrack(op)
	release, _ := c.acquire(repo.ID, nil)
	defer release()

	ctx := context.Background()
	if err := c.git.Prune(ctx, repo.Path); err != nil {
		op.finish(err)
		return
	}

	removed, err := c.reg.RemoveStaleIn(ctx, repo.ID)
	errs := []error{err}
	for _, wt := range removed {
		if derr := c.sessions.DetachWorktree(ctx, wt.ID); derr != nil {
			errs = append(errs, fmt.Errorf("failed to detach session of %s: %w", wt.Path, derr))
		}
	}
	c.log.Info("pruned worktrees", "op", op.ID, "repo", repo.ID, "removed", len(removed))

	op.mu.Lock()
	op.pruned = removed
	op.mu.Unlock()
	op.finish(errors.Join(errs...))
}

// Cancel cancels an in-flight remove by operation ID. It fails with
// ErrNotCancellable for unknown, finished, non-remove or already deleting
// operations.
func (c *Controller) Cancel(opID string) error {
	c.mu.Lock()
	op, ok := c.ops[opID]
	c.mu.Unlock()
	if !ok || !op.Cancel() {
		return model.E(model.ErrNotCancellable, "cancel", opID, nil)
	}
	return nil
}

// Operations returns the in-flight operations, oldest ID first.
func (c *Controller) Operations() []*Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close rejects new operations and waits for in-flight ones, or for ctx.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) track(op *Operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ops[op.ID] = op
	c.wg.Add(1)
	return true
}

func (c *Controller) untrack(op *Operation) {
	c.mu.Lock()
	delete(c.ops, op.ID)
	c.mu.Unlock()
	c.wg.Done()
}

// acquire takes the repository lock. A close of cancel while waiting
// aborts the wait and returns false.
func (c *Controller) acquire(id model.RepositoryID, cancel <-chan struct{}) (func(), bool) {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[id] = l
	}
	c.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, true
	case <-cancel:
		return func() {}, false
	}
}

func (c *Controller) publish(kind model.EventKind, op *Operation, wt model.Worktree, err error) {
	ev := model.Event{
		Kind:         kind,
		RepositoryID: wt.RepositoryID,
		WorktreeID:   wt.ID,
		OperationID:  op.ID,
		Status:       wt.Status,
	}
	if err != nil {
		ev.Err = err.Error()
		ev.ErrKind = model.KindOf(err)
	}
	c.bus.Publish(ev)
}
