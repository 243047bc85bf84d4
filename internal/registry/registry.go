package registry

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shinji-kodama/worktree-session/internal/events"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
	"github.com/shinji-kodama/worktree-session/internal/worktree"
)

// Git is the read side of the worktree store the registry reconciles
// against. *worktree.Manager satisfies it.
type Git interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	List(ctx context.Context, repoPath string) ([]worktree.Info, error)
	IsDirty(ctx context.Context, path string) (bool, error)
}

// StatFunc reports on a filesystem path. os.Stat is the default.
type StatFunc func(name string) (fs.FileInfo, error)

// DefaultStatRetryDelay is how long the registry waits before retrying a
// stat that failed for a reason other than the path not existing.
const DefaultStatRetryDelay = 50 * time.Millisecond

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sets where worktree events are published.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.bus = p }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = logger.OrDiscard(l) }
}

// WithStat replaces os.Stat for existence checks.
func WithStat(fn StatFunc) Option {
	return func(r *Registry) { r.stat = fn }
}

// WithStatRetryDelay overrides DefaultStatRetryDelay.
func WithStatRetryDelay(d time.Duration) Option {
	return func(r *Registry) { r.statRetryDelay = d }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type entry struct {
	wt     model.Worktree
	locked bool
}

type repoEntry struct {
	repo model.Repository

	// gen is bumped by every controller mutation on the repository. A
	// reconciliation pass that observes a different gen when it comes to
	// apply its results was racing with the controller and is discarded.
	gen uint64
}

// Registry owns the set of known repositories and worktrees.
type Registry struct {
	git            Git
	bus            events.Publisher
	log            *slog.Logger
	stat           StatFunc
	statRetryDelay time.Duration
	now            func() time.Time

	mu        sync.Mutex
	repos     map[model.RepositoryID]*repoEntry
	worktrees map[model.WorktreeID]*entry

	// dropped holds worktrees removed by RemoveStaleIn whose administrative
	// entry Git may still list. They are not adopted again until Git stops
	// listing them or their directory reappears.
	dropped map[model.WorktreeID]model.RepositoryID
}

// New creates an empty registry reading from git.
func New(git Git, opts ...Option) *Registry {
	r := &Registry{
		git:            git,
		bus:            events.Discard{},
		log:            logger.OrDiscard(nil),
		stat:           os.Stat,
		statRetryDelay: DefaultStatRetryDelay,
		now:            time.Now,
		repos:          make(map[model.RepositoryID]*repoEntry),
		worktrees:      make(map[model.WorktreeID]*entry),
		dropped:        make(map[model.WorktreeID]model.RepositoryID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the repository containing path and returns its ID. A path
// inside a linked worktree registers the owning repository. Registering an
// already known repository returns the existing ID.
func (r *Registry) Register(ctx context.Context, path string) (model.RepositoryID, error) {
	root, err := r.git.RepoRoot(ctx, path)
	if err != nil {
		if model.KindOf(err) == "" {
			err = model.E(model.ErrNotAGitRepository, "register", path, err)
		}
		return "", err
	}
	norm, err := NormalizePath(root)
	if err != nil {
		return "", model.E(model.ErrNotAGitRepository, "register", path, err)
	}
	id := model.RepositoryID(norm)

	r.mu.Lock()
	if _, ok := r.repos[id]; ok {
		r.mu.Unlock()
		return id, nil
	}
	now := r.now()
	mainID := model.WorktreeID(norm)
	r.repos[id] = &repoEntry{repo: model.Repository{
		ID:           id,
		Path:         norm,
		MainWorktree: mainID,
		RegisteredAt: now,
	}}
	r.worktrees[mainID] = &entry{wt: model.Worktree{
		ID:           mainID,
		RepositoryID: id,
		Path:         norm,
		IsMain:       true,
		CreatedAt:    now,
		Status:       model.StatusClean,
		State:        model.StatePresent,
	}}
	r.mu.Unlock()

	if _, err := r.ListWorktrees(ctx, id); err != nil {
		r.forget(id)
		return "", err
	}
	r.log.Info("repository registered", "repo", norm)
	return id, nil
}

func (r *Registry) forget(id model.RepositoryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.repos, id)
	for wid, e := range r.worktrees {
		if e.wt.RepositoryID == id {
			delete(r.worktrees, wid)
		}
	}
}

// ListWorktrees reconciles the repository against Git and the filesystem
// and returns its worktrees, main worktree first.
func (r *Registry) ListWorktrees(ctx context.Context, id model.RepositoryID) ([]model.Worktree, error) {
	for attempt := 0; attempt < 2; attempt++ {
		applied, err := r.reconcile(ctx, id)
		if err != nil {
			return nil, err
		}
		if applied {
			break
		}
		r.log.Debug("reconciliation raced with a lifecycle operation", "repo", id, "attempt", attempt)
	}
	return r.Worktrees(id)
}

type observation struct {
	info   worktree.Info
	exists bool
	status model.WorktreeStatus
}

// reconcile runs one pass. It reports false when the pass was discarded
// because the controller changed the repository while Git was queried.
func (r *Registry) reconcile(ctx context.Context, id model.RepositoryID) (bool, error) {
	r.mu.Lock()
	re, ok := r.repos[id]
	if !ok {
		r.mu.Unlock()
		return false, model.E(model.ErrRepositoryNotFound, "list", string(id), nil)
	}
	gen := re.gen
	repoPath := re.repo.Path
	r.mu.Unlock()

	infos, err := r.git.List(ctx, repoPath)
	if err != nil {
		return false, err
	}

	observed := make(map[model.WorktreeID]observation, len(infos))
	for _, info := range infos {
		if info.IsBare {
			continue
		}
		wid, err := WorktreeIDFor(info.Path)
		if err != nil {
			r.log.Warn("skipping unresolvable worktree path", "path", info.Path, "error", err)
			continue
		}
		// A prunable entry is one Git itself considers gone.
		obs := observation{info: info, exists: !info.Prunable && r.exists(info.Path)}
		if obs.exists {
			obs.status = r.statusOf(ctx, info.Path, info.Locked)
			if obs.status == model.StatusMissing {
				obs.exists = false
			}
		}
		observed[wid] = obs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	re, ok = r.repos[id]
	if !ok {
		return false, model.E(model.ErrRepositoryNotFound, "list", string(id), nil)
	}
	if re.gen != gen {
		return false, nil
	}
	r.applyLocked(re, observed)
	return true, nil
}

func (r *Registry) applyLocked(re *repoEntry, observed map[model.WorktreeID]observation) {
	now := r.now()
	for wid, obs := range observed {
		e, tracked := r.worktrees[wid]
		if tracked && (e.wt.RepositoryID != re.repo.ID || e.wt.State.Busy() || e.wt.State == model.StateMissing) {
			continue
		}
		if !tracked {
			if _, gone := r.dropped[wid]; gone && !obs.exists {
				continue
			}
			delete(r.dropped, wid)
			e = &entry{wt: model.Worktree{
				ID:           wid,
				RepositoryID: re.repo.ID,
				Path:         string(wid),
				IsMain:       wid == re.repo.MainWorktree,
				CreatedAt:    now,
				Status:       model.StatusClean,
			}}
			r.worktrees[wid] = e
			r.log.Debug("adopted worktree", "path", wid, "branch", obs.info.Branch)
		}

		prevStatus, prevState := e.wt.Status, e.wt.State
		e.wt.Branch = obs.info.Branch
		e.wt.HEAD = obs.info.HEAD
		e.locked = obs.info.Locked
		if obs.exists {
			e.wt.State = model.StatePresent
			if obs.status != "" {
				e.wt.Status = obs.status
			}
		} else {
			e.wt.State = model.StateMissing
			e.wt.Status = model.StatusMissing
		}
		if !tracked || prevStatus != e.wt.Status || prevState != e.wt.State {
			r.publishLocked(model.EventWorktreeStatusChanged, e.wt)
		}
	}

	for wid, rid := range r.dropped {
		if _, ok := observed[wid]; !ok && rid == re.repo.ID {
			delete(r.dropped, wid)
		}
	}

	for wid, e := range r.worktrees {
		if e.wt.RepositoryID != re.repo.ID || e.wt.State.Busy() || e.wt.State == model.StateMissing {
			continue
		}
		if _, ok := observed[wid]; ok {
			continue
		}
		r.log.Info("worktree no longer listed by git", "path", wid)
		e.wt.State = model.StateMissing
		e.wt.Status = model.StatusMissing
		r.publishLocked(model.EventWorktreeStatusChanged, e.wt)
	}
}

// exists stats path. A not-exist result is final; any other failure is
// retried once after statRetryDelay.
func (r *Registry) exists(path string) bool {
	_, err := r.stat(path)
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	time.Sleep(r.statRetryDelay)
	if _, err = r.stat(path); err == nil {
		return true
	}
	r.log.Warn("stat failed twice, treating worktree as missing", "path", path, "error", err)
	return false
}

// statusOf returns the status of an existing worktree, StatusMissing if git
// can no longer enter it, or "" when it could not be determined.
func (r *Registry) statusOf(ctx context.Context, path string, locked bool) model.WorktreeStatus {
	if locked {
		return model.StatusLocked
	}
	dirty, err := r.git.IsDirty(ctx, path)
	switch {
	case errors.Is(err, model.ErrWorktreeMissing):
		return model.StatusMissing
	case err != nil:
		r.log.Warn("failed to read worktree status", "path", path, "error", err)
		return ""
	case dirty:
		return model.StatusDirty
	default:
		return model.StatusClean
	}
}

func (r *Registry) publishLocked(kind model.EventKind, wt model.Worktree) {
	r.bus.Publish(model.Event{
		Kind:         kind,
		RepositoryID: wt.RepositoryID,
		WorktreeID:   wt.ID,
		Status:       wt.Status,
	})
}

// RemoveStale drops every non-main worktree, across all repositories, that
// is missing or whose directory no longer exists. One EventWorktreeMissing
// is published per dropped worktree.
func (r *Registry) RemoveStale(ctx context.Context) ([]model.Worktree, error) {
	var (
		removed []model.Worktree
		errs    []error
	)
	for _, repo := range r.Repositories() {
		got, err := r.RemoveStaleIn(ctx, repo.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, got...)
	}
	return removed, errors.Join(errs...)
}

// RemoveStaleIn is RemoveStale restricted to one repository.
func (r *Registry) RemoveStaleIn(ctx context.Context, id model.RepositoryID) ([]model.Worktree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.repos[id]; !ok {
		r.mu.Unlock()
		return nil, model.E(model.ErrRepositoryNotFound, "prune", string(id), nil)
	}
	var candidates []model.Worktree
	for _, e := range r.worktrees {
		if e.wt.RepositoryID == id && !e.wt.IsMain && !e.wt.State.Busy() {
			candidates = append(candidates, e.wt)
		}
	}
	r.mu.Unlock()

	stale := make(map[model.WorktreeID]bool)
	for _, wt := range candidates {
		if wt.State == model.StateMissing || !r.exists(wt.Path) {
			stale[wt.ID] = true
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []model.Worktree
	for wid := range stale {
		e, ok := r.worktrees[wid]
		if !ok || e.wt.State.Busy() {
			continue
		}
		delete(r.worktrees, wid)
		r.dropped[wid] = id
		e.wt.State = model.StateMissing
		e.wt.Status = model.StatusMissing
		removed = append(removed, e.wt)
		r.publishLocked(model.EventWorktreeMissing, e.wt)
		r.log.Info("stale worktree removed", "path", wid)
	}
	if re, ok := r.repos[id]; ok && len(removed) > 0 {
		re.gen++
	}
	sortWorktrees(removed)
	return removed, nil
}

// Reserve tracks a new worktree in the creating state on behalf of the
// lifecycle controller. It fails with ErrPathAlreadyExists if the path is
// tracked or occupied on disk, and with ErrBranchAlreadyCheckedOut if a
// tracked worktree of the repository has branch checked out.
func (r *Registry) Reserve(repoID model.RepositoryID, branch, path string) (model.Worktree, error) {
	wid, err := WorktreeIDFor(path)
	if err != nil {
		return model.Worktree{}, model.E(model.ErrPathAlreadyExists, "create", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	re, ok := r.repos[repoID]
	if !ok {
		return model.Worktree{}, model.E(model.ErrRepositoryNotFound, "create", string(repoID), nil)
	}
	if _, tracked := r.worktrees[wid]; tracked {
		return model.Worktree{}, model.E(model.ErrPathAlreadyExists, "create", string(wid), nil)
	}
	for _, e := range r.worktrees {
		if e.wt.RepositoryID == repoID && e.wt.Branch == branch && e.wt.State != model.StateMissing {
			return model.Worktree{}, model.E(model.ErrBranchAlreadyCheckedOut, "create", branch, nil)
		}
	}
	if r.occupied(string(wid)) {
		return model.Worktree{}, model.E(model.ErrPathAlreadyExists, "create", string(wid), nil)
	}

	e := &entry{wt: model.Worktree{
		ID:           wid,
		RepositoryID: repoID,
		Branch:       branch,
		Path:         string(wid),
		CreatedAt:    r.now(),
		Status:       model.StatusClean,
		State:        model.StateCreating,
	}}
	r.worktrees[wid] = e
	delete(r.dropped, wid)
	re.gen++
	return e.wt, nil
}

// occupied reports whether something other than an empty directory exists
// at path. git worktree add accepts an empty directory.
func (r *Registry) occupied(path string) bool {
	info, err := r.stat(path)
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist)
	}
	if !info.IsDir() {
		return true
	}
	entries, err := os.ReadDir(path)
	return err != nil || len(entries) > 0
}

// MarkPresent completes a create: creating → present.
func (r *Registry) MarkPresent(id model.WorktreeID) (model.Worktree, error) {
	return r.transition(id, "create", model.StateCreating, model.StatePresent)
}

// RestorePresent undoes MarkRemoving after a failed or cancelled removal.
func (r *Registry) RestorePresent(id model.WorktreeID) (model.Worktree, error) {
	return r.transition(id, "remove", model.StateRemoving, model.StatePresent)
}

func (r *Registry) transition(id model.WorktreeID, op string, from, to model.WorktreeState) (model.Worktree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.worktrees[id]
	if !ok {
		return model.Worktree{}, model.E(model.ErrWorktreeNotFound, op, string(id), nil)
	}
	if e.wt.State != from {
		return model.Worktree{}, model.E(model.ErrOperationInProgress, op, string(id), nil)
	}
	e.wt.State = to
	r.bumpLocked(e.wt.RepositoryID)
	return e.wt, nil
}

// MarkRemoving starts a removal: present → removing. Unless force is set the
// worktree's last known status must be clean.
func (r *Registry) MarkRemoving(id model.WorktreeID, force bool) (model.Worktree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.worktrees[id]
	switch {
	case !ok:
		return model.Worktree{}, model.E(model.ErrWorktreeNotFound, "remove", string(id), nil)
	case e.wt.IsMain:
		return model.Worktree{}, model.E(model.ErrMainWorktree, "remove", string(id), nil)
	case e.wt.State == model.StateMissing:
		return model.Worktree{}, model.E(model.ErrWorktreeMissing, "remove", string(id), nil)
	case e.wt.State.Busy():
		return model.Worktree{}, model.E(model.ErrOperationInProgress, "remove", string(id), nil)
	case !force && e.wt.Status != model.StatusClean:
		return model.Worktree{}, model.E(model.ErrWorktreeDirty, "remove", string(id), nil)
	}
	e.wt.State = model.StateRemoving
	r.bumpLocked(e.wt.RepositoryID)
	return e.wt, nil
}

// Delete stops tracking a worktree (removing → absent, or a failed create).
func (r *Registry) Delete(id model.WorktreeID) (model.Worktree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.worktrees[id]
	if !ok {
		return model.Worktree{}, false
	}
	delete(r.worktrees, id)
	r.bumpLocked(e.wt.RepositoryID)
	return e.wt, true
}

func (r *Registry) bumpLocked(id model.RepositoryID) {
	if re, ok := r.repos[id]; ok {
		re.gen++
	}
}

// Refresh re-reads the on-disk status of a single present worktree. A
// vanished directory turns it missing.
func (r *Registry) Refresh(ctx context.Context, id model.WorktreeID) (model.Worktree, error) {
	r.mu.Lock()
	e, ok := r.worktrees[id]
	if !ok {
		r.mu.Unlock()
		return model.Worktree{}, model.E(model.ErrWorktreeNotFound, "refresh", string(id), nil)
	}
	wt, locked := e.wt, e.locked
	r.mu.Unlock()

	if wt.State != model.StatePresent {
		return wt, nil
	}

	exists := r.exists(wt.Path)
	var status model.WorktreeStatus
	if exists {
		status = r.statusOf(ctx, wt.Path, locked)
		if status == model.StatusMissing {
			exists = false
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.worktrees[id]
	if !ok {
		return model.Worktree{}, model.E(model.ErrWorktreeNotFound, "refresh", string(id), nil)
	}
	if e.wt.State != model.StatePresent {
		return e.wt, nil
	}
	prev := e.wt.Status
	switch {
	case !exists:
		e.wt.State = model.StateMissing
		e.wt.Status = model.StatusMissing
	case status != "":
		e.wt.Status = status
	}
	if e.wt.Status != prev {
		r.publishLocked(model.EventWorktreeStatusChanged, e.wt)
	}
	return e.wt, nil
}

// Worktree returns a copy of a tracked worktree.
func (r *Registry) Worktree(id model.WorktreeID) (model.Worktree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.worktrees[id]
	if !ok {
		return model.Worktree{}, false
	}
	return e.wt, true
}

// Worktrees returns the tracked worktrees of a repository without
// reconciling, main worktree first.
func (r *Registry) Worktrees(id model.RepositoryID) ([]model.Worktree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.repos[id]; !ok {
		return nil, model.E(model.ErrRepositoryNotFound, "list", string(id), nil)
	}
	var out []model.Worktree
	for _, e := range r.worktrees {
		if e.wt.RepositoryID == id {
			out = append(out, e.wt)
		}
	}
	sortWorktrees(out)
	return out, nil
}

// AllWorktrees returns every tracked worktree grouped by repository.
func (r *Registry) AllWorktrees() []model.Worktree {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Worktree, 0, len(r.worktrees))
	for _, e := range r.worktrees {
		out = append(out, e.wt)
	}
	sortWorktrees(out)
	return out
}

// Repository returns a registered repository.
func (r *Registry) Repository(id model.RepositoryID) (model.Repository, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	re, ok := r.repos[id]
	if !ok {
		return model.Repository{}, false
	}
	return re.repo, true
}

// Repositories returns all registered repositories sorted by path.
func (r *Registry) Repositories() []model.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Repository, 0, len(r.repos))
	for _, re := range r.repos {
		out = append(out, re.repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Lookup resolves a path (anywhere inside a tracked worktree) to the
// worktree containing it.
func (r *Registry) Lookup(path string) (model.Worktree, bool) {
	norm, err := NormalizePath(path)
	if err != nil {
		return model.Worktree{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var best *entry
	for _, e := range r.worktrees {
		if norm != e.wt.Path && !isWithin(norm, e.wt.Path) {
			continue
		}
		if best == nil || len(e.wt.Path) > len(best.wt.Path) {
			best = e
		}
	}
	if best == nil {
		return model.Worktree{}, false
	}
	return best.wt, true
}

func isWithin(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func sortWorktrees(wts []model.Worktree) {
	sort.Slice(wts, func(i, j int) bool {
		if wts[i].RepositoryID != wts[j].RepositoryID {
			return wts[i].RepositoryID < wts[j].RepositoryID
		}
		if wts[i].IsMain != wts[j].IsMain {
			return wts[i].IsMain
		}
		return wts[i].Path < wts[j].Path
	})
}
