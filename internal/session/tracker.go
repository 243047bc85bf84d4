package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/worktree-session/internal/events"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

const (
	// DefaultAttachTimeout bounds how long a session may stay in starting.
	DefaultAttachTimeout = 10 * time.Second

	// DefaultStopGrace is how long a stopping process gets before it is
	// killed.
	DefaultStopGrace = 5 * time.Second
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("session tracker is closed")

// Worktrees is the registry lookup the tracker validates attaches against.
type Worktrees interface {
	Worktree(id model.WorktreeID) (model.Worktree, bool)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPublisher sets where session events are published.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.bus = p }
}

// WithLogger sets the tracker logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = logger.OrDiscard(l) }
}

// WithAttachTimeout overrides DefaultAttachTimeout.
func WithAttachTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.attachTimeout = d
		}
	}
}

// WithStopGrace overrides DefaultStopGrace.
func WithStopGrace(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.stopGrace = d
		}
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// record is the tracker's view of one session. Lock order: Tracker.mu, then
// record.mu.
type record struct {
	mu            sync.Mutex
	s             model.Session
	cause         error
	proc          Process
	stopRequested bool

	stop chan struct{} // closed by requestStop
	done chan struct{} // closed on the terminal transition
}

func (r *record) requestStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRequested {
		return
	}
	r.stopRequested = true
	close(r.stop)
}

func (r *record) snapshot() model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

// Tracker maps worktrees to their terminal sessions.
type Tracker struct {
	worktrees     Worktrees
	spawner       Spawner
	bus           events.Publisher
	log           *slog.Logger
	attachTimeout time.Duration
	stopGrace     time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[model.SessionID]*record
	live     map[model.WorktreeID]*record
	closed   bool
	wg       sync.WaitGroup
}

// NewTracker creates a tracker that validates attaches against worktrees and
// launches processes with spawner.
func NewTracker(worktrees Worktrees, spawner Spawner, opts ...Option) *Tracker {
	t := &Tracker{
		worktrees:     worktrees,
		spawner:       spawner,
		bus:           events.Discard{},
		log:           logger.OrDiscard(nil),
		attachTimeout: DefaultAttachTimeout,
		stopGrace:     DefaultStopGrace,
		now:           time.Now,
		sessions:      make(map[model.SessionID]*record),
		live:          make(map[model.WorktreeID]*record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attach starts a session on a present worktree and returns immediately
// with its ID; the session is in the starting state and progresses in the
// background. Terminated sessions of the same worktree are forgotten.
func (t *Tracker) Attach(ctx context.Context, id model.WorktreeID, opts ...AttachOption) (model.SessionID, error) {
	// The worktree check and the live-slot claim happen under t.mu so that a
	// concurrent DetachWorktree (remove cascade) either sees this session or
	// runs before the worktree check.
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}
	wt, ok := t.worktrees.Worktree(id)
	if !ok {
		return "", model.E(model.ErrWorktreeNotFound, "attach", string(id), nil)
	}
	if wt.State.Busy() {
		return "", model.E(model.ErrOperationInProgress, "attach", string(id), fmt.Errorf("worktree is %s", wt.State))
	}
	if wt.State != model.StatePresent {
		return "", model.E(model.ErrWorktreeMissing, "attach", string(id), fmt.Errorf("worktree is %s", wt.State))
	}
	if _, busy := t.live[id]; busy {
		return "", model.E(model.ErrSessionAlreadyActive, "attach", string(id), nil)
	}
	for sid, rec := range t.sessions {
		if rec.s.WorktreeID == id {
			delete(t.sessions, sid)
		}
	}

	spec := Spec{
		SessionID:  model.SessionID(uuid.NewString()),
		WorktreeID: id,
		Dir:        wt.Path,
		Branch:     wt.Branch,
	}
	for _, opt := range opts {
		opt(&spec)
	}

	rec := &record{
		s: model.Session{
			ID:         spec.SessionID,
			WorktreeID: id,
			State:      model.SessionStarting,
			Backend:    t.spawner.Name(),
			StartedAt:  t.now(),
			ExitCode:   -1,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.sessions[spec.SessionID] = rec
	t.live[id] = rec

	rec.mu.Lock()
	t.publishLocked(rec)
	rec.mu.Unlock()

	t.log.Info("session starting", "session", spec.SessionID, "worktree", id, "backend", rec.s.Backend)

	t.wg.Add(1)
	go t.supervise(context.WithoutCancel(ctx), rec, spec)
	return spec.SessionID, nil
}

type spawnResult struct {
	proc Process
	err  error
}

// supervise drives one session from starting to a terminal state.
func (t *Tracker) supervise(parent context.Context, rec *record, spec Spec) {
	defer t.wg.Done()

	spawnCtx, cancelSpawn := context.WithCancel(parent)
	defer cancelSpawn()

	timeout := time.NewTimer(t.attachTimeout)
	defer timeout.Stop()

	spawned := make(chan spawnResult, 1)
	go func() {
		proc, err := t.spawner.Spawn(spawnCtx, spec)
		spawned <- spawnResult{proc: proc, err: err}
	}()

	var proc Process
	select {
	case res := <-spawned:
		if res.err != nil {
			t.finish(rec, model.SessionCrashed, -1, fmt.Errorf("spawn failed: %w", res.err))
			return
		}
		proc = res.proc
		rec.mu.Lock()
		rec.proc = proc
		rec.mu.Unlock()

	case <-timeout.C:
		cancelSpawn()
		t.reap(spawned)
		t.finish(rec, model.SessionCrashed, -1, model.E(model.ErrSessionTimeout, "attach", string(spec.WorktreeID), nil))
		return

	case <-rec.stop:
		cancelSpawn()
		t.reap(spawned)
		t.finish(rec, model.SessionStopped, -1, nil)
		return
	}

	select {
	case <-proc.Ready():
		t.transition(rec, model.SessionRunning)

	case <-proc.Done():
		// Exited before becoming ready; classified below.

	case <-timeout.C:
		t.stopProcess(proc)
		t.finish(rec, model.SessionCrashed, proc.ExitCode(), model.E(model.ErrSessionTimeout, "attach", string(spec.WorktreeID), nil))
		return

	case <-rec.stop:
		t.stopProcess(proc)
		t.finish(rec, model.SessionStopped, proc.ExitCode(), nil)
		return
	}

	select {
	case <-proc.Done():
	case <-rec.stop:
		t.stopProcess(proc)
	}

	code := proc.ExitCode()
	rec.mu.Lock()
	userStop := rec.stopRequested
	rec.mu.Unlock()

	if userStop || code == 0 {
		t.finish(rec, model.SessionStopped, code, nil)
		return
	}
	t.finish(rec, model.SessionCrashed, code, fmt.Errorf("process exited with code %d", code))
}

// stopProcess stops proc and waits for it to exit.
func (t *Tracker) stopProcess(proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), t.stopGrace)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		t.log.Warn("failed to stop session process", "error", err)
	}
	<-proc.Done()
}

// reap stops a process whose spawn completes after the session was given
// up on.
func (t *Tracker) reap(spawned <-chan spawnResult) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		res := <-spawned
		if res.err == nil && res.proc != nil {
			t.stopProcess(res.proc)
		}
	}()
}

// transition moves a session to a non-terminal state.
func (t *Tracker) transition(rec *record, next model.SessionState) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.s.State.CanTransition(next) {
		return
	}
	rec.s.State = next
	t.publishLocked(rec)
	t.log.Info("session "+string(next), "session", rec.s.ID, "worktree", rec.s.WorktreeID)
}

// finish moves a session to stopped or crashed and releases its worktree.
func (t *Tracker) finish(rec *record, next model.SessionState, exitCode int, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.s.State.CanTransition(next) {
		return
	}
	rec.s.State = next
	rec.s.EndedAt = t.now()
	rec.s.ExitCode = exitCode
	rec.cause = cause
	if cause != nil {
		rec.s.Err = cause.Error()
	}
	if t.live[rec.s.WorktreeID] == rec {
		delete(t.live, rec.s.WorktreeID)
	}
	t.publishLocked(rec)
	close(rec.done)

	if next == model.SessionCrashed {
		t.log.Warn("session crashed", "session", rec.s.ID, "worktree", rec.s.WorktreeID, "exit_code", exitCode, "error", cause)
	} else {
		t.log.Info("session stopped", "session", rec.s.ID, "worktree", rec.s.WorktreeID, "exit_code", exitCode)
	}
}

func (t *Tracker) publishLocked(rec *record) {
	t.bus.Publish(model.Event{
		Kind:       model.SessionEventKind(rec.s.State),
		WorktreeID: rec.s.WorktreeID,
		SessionID:  rec.s.ID,
		State:      rec.s.State,
		Err:        rec.s.Err,
		ErrKind:    model.KindOf(rec.cause),
	})
}

// Detach stops a live session, waits for it to terminate and forgets it.
// Detaching a session that already terminated just forgets it.
func (t *Tracker) Detach(ctx context.Context, id model.SessionID) error {
	t.mu.Lock()
	rec, ok := t.sessions[id]
	t.mu.Unlock()
	if !ok {
		return model.E(model.ErrSessionNotFound, "detach", string(id), nil)
	}

	rec.requestStop()
	select {
	case <-rec.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	if t.sessions[id] == rec {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	return nil
}

// DetachWorktree detaches the live session of a worktree, if any, and
// forgets its terminated sessions.
func (t *Tracker) DetachWorktree(ctx context.Context, id model.WorktreeID) error {
	t.mu.Lock()
	rec := t.live[id]
	for sid, r := range t.sessions {
		if r != rec && r.s.WorktreeID == id {
			delete(t.sessions, sid)
		}
	}
	t.mu.Unlock()

	if rec == nil {
		return nil
	}
	err := t.Detach(ctx, rec.s.ID)
	if errors.Is(err, model.ErrSessionNotFound) {
		return nil
	}
	return err
}

// Resizer is implemented by processes attached to a resizable terminal.
type Resizer interface {
	Resize(rows, cols uint16) error
}

// Resize forwards a terminal size change to the session's process. It is a
// no-op for backends without a terminal or before the process exists.
func (t *Tracker) Resize(id model.SessionID, rows, cols uint16) error {
	t.mu.Lock()
	rec, ok := t.sessions[id]
	t.mu.Unlock()
	if !ok {
		return model.E(model.ErrSessionNotFound, "resize", string(id), nil)
	}

	rec.mu.Lock()
	proc := rec.proc
	rec.mu.Unlock()
	if r, ok := proc.(Resizer); ok {
		return r.Resize(rows, cols)
	}
	return nil
}

// Session returns a copy of a session record.
func (t *Tracker) Session(id model.SessionID) (model.Session, bool) {
	t.mu.Lock()
	rec, ok := t.sessions[id]
	t.mu.Unlock()
	if !ok {
		return model.Session{}, false
	}
	return rec.snapshot(), true
}

// LiveFor returns the live session of a worktree.
func (t *Tracker) LiveFor(id model.WorktreeID) (model.Session, bool) {
	t.mu.Lock()
	rec, ok := t.live[id]
	t.mu.Unlock()
	if !ok {
		return model.Session{}, false
	}
	return rec.snapshot(), true
}

// Sessions returns all known sessions ordered by start time.
func (t *Tracker) Sessions() []model.Session {
	t.mu.Lock()
	recs := make([]*record, 0, len(t.sessions))
	for _, rec := range t.sessions {
		recs = append(recs, rec)
	}
	t.mu.Unlock()

	out := make([]model.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until the session terminates and returns its final record.
// The error is the crash cause (ErrSessionTimeout for an attach timeout)
// when the session crashed.
func (t *Tracker) Wait(ctx context.Context, id model.SessionID) (model.Session, error) {
	t.mu.Lock()
	rec, ok := t.sessions[id]
	t.mu.Unlock()
	if !ok {
		return model.Session{}, model.E(model.ErrSessionNotFound, "wait", string(id), nil)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return rec.snapshot(), ctx.Err()
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.s, rec.cause
}

// Close refuses further attaches, detaches every session concurrently and
// waits for all background work to finish.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	ids := make([]model.SessionID, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := t.Detach(gctx, id)
			if errors.Is(err, model.ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
