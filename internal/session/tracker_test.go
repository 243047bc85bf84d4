package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-session/internal/events"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

type fakeProcess struct {
	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once

	mu    sync.Mutex
	code  int
	stops atomic.Int32
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{ready: make(chan struct{}), done: make(chan struct{}), code: -1}
}

func (p *fakeProcess) Ready() <-chan struct{} { return p.ready }
func (p *fakeProcess) Done() <-chan struct{}  { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *fakeProcess) exit(code int) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Stop(context.Context) error {
	p.stops.Add(1)
	p.exit(-1)
	return nil
}

// fakeSpawner hands out fakeProcesses. By default they become ready
// immediately.
type fakeSpawner struct {
	mu    sync.Mutex
	specs []Spec
	procs []*fakeProcess
	spawn func(ctx context.Context, spec Spec, p *fakeProcess) error
}

func (s *fakeSpawner) Name() string { return "fake" }

func (s *fakeSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	p := newFakeProcess()
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.procs = append(s.procs, p)
	hook := s.spawn
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, spec, p); err != nil {
			return nil, err
		}
		return p, nil
	}
	p.markReady()
	return p, nil
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

type fakeWorktrees map[model.WorktreeID]model.Worktree

func (f fakeWorktrees) Worktree(id model.WorktreeID) (model.Worktree, bool) {
	wt, ok := f[id]
	return wt, ok
}

const (
	wtA model.WorktreeID = "/repo-wt/a"
	wtB model.WorktreeID = "/repo-wt/b"
)

func newTestTracker(t *testing.T, spawner *fakeSpawner, opts ...Option) (*Tracker, *events.Subscription) {
	t.Helper()

	worktrees := fakeWorktrees{
		wtA:              {ID: wtA, Path: string(wtA), Branch: "a", State: model.StatePresent},
		wtB:              {ID: wtB, Path: string(wtB), Branch: "b", State: model.StatePresent},
		"/repo-wt/gone":  {ID: "/repo-wt/gone", State: model.StateMissing},
		"/repo-wt/going": {ID: "/repo-wt/going", State: model.StateRemoving},
		"/repo-wt/new":   {ID: "/repo-wt/new", State: model.StateCreating},
	}
	bus := events.NewBus()
	sub := bus.Subscribe()
	t.Cleanup(bus.Close)

	opts = append([]Option{WithPublisher(bus), WithStopGrace(100 * time.Millisecond)}, opts...)
	tr := NewTracker(worktrees, spawner, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tr.Close(ctx)
	})
	return tr, sub
}

// awaitState reads events until the given session reaches state.
func awaitState(t *testing.T, sub *events.Subscription, id model.SessionID, state model.SessionState) []model.Event {
	t.Helper()
	var seen []model.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.SessionID != id {
				continue
			}
			seen = append(seen, ev)
			if ev.State == state {
				return seen
			}
		case <-deadline:
			t.Fatalf("session %s did not reach %s; saw %v", id, state, kinds(seen))
		}
	}
}

func kinds(evs []model.Event) []model.EventKind {
	out := make([]model.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestAttachAndDetach(t *testing.T) {
	spawner := &fakeSpawner{}
	tr, sub := newTestTracker(t, spawner)
	ctx := context.Background()

	id, err := tr.Attach(ctx, wtA)
	require.NoError(t, err)

	evs := awaitState(t, sub, id, model.SessionRunning)
	assert.Equal(t, []model.EventKind{model.EventSessionStarting, model.EventSessionRunning}, kinds(evs))

	live, ok := tr.LiveFor(wtA)
	require.True(t, ok)
	assert.Equal(t, id, live.ID)
	assert.Equal(t, "fake", live.Backend)

	require.NoError(t, tr.Detach(ctx, id))
	evs = append(evs, awaitState(t, sub, id, model.SessionStopped)...)
	assert.Equal(t, model.EventSessionStopped, evs[len(evs)-1].Kind)
	for i := 1; i < len(evs); i++ {
		assert.Less(t, evs[i-1].Seq, evs[i].Seq)
	}

	_, ok = tr.Session(id)
	assert.False(t, ok, "detached session is forgotten")
	_, ok = tr.LiveFor(wtA)
	assert.False(t, ok)
	assert.Equal(t, int32(1), spawner.proc(0).stops.Load())
}

func TestAttachValidatesWorktree(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeSpawner{})
	ctx := context.Background()

	tests := []struct {
		id      model.WorktreeID
		wantErr error
	}{
		{"/repo-wt/unknown", model.ErrWorktreeNotFound},
		{"/repo-wt/gone", model.ErrWorktreeMissing},
		{"/repo-wt/going", model.ErrOperationInProgress},
		{"/repo-wt/new", model.ErrOperationInProgress},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			_, err := tr.Attach(ctx, tt.id)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, tr.Sessions())
}

// TestConcurrentAttachSingleLiveSession verifies that N concurrent attaches
// to one worktree leave exactly one live session.
func TestConcurrentAttachSingleLiveSession(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeSpawner{})

	const n = 32
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Attach(context.Background(), wtA)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, model.ErrSessionAlreadyActive):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(n-1), rejected.Load())

	var live int
	for _, s := range tr.Sessions() {
		if s.State.Live() {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestAttachDifferentWorktrees(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeSpawner{})

	a, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)
	b, err := tr.Attach(context.Background(), wtB)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, tr.Sessions(), 2)
}

func TestAttachTimeoutWaitingForReady(t *testing.T) {
	spawner := &fakeSpawner{
		spawn: func(context.Context, Spec, *fakeProcess) error { return nil },
	}
	tr, sub := newTestTracker(t, spawner, WithAttachTimeout(50*time.Millisecond))
	ctx := context.Background()

	id, err := tr.Attach(ctx, wtA)
	require.NoError(t, err)

	evs := awaitState(t, sub, id, model.SessionCrashed)
	assert.Equal(t, []model.EventKind{model.EventSessionStarting, model.EventSessionCrashed}, kinds(evs))

	s, err := tr.Wait(ctx, id)
	assert.ErrorIs(t, err, model.ErrSessionTimeout)
	assert.Equal(t, model.SessionCrashed, s.State)
	assert.NotEmpty(t, s.Err)
	assert.Equal(t, int32(1), spawner.proc(0).stops.Load(), "the unready process is stopped")
}

func TestAttachTimeoutDuringSpawn(t *testing.T) {
	spawner := &fakeSpawner{
		spawn: func(ctx context.Context, _ Spec, _ *fakeProcess) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	tr, _ := newTestTracker(t, spawner, WithAttachTimeout(50*time.Millisecond))

	id, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)

	s, err := tr.Wait(context.Background(), id)
	assert.ErrorIs(t, err, model.ErrSessionTimeout)
	assert.Equal(t, model.SessionCrashed, s.State)

	_, ok := tr.LiveFor(wtA)
	assert.False(t, ok, "a timed out session releases its worktree")
}

func TestProcessExitClassification(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		state model.SessionState
	}{
		{"clean exit", 0, model.SessionStopped},
		{"non-zero exit", 2, model.SessionCrashed},
		{"killed", -1, model.SessionCrashed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spawner := &fakeSpawner{}
			tr, sub := newTestTracker(t, spawner)

			id, err := tr.Attach(context.Background(), wtA)
			require.NoError(t, err)
			awaitState(t, sub, id, model.SessionRunning)

			spawner.proc(0).exit(tt.code)

			s, err := tr.Wait(context.Background(), id)
			assert.Equal(t, tt.state, s.State)
			assert.Equal(t, tt.code, s.ExitCode)
			if tt.state == model.SessionCrashed {
				assert.Error(t, err)
				assert.Contains(t, s.Err, "exited with code")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExitBeforeReady(t *testing.T) {
	spawner := &fakeSpawner{
		spawn: func(_ context.Context, _ Spec, p *fakeProcess) error {
			p.exit(127)
			return nil
		},
	}
	tr, sub := newTestTracker(t, spawner)

	id, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)

	evs := awaitState(t, sub, id, model.SessionCrashed)
	assert.Equal(t, []model.EventKind{model.EventSessionStarting, model.EventSessionCrashed}, kinds(evs))
}

func TestSpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{
		spawn: func(context.Context, Spec, *fakeProcess) error {
			return errors.New("exec: no such file")
		},
	}
	tr, _ := newTestTracker(t, spawner)

	id, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err, "attach is non-blocking; spawn errors surface as a crash")

	s, err := tr.Wait(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, model.SessionCrashed, s.State)
	assert.Contains(t, s.Err, "no such file")
}

func TestDetachBeforeReady(t *testing.T) {
	spawner := &fakeSpawner{
		spawn: func(context.Context, Spec, *fakeProcess) error { return nil },
	}
	tr, sub := newTestTracker(t, spawner)

	id, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)
	awaitState(t, sub, id, model.SessionStarting)

	require.NoError(t, tr.Detach(context.Background(), id))
	evs := awaitState(t, sub, id, model.SessionStopped)
	assert.Equal(t, model.EventSessionStopped, evs[len(evs)-1].Kind)
}

func TestDetachUnknownSession(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeSpawner{})

	err := tr.Detach(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestDetachTerminatedSessionForgetsIt(t *testing.T) {
	spawner := &fakeSpawner{}
	tr, sub := newTestTracker(t, spawner)

	id, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)
	awaitState(t, sub, id, model.SessionRunning)
	spawner.proc(0).exit(1)
	awaitState(t, sub, id, model.SessionCrashed)

	s, ok := tr.Session(id)
	require.True(t, ok, "terminated sessions stay visible until detached")
	assert.Equal(t, model.SessionCrashed, s.State)

	require.NoError(t, tr.Detach(context.Background(), id))
	_, ok = tr.Session(id)
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Detach(context.Background(), id), model.ErrSessionNotFound)
}

func TestReattachAfterCrash(t *testing.T) {
	spawner := &fakeSpawner{}
	tr, sub := newTestTracker(t, spawner)

	first, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)
	awaitState(t, sub, first, model.SessionRunning)
	spawner.proc(0).exit(3)
	awaitState(t, sub, first, model.SessionCrashed)

	second, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, ok := tr.Session(first)
	assert.False(t, ok, "re-attach replaces the terminated session")
}

func TestDetachWorktree(t *testing.T) {
	tr, sub := newTestTracker(t, &fakeSpawner{})

	id, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)
	awaitState(t, sub, id, model.SessionRunning)

	require.NoError(t, tr.DetachWorktree(context.Background(), wtA))
	_, ok := tr.LiveFor(wtA)
	assert.False(t, ok)
	assert.Empty(t, tr.Sessions())

	assert.NoError(t, tr.DetachWorktree(context.Background(), wtB), "no session is not an error")
}

func TestDetachRespectsContext(t *testing.T) {
	spawner := &fakeSpawner{}
	tr, sub := newTestTracker(t, spawner)

	id, err := tr.Attach(context.Background(), wtA)
	require.NoError(t, err)
	awaitState(t, sub, id, model.SessionRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The stop request races with the cancelled context; either outcome is
	// acceptable, but the call must not block.
	err = tr.Detach(ctx, id)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestAttachPassesOptions(t *testing.T) {
	spawner := &fakeSpawner{}
	tr, sub := newTestTracker(t, spawner)

	var out bytes.Buffer
	in := strings.NewReader("echo hi\n")
	id, err := tr.Attach(context.Background(), wtB,
		WithIO(in, &out),
		WithCommand("bash", "-l"),
		WithEnv("FOO=bar"),
		WithSize(40, 120),
	)
	require.NoError(t, err)
	awaitState(t, sub, id, model.SessionRunning)

	spawner.mu.Lock()
	spec := spawner.specs[0]
	spawner.mu.Unlock()

	assert.Equal(t, id, spec.SessionID)
	assert.Equal(t, string(wtB), spec.Dir)
	assert.Equal(t, "b", spec.Branch)
	assert.Equal(t, []string{"bash", "-l"}, spec.Command)
	assert.Equal(t, []string{"FOO=bar"}, spec.Env)
	assert.Equal(t, uint16(40), spec.Rows)
	assert.Equal(t, uint16(120), spec.Cols)
	assert.Same(t, &out, spec.Output)
}

func TestCloseStopsEverything(t *testing.T) {
	spawner := &fakeSpawner{}
	tr, sub := newTestTracker(t, spawner)
	ctx := context.Background()

	a, err := tr.Attach(ctx, wtA)
	require.NoError(t, err)
	awaitState(t, sub, a, model.SessionRunning)
	b, err := tr.Attach(ctx, wtB)
	require.NoError(t, err)
	awaitState(t, sub, b, model.SessionRunning)

	require.NoError(t, tr.Close(ctx))
	assert.Empty(t, tr.Sessions())
	assert.Equal(t, int32(1), spawner.proc(0).stops.Load())
	assert.Equal(t, int32(1), spawner.proc(1).stops.Load())

	_, err = tr.Attach(ctx, wtA)
	assert.ErrorIs(t, err, ErrClosed)
}
