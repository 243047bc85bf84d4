package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/shinji-kodama/worktree-session/internal/devcontainer"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
	"github.com/shinji-kodama/worktree-session/internal/port"
	"github.com/shinji-kodama/worktree-session/internal/session"
)

// DefaultWorkspaceRoot is where worktrees are mounted when devcontainer.json
// does not name a workspaceFolder.
const DefaultWorkspaceRoot = "/workspaces"

const (
	defaultPollInterval = 100 * time.Millisecond
	removeTimeout       = 30 * time.Second
	outputDrain         = 200 * time.Millisecond
)

// Engine is the part of the Docker Engine API used for sessions.
// *client.Client implements it.
type Engine interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerResize(ctx context.Context, containerID string, options container.ResizeOptions) error
}

// Spawner runs each session in its own container.
type Spawner struct {
	engine        Engine
	ports         *port.Allocator
	image         string
	workspaceRoot string
	poll          time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithImage sets the image used when a worktree's devcontainer.json does
// not name one.
func WithImage(image string) Option {
	return func(s *Spawner) { s.image = image }
}

// WithWorkspaceRoot sets the parent directory of default mount points.
func WithWorkspaceRoot(root string) Option {
	return func(s *Spawner) {
		if root != "" {
			s.workspaceRoot = root
		}
	}
}

// WithAllocator replaces the host port allocator.
func WithAllocator(a *port.Allocator) Option {
	return func(s *Spawner) { s.ports = a }
}

// WithPollInterval sets how often a starting container is inspected.
func WithPollInterval(d time.Duration) Option {
	return func(s *Spawner) { s.poll = d }
}

// WithLogger sets the spawner logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Spawner) { s.log = logger.OrDiscard(l) }
}

// NewSpawner creates a container spawner on engine.
func NewSpawner(engine Engine, opts ...Option) *Spawner {
	s := &Spawner{
		engine:        engine,
		workspaceRoot: DefaultWorkspaceRoot,
		poll:          defaultPollInterval,
		log:           logger.OrDiscard(nil),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ports == nil {
		s.ports = port.NewAllocator(port.NewScanner())
	}
	return s
}

// Name implements session.Spawner.
func (s *Spawner) Name() string { return "docker" }

// Ports returns the spawner's host port allocator.
func (s *Spawner) Ports() *port.Allocator { return s.ports }

// plan is what a worktree's devcontainer.json contributes to its container.
type plan struct {
	image     string
	workspace string
	user      string
	env       []string
	ports     []model.PortSpec
}

func (s *Spawner) plan(dir string) (plan, error) {
	p := plan{
		image:     s.image,
		workspace: path.Join(s.workspaceRoot, filepath.Base(dir)),
	}

	raw, err := devcontainer.Load(dir)
	switch {
	case errors.Is(err, devcontainer.ErrNotFound):
	case err != nil:
		return p, err
	default:
		switch {
		case raw.Image != "":
			p.image = raw.Image
		case raw.UsesCompose():
			s.log.Debug("devcontainer.json uses compose, using default image",
				"dir", dir, "files", devcontainer.GetComposeFiles(raw))
		default:
			s.log.Debug("devcontainer.json has no image, using default",
				"dir", dir, "build", raw.Build != nil)
		}
		if raw.WorkspaceFolder != "" {
			p.workspace = raw.WorkspaceFolder
		}
		p.user = raw.RemoteUser
		p.env = raw.Env()
		p.ports = devcontainer.ExtractPorts(raw)
	}

	if p.image == "" {
		return p, fmt.Errorf("no container image for %s: set docker.image or add an image to devcontainer.json", dir)
	}
	return p, nil
}

// Spawn implements session.Spawner.
func (s *Spawner) Spawn(ctx context.Context, spec session.Spec) (session.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pl, err := s.plan(spec.Dir)
	if err != nil {
		return nil, err
	}

	owner := string(spec.SessionID)
	slot, allocs, err := s.ports.Reserve(owner, pl.ports)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate host ports: %w", err)
	}
	started := false
	defer func() {
		if !started {
			s.ports.Release(owner)
		}
	}()

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, a := range allocs {
		p, err := nat.NewPort(a.Protocol, strconv.Itoa(a.ContainerPort))
		if err != nil {
			return nil, fmt.Errorf("invalid port %s: %w", a.String(), err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: strconv.Itoa(a.HostPort)}}
	}

	env := append([]string{}, pl.env...)
	env = append(env,
		"WORKTREE_SESSION_ID="+string(spec.SessionID),
		"WORKTREE_BRANCH="+spec.Branch,
		"WORKTREE_PATH="+pl.workspace,
	)
	env = append(env, spec.Env...)

	cfg := &container.Config{
		Image:        pl.image,
		Cmd:          spec.Command,
		Env:          env,
		User:         pl.user,
		WorkingDir:   pl.workspace,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
		Labels: BuildLabels(SessionLabels{
			SessionID:    spec.SessionID,
			WorktreePath: spec.Dir,
			Branch:       spec.Branch,
			Slot:         slot,
			Ports:        allocs,
			CreatedAt:    s.now(),
		}),
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Dir,
			Target: pl.workspace,
		}},
		PortBindings: bindings,
	}
	if spec.Rows > 0 && spec.Cols > 0 {
		hostCfg.ConsoleSize = [2]uint{uint(spec.Rows), uint(spec.Cols)}
	}

	name := containerName(spec)
	resp, err := s.engine.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s from %s: %w", name, pl.image, err)
	}
	log := s.log.With("container", name, "session", spec.SessionID)
	for _, w := range resp.Warnings {
		log.Warn("docker warning", "warning", w)
	}

	hijack, err := s.engine.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		s.remove(resp.ID)
		return nil, fmt.Errorf("failed to attach to container %s: %w", name, err)
	}

	// The wait must be registered before start or a fast exit is missed.
	waitCtx, cancelWait := context.WithCancel(context.Background())
	waitCh, errCh := s.engine.ContainerWait(waitCtx, resp.ID, container.WaitConditionNextExit)

	if err := s.engine.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cancelWait()
		hijack.Close()
		s.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}
	started = true
	published := make([]string, 0, len(allocs))
	for _, al := range allocs {
		published = append(published, al.String())
	}
	log.Debug("container started", "id", resp.ID, "image", pl.image, "ports", published)

	p := &Process{
		engine: s.engine,
		id:     resp.ID,
		name:   name,
		hijack: hijack,
		poll:   s.poll,
		log:    log,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		code:   -1,
	}
	p.run(spec.Input, spec.Output, func() {
		cancelWait()
		s.remove(resp.ID)
		s.ports.Release(owner)
	}, waitCh, errCh)
	return p, nil
}

func (s *Spawner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := s.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		s.log.Warn("failed to remove container", "id", id, "error", err)
	}
}

// RemoveOrphans force-removes session containers left behind by an earlier
// run. Containers that cannot be removed keep their host ports reserved.
func (s *Spawner) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := s.engine.ContainerList(ctx, container.ListOptions{All: true, Filters: ManagedFilter()})
	if err != nil {
		return 0, fmt.Errorf("failed to list session containers: %w", err)
	}

	removed := 0
	var errs []error
	for _, c := range list {
		labels, perr := ParseLabels(c.Labels)
		err := s.engine.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to remove container %s: %w", c.ID, err))
			if perr == nil {
				s.ports.Adopt(c.ID, labels.Slot, labels.Ports)
			}
			continue
		}
		removed++
		if perr != nil {
			s.log.Info("removed orphaned container", "id", c.ID, "labels_error", perr)
			continue
		}
		s.log.Info("removed orphaned container", "id", c.ID,
			"session", labels.SessionID, "worktree", labels.WorktreePath, "created", labels.CreatedAt)
	}
	return removed, errors.Join(errs...)
}

func containerName(spec session.Spec) string {
	id := string(spec.SessionID)
	if len(id) > 8 {
		id = id[:8]
	}
	return "wts-" + model.SanitizeBranchName(spec.Branch) + "-" + id
}

// Process is a session container.
type Process struct {
	engine Engine
	id     string
	name   string
	hijack types.HijackedResponse
	poll   time.Duration
	log    *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	code int
}

func (p *Process) run(in io.Reader, out io.Writer, cleanup func(),
	waitCh <-chan container.WaitResponse, errCh <-chan error) {
	if out == nil {
		out = io.Discard
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		// With a TTY the stream is raw, not multiplexed.
		if _, err := io.Copy(out, p.hijack.Reader); err != nil {
			p.log.Debug("container output closed", "error", err)
		}
	}()

	if in != nil {
		go func() {
			_, _ = io.Copy(p.hijack.Conn, in)
			_ = p.hijack.CloseWrite()
		}()
	}

	go p.watchReady()

	go func() {
		code := -1
		select {
		case resp := <-waitCh:
			code = int(resp.StatusCode)
			if resp.Error != nil {
				p.log.Warn("container wait reported an error", "error", resp.Error.Message)
			}
		case err := <-errCh:
			p.log.Warn("container wait failed", "error", err)
		}

		select {
		case <-outputDone:
		case <-time.After(outputDrain):
		}
		p.hijack.Close()
		cleanup()

		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	}()
}

// watchReady polls the container until the engine reports it running.
func (p *Process) watchReady() {
	t := time.NewTicker(p.poll)
	defer t.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		resp, err := p.engine.ContainerInspect(ctx, p.id)
		cancel()
		switch {
		case err != nil:
			p.log.Debug("inspect failed", "error", err)
		case resp.ContainerJSONBase != nil && resp.State != nil && resp.State.Running:
			p.readyOnce.Do(func() { close(p.ready) })
			return
		}

		select {
		case <-p.done:
			return
		case <-t.C:
		}
	}
}

// ID returns the container ID.
func (p *Process) ID() string { return p.id }

// Ready implements session.Process.
func (p *Process) Ready() <-chan struct{} { return p.ready }

// Done implements session.Process.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode implements session.Process.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// Stop stops the container, giving it until ctx's deadline to exit, and
// force-removes it if the stop fails.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	opts := container.StopOptions{}
	if dl, ok := ctx.Deadline(); ok {
		secs := int(time.Until(dl).Seconds())
		if secs < 0 {
			secs = 0
		}
		opts.Timeout = &secs
	}

	if err := p.engine.ContainerStop(ctx, p.id, opts); err != nil && !cerrdefs.IsNotFound(err) {
		p.log.Debug("container stop failed, removing", "error", err)
		rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := p.engine.ContainerRemove(rmCtx, p.id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove container %s: %w", p.name, err)
		}
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(removeTimeout):
		return fmt.Errorf("container %s did not exit", p.name)
	}
}

// Resize changes the container TTY size.
func (p *Process) Resize(rows, cols uint16) error {
	return p.engine.ContainerResize(context.Background(), p.id, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}
