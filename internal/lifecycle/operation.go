package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// ErrCancelled is the result of a remove operation cancelled before the
// worktree was touched.
var ErrCancelled = errors.New("operation cancelled")

// Kind is the type of a lifecycle operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindRemove Kind = "remove"
	KindPrune  Kind = "prune"
)

// Operation is a handle to a lifecycle operation running in the
// background.
type Operation struct {
	ID           string
	Kind         Kind
	RepositoryID model.RepositoryID
	WorktreeID   model.WorktreeID

	done     chan struct{}
	cancelCh chan struct{}

	mu        sync.Mutex
	cancelled bool
	deleting  bool
	finished  bool
	err       error
	pruned    []model.Worktree
}

func newOperation(kind Kind, repo model.RepositoryID, wt model.WorktreeID) *Operation {
	return &Operation{
		ID:           uuid.NewString(),
		Kind:         kind,
		RepositoryID: repo,
		WorktreeID:   wt,
		done:         make(chan struct{}),
		cancelCh:     make(chan struct{}),
	}
}

// Done is closed when the operation has finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Err returns the result once Done is closed, and nil before.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Wait blocks until the operation finishes or ctx is done.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation of a remove whose deletion has not started.
// It reports whether the request was accepted; creates and prunes cannot
// be cancelled.
func (o *Operation) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Kind != KindRemove || o.deleting || o.finished {
		return false
	}
	if !o.cancelled {
		o.cancelled = true
		close(o.cancelCh)
	}
	return true
}

// Pruned lists the worktrees dropped by a finished prune.
func (o *Operation) Pruned() []model.Worktree {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.Worktree(nil), o.pruned...)
}

// beginDeletion marks the point after which a remove can no longer be
// cancelled. It returns false if the remove was already cancelled.
func (o *Operation) beginDeletion() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return false
	}
	o.deleting = true
	return true
}

func (o *Operation) finish(err error) {
	o.mu.Lock()
	o.err = err
	o.finished = true
	o.mu.Unlock()
	close(o.done)
}
