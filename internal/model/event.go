package model

import "time"

// EventKind names a single observable transition.
type EventKind string

const (
	EventWorktreeCreating        EventKind = "worktree.creating"
	EventWorktreeCreated         EventKind = "worktree.created"
	EventWorktreeCreateFailed    EventKind = "worktree.create-failed"
	EventWorktreeRemoving        EventKind = "worktree.removing"
	EventWorktreeRemoved         EventKind = "worktree.removed"
	EventWorktreeRemoveFailed    EventKind = "worktree.remove-failed"
	EventWorktreeRemoveCancelled EventKind = "worktree.remove-cancelled"
	EventWorktreeStatusChanged   EventKind = "worktree.status-changed"
	EventWorktreeMissing         EventKind = "worktree.missing"

	EventSessionStarting EventKind = "session.starting"
	EventSessionRunning  EventKind = "session.running"
	EventSessionStopped  EventKind = "session.stopped"
	EventSessionCrashed  EventKind = "session.crashed"
)

// SessionEventKind maps a session state to the event announcing it.
func SessionEventKind(s SessionState) EventKind {
	switch s {
	case SessionStarting:
		return EventSessionStarting
	case SessionRunning:
		return EventSessionRunning
	case SessionStopped:
		return EventSessionStopped
	default:
		return EventSessionCrashed
	}
}

// Event is one notification delivered to subscribers. Seq is assigned by
// the bus and strictly increases across all events, so per-entity order
// can be checked by comparing sequence numbers.
type Event struct {
	Seq          uint64         `json:"seq"`
	Kind         EventKind      `json:"kind"`
	Time         time.Time      `json:"time"`
	RepositoryID RepositoryID   `json:"repositoryId,omitempty"`
	WorktreeID   WorktreeID     `json:"worktreeId,omitempty"`
	SessionID    SessionID      `json:"sessionId,omitempty"`
	OperationID  string         `json:"operationId,omitempty"`
	Status       WorktreeStatus `json:"status,omitempty"`
	State        SessionState   `json:"state,omitempty"`
	Err          string         `json:"error,omitempty"`
	ErrKind      ErrorKind      `json:"errorKind,omitempty"`
}
