package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RepositoryID identifies a registered repository. It is the absolute,
// symlink-resolved path of the repository's main worktree.
type RepositoryID string

// WorktreeID identifies a worktree. Worktree paths are unique on a host, so
// the normalized absolute path is used as the key; the repository and
// branch remain available on the Worktree value.
type WorktreeID string

// SessionID identifies a single terminal session (a UUID string).
type SessionID string

// WorktreeStatus is the on-disk condition of a worktree as observed during
// the last reconciliation.
type WorktreeStatus string

const (
	// StatusClean means the working tree has no uncommitted changes.
	StatusClean WorktreeStatus = "clean"

	// StatusDirty means the working tree has modified or untracked files.
	StatusDirty WorktreeStatus = "dirty"

	// StatusLocked means Git reports the worktree as locked
	// (`git worktree lock`). Removal requires force.
	StatusLocked WorktreeStatus = "locked"

	// StatusMissing means the worktree directory no longer exists on disk.
	StatusMissing WorktreeStatus = "missing"
)

// String returns the string representation of WorktreeStatus.
func (s WorktreeStatus) String() string {
	return string(s)
}

// IsValid checks whether the WorktreeStatus value is one of the
// predefined valid states.
func (s WorktreeStatus) IsValid() bool {
	switch s {
	case StatusClean, StatusDirty, StatusLocked, StatusMissing:
		return true
	default:
		return false
	}
}

// ParseWorktreeStatus converts a string to a WorktreeStatus.
// Returns an error if the string does not match any valid status.
func ParseWorktreeStatus(s string) (WorktreeStatus, error) {
	status := WorktreeStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid worktree status: %q (valid: clean, dirty, locked, missing)", s)
	}
	return status, nil
}

// WorktreeState is the lifecycle state of a worktree. The transitions are:
//
//	absent → creating → present → removing → absent
//	present → missing   (external deletion seen during reconciliation)
//	missing → absent    (explicit prune only)
//
// "absent" has no constant: an absent worktree is simply not tracked.
type WorktreeState string

const (
	StateCreating WorktreeState = "creating"
	StatePresent  WorktreeState = "present"
	StateRemoving WorktreeState = "removing"
	StateMissing  WorktreeState = "missing"
)

// String returns the string representation of WorktreeState.
func (s WorktreeState) String() string {
	return string(s)
}

// Busy reports whether a lifecycle operation currently owns the worktree.
func (s WorktreeState) Busy() bool {
	return s == StateCreating || s == StateRemoving
}

// SessionState is the lifecycle state of a terminal session.
//
//	starting → running → stopped | crashed
//	starting → stopped | crashed
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopped  SessionState = "stopped"
	SessionCrashed  SessionState = "crashed"
)

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	return string(s)
}

// Live reports whether the session still holds its worktree.
func (s SessionState) Live() bool {
	return s == SessionStarting || s == SessionRunning
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == SessionStopped || s == SessionCrashed
}

// CanTransition reports whether moving from s to next is allowed.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionStarting:
		return next == SessionRunning || next == SessionStopped || next == SessionCrashed
	case SessionRunning:
		return next == SessionStopped || next == SessionCrashed
	default:
		return false
	}
}

// Repository is a Git repository known to the registry.
type Repository struct {
	// ID is the resolved path of the main worktree.
	ID RepositoryID `json:"id"`

	// Path is the main worktree directory (same value as ID, kept as a
	// plain string for display).
	Path string `json:"path"`

	// MainWorktree is the ID of the main worktree. There is exactly one.
	MainWorktree WorktreeID `json:"mainWorktree"`

	// RegisteredAt is when the repository was first registered.
	RegisteredAt time.Time `json:"registeredAt"`
}

// Worktree is a working directory linked to a repository.
type Worktree struct {
	ID           WorktreeID     `json:"id"`
	RepositoryID RepositoryID   `json:"repositoryId"`
	Branch       string         `json:"branch"`
	Path         string         `json:"path"`
	HEAD         string         `json:"head,omitempty"`
	IsMain       bool           `json:"isMain"`
	CreatedAt    time.Time      `json:"createdAt"`
	Status       WorktreeStatus `json:"status"`
	State        WorktreeState  `json:"state"`
}

// Session is a terminal or container process attached to a worktree.
// The process itself belongs to the spawner; a Session only records what
// the tracker has observed about it.
type Session struct {
	ID         SessionID    `json:"id"`
	WorktreeID WorktreeID   `json:"worktreeId"`
	State      SessionState `json:"state"`
	Backend    string       `json:"backend"`
	StartedAt  time.Time    `json:"startedAt"`
	EndedAt    time.Time    `json:"endedAt,omitempty"`

	// ExitCode is the process exit code once the session has ended.
	// -1 means the process never started or was killed by a signal.
	ExitCode int `json:"exitCode"`

	// Err describes why the session crashed, if it did.
	Err string `json:"error,omitempty"`
}

// Snapshot is a read-only copy of the whole model for the UI layer.
type Snapshot struct {
	Repositories []Repository `json:"repositories"`
	Worktrees    []Worktree   `json:"worktrees"`
	Sessions     []Session    `json:"sessions"`
}

// LiveSessions returns the sessions in the snapshot that are starting or
// running.
func (s Snapshot) LiveSessions() []Session {
	var live []Session
	for _, sess := range s.Sessions {
		if sess.State.Live() {
			live = append(live, sess)
		}
	}
	return live
}

// branchRegex accepts the subset of Git ref names we allow for new
// worktrees: no spaces, no "..", no leading "-" or "/", no trailing "/"
// or ".lock".
var branchRegex = regexp.MustCompile(`^[A-Za-z0-9._][A-Za-z0-9._/\-]*$`)

// ValidateBranch checks if the given name is acceptable as a branch for a
// new worktree.
func ValidateBranch(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if !branchRegex.MatchString(name) ||
		strings.Contains(name, "..") ||
		strings.Contains(name, "//") ||
		strings.HasSuffix(name, "/") ||
		strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}

// SanitizeBranchName converts a Git branch name into a single path
// segment (used for default worktree directories and container names).
// Replaces "/" and "_" with "-" and strips other invalid characters.
func SanitizeBranchName(branch string) string {
	name := strings.ReplaceAll(branch, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")

	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '.' {
			result.WriteRune(r)
		}
	}
	name = strings.Trim(result.String(), "-.")

	if name == "" {
		name = "worktree"
	}
	return name
}

// PortAllocation represents a single port mapping between a container port
// and a host port for a container-backed session.
//
// Host ports are assigned using the formula:
//
//	shiftedPort = originalPort + (slot * 10000)
//
// If the result exceeds 65535, dynamic port discovery is used instead.
type PortAllocation struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	Protocol      string `json:"protocol"`
	Label         string `json:"label,omitempty"`
}

// Validate checks whether the PortAllocation has valid field values.
func (p *PortAllocation) Validate() error {
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return fmt.Errorf("port allocation: container port %d out of range (1-65535)", p.ContainerPort)
	}
	if p.HostPort < 1 || p.HostPort > 65535 {
		return fmt.Errorf("port allocation: host port %d out of range (1-65535)", p.HostPort)
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("port allocation: invalid protocol %q (valid: tcp, udp)", p.Protocol)
	}
	return nil
}

// String returns "containerPort → hostPort/protocol".
func (p *PortAllocation) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d → %d/%s", p.ContainerPort, p.HostPort, proto)
}

// PortSpec is a port requested by a devcontainer.json (forwardPorts or
// appPort), before host allocation.
type PortSpec struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	Protocol      string `json:"protocol"`
	Label         string `json:"label,omitempty"`
}
