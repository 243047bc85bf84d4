package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// Label keys stored on session containers. The labels are the only record
// of a container's session; nothing else is persisted.
const (
	LabelPrefix = "worktree-session."

	LabelManagedBy    = LabelPrefix + "managed-by"
	LabelSessionID    = LabelPrefix + "session-id"
	LabelWorktreePath = LabelPrefix + "worktree-path"
	LabelBranch       = LabelPrefix + "branch"
	LabelSlot         = LabelPrefix + "slot"
	LabelCreatedAt    = LabelPrefix + "created-at"

	// LabelOriginalPortPrefix is followed by the container port; the value
	// is "hostPort" or "hostPort/udp":
	//
	//	worktree-session.original-port.3000 = 13000
	LabelOriginalPortPrefix = LabelPrefix + "original-port."
)

// ManagedByValue marks containers created by this program.
const ManagedByValue = "worktree-session"

// SessionLabels is the metadata recorded on a session container.
type SessionLabels struct {
	SessionID    model.SessionID
	WorktreePath string
	Branch       string
	Slot         int
	Ports        []model.PortAllocation
	CreatedAt    time.Time
}

// BuildLabels encodes l as container labels.
func BuildLabels(l SessionLabels) map[string]string {
	labels := map[string]string{
		LabelManagedBy:    ManagedByValue,
		LabelSessionID:    string(l.SessionID),
		LabelWorktreePath: l.WorktreePath,
		LabelBranch:       l.Branch,
		LabelSlot:         strconv.Itoa(l.Slot),
		LabelCreatedAt:    l.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, pa := range l.Ports {
		value := strconv.Itoa(pa.HostPort)
		if pa.Protocol == "udp" {
			value += "/udp"
		}
		labels[BuildPortLabel(pa.ContainerPort)] = value
	}
	return labels
}

// ParseLabels decodes the labels of a session container.
func ParseLabels(labels map[string]string) (*SessionLabels, error) {
	required := []string{LabelManagedBy, LabelSessionID, LabelWorktreePath, LabelSlot, LabelCreatedAt}
	var missing []string
	for _, key := range required {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf("label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue)
	}

	slot, err := strconv.Atoi(labels[LabelSlot])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelSlot, err)
	}
	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}
	ports, err := ParsePortLabels(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port labels: %w", err)
	}

	return &SessionLabels{
		SessionID:    model.SessionID(labels[LabelSessionID]),
		WorktreePath: labels[LabelWorktreePath],
		Branch:       labels[LabelBranch],
		Slot:         slot,
		Ports:        ports,
		CreatedAt:    createdAt,
	}, nil
}

// BuildPortLabel returns the label key for a container port.
func BuildPortLabel(containerPort int) string {
	return fmt.Sprintf("%s%d", LabelOriginalPortPrefix, containerPort)
}

// ParsePortLabels extracts port allocations, sorted by container port.
func ParsePortLabels(labels map[string]string) ([]model.PortAllocation, error) {
	allocations := make([]model.PortAllocation, 0, 4)

	for key, value := range labels {
		if !strings.HasPrefix(key, LabelOriginalPortPrefix) {
			continue
		}

		containerPort, err := strconv.Atoi(strings.TrimPrefix(key, LabelOriginalPortPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid container port in label key %q: %w", key, err)
		}

		hostStr, proto, ok := strings.Cut(value, "/")
		if !ok {
			proto = "tcp"
		}
		hostPort, err := strconv.Atoi(hostStr)
		if err != nil {
			return nil, fmt.Errorf("invalid host port in label %q=%q: %w", key, value, err)
		}

		alloc := model.PortAllocation{
			ContainerPort: containerPort,
			HostPort:      hostPort,
			Protocol:      proto,
		}
		if err := alloc.Validate(); err != nil {
			return nil, fmt.Errorf("label %q: %w", key, err)
		}
		allocations = append(allocations, alloc)
	}

	sort.Slice(allocations, func(i, j int) bool {
		return allocations[i].ContainerPort < allocations[j].ContainerPort
	})
	return allocations, nil
}

// ManagedFilter selects containers created by this program.
func ManagedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue))
}
