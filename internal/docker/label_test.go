package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

func sampleLabels() SessionLabels {
	return SessionLabels{
		SessionID:    "7f3c2a9e-1111-2222-3333-444455556666",
		WorktreePath: "/home/user/repo-wt/feature-auth",
		Branch:       "feature/auth",
		Slot:         1,
		Ports: []model.PortAllocation{
			{ContainerPort: 3000, HostPort: 13000, Protocol: "tcp"},
			{ContainerPort: 5353, HostPort: 15353, Protocol: "udp"},
		},
		CreatedAt: time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildLabels(t *testing.T) {
	labels := BuildLabels(sampleLabels())

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "7f3c2a9e-1111-2222-3333-444455556666", labels[LabelSessionID])
	assert.Equal(t, "/home/user/repo-wt/feature-auth", labels[LabelWorktreePath])
	assert.Equal(t, "feature/auth", labels[LabelBranch])
	assert.Equal(t, "1", labels[LabelSlot])
	assert.Equal(t, "2026-02-28T10:00:00Z", labels[LabelCreatedAt])
	assert.Equal(t, "13000", labels["worktree-session.original-port.3000"])
	assert.Equal(t, "15353/udp", labels["worktree-session.original-port.5353"])
}

func TestParseLabels_RoundTrip(t *testing.T) {
	want := sampleLabels()

	got, err := ParseLabels(BuildLabels(want))
	require.NoError(t, err)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.WorktreePath, got.WorktreePath)
	assert.Equal(t, want.Branch, got.Branch)
	assert.Equal(t, want.Slot, got.Slot)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.Ports, got.Ports)
}

func TestParseLabels_MissingRequired(t *testing.T) {
	_, err := ParseLabels(map[string]string{LabelManagedBy: ManagedByValue})
	require.Error(t, err)
	assert.Contains(t, err.Error(), LabelSessionID)
	assert.Contains(t, err.Error(), LabelSlot)
}

func TestParseLabels_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"managed-by", LabelManagedBy, "someone-else"},
		{"slot", LabelSlot, "one"},
		{"created-at", LabelCreatedAt, "yesterday"},
		{"port", BuildPortLabel(3000), "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := BuildLabels(sampleLabels())
			labels[tt.key] = tt.val
			_, err := ParseLabels(labels)
			assert.Error(t, err)
		})
	}
}

func TestParsePortLabels_InvalidKey(t *testing.T) {
	_, err := ParsePortLabels(map[string]string{LabelOriginalPortPrefix + "http": "13000"})
	assert.Error(t, err)
}

func TestParsePortLabels_OutOfRange(t *testing.T) {
	_, err := ParsePortLabels(map[string]string{LabelOriginalPortPrefix + "3000": "70000"})
	assert.Error(t, err)

	_, err = ParsePortLabels(map[string]string{LabelOriginalPortPrefix + "3000": "13000/sctp"})
	assert.Error(t, err)
}

func TestParsePortLabels_Empty(t *testing.T) {
	ports, err := ParsePortLabels(map[string]string{"other": "x"})
	require.NoError(t, err)
	assert.NotNil(t, ports)
	assert.Empty(t, ports)
}

func TestManagedFilter(t *testing.T) {
	f := ManagedFilter()
	assert.Equal(t, []string{LabelManagedBy + "=" + ManagedByValue}, f.Get("label"))
}
