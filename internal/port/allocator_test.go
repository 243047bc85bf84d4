package port

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// fakeChecker reports every port free except the ones listed in busy.
type fakeChecker struct {
	busy map[string]bool
}

func (f *fakeChecker) IsPortAvailable(port int, protocol string) bool {
	return !f.busy[fmt.Sprintf("%d/%s", port, protocol)]
}

func newTestAllocator(busy ...string) *Allocator {
	c := &fakeChecker{busy: make(map[string]bool)}
	for _, b := range busy {
		c.busy[b] = true
	}
	return NewAllocator(c)
}

func TestReserve_FirstOwnerKeepsOriginalPorts(t *testing.T) {
	a := newTestAllocator()

	slot, allocs, err := a.Reserve("s1", []model.PortSpec{
		{ContainerPort: 3000, Label: "app"},
		{ContainerPort: 5432, Protocol: "tcp"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, slot)
	require.Len(t, allocs, 2)
	assert.Equal(t, model.PortAllocation{ContainerPort: 3000, HostPort: 3000, Protocol: "tcp", Label: "app"}, allocs[0])
	assert.Equal(t, 5432, allocs[1].HostPort)
}

func TestReserve_ShiftsBySlot(t *testing.T) {
	a := newTestAllocator()
	specs := []model.PortSpec{{ContainerPort: 3000}}

	_, _, err := a.Reserve("s1", specs)
	require.NoError(t, err)
	slot, allocs, err := a.Reserve("s2", specs)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.Equal(t, 13000, allocs[0].HostPort)

	slot, allocs, err = a.Reserve("s3", specs)
	require.NoError(t, err)
	assert.Equal(t, 2, slot)
	assert.Equal(t, 23000, allocs[0].HostPort)
}

func TestReserve_Idempotent(t *testing.T) {
	a := newTestAllocator()
	specs := []model.PortSpec{{ContainerPort: 8080}}

	slot1, allocs1, err := a.Reserve("s1", specs)
	require.NoError(t, err)
	slot2, allocs2, err := a.Reserve("s1", specs)
	require.NoError(t, err)

	assert.Equal(t, slot1, slot2)
	assert.Equal(t, allocs1, allocs2)
}

func TestReserve_ReleaseFreesSlot(t *testing.T) {
	a := newTestAllocator()
	specs := []model.PortSpec{{ContainerPort: 3000}}

	_, _, err := a.Reserve("s1", specs)
	require.NoError(t, err)
	_, _, err = a.Reserve("s2", specs)
	require.NoError(t, err)

	a.Release("s1")
	assert.Empty(t, a.Allocations("s1"))

	slot, allocs, err := a.Reserve("s3", specs)
	require.NoError(t, err)
	assert.Equal(t, 0, slot, "released slot is reused")
	assert.Equal(t, 3000, allocs[0].HostPort)
	assert.Equal(t, []string{"s2", "s3"}, a.Owners())
}

func TestReserve_SlotsExhausted(t *testing.T) {
	a := newTestAllocator()
	for i := 0; i <= MaxSlot; i++ {
		_, _, err := a.Reserve(fmt.Sprintf("s%d", i), nil)
		require.NoError(t, err)
	}

	_, _, err := a.Reserve("overflow", nil)
	assert.ErrorContains(t, err, "port slots are in use")
}

func TestReserve_BusyPortMovesWithinBand(t *testing.T) {
	a := newTestAllocator("3000/tcp", "3001/tcp")

	_, allocs, err := a.Reserve("s1", []model.PortSpec{{ContainerPort: 3000}})
	require.NoError(t, err)
	assert.Equal(t, 3002, allocs[0].HostPort)
}

func TestReserve_ProtocolsAreIndependent(t *testing.T) {
	a := newTestAllocator("5353/tcp")

	_, allocs, err := a.Reserve("s1", []model.PortSpec{{ContainerPort: 5353, Protocol: "udp"}})
	require.NoError(t, err)
	assert.Equal(t, 5353, allocs[0].HostPort)
	assert.Equal(t, "udp", allocs[0].Protocol)
}

func TestReserve_IntraBatchConflict(t *testing.T) {
	a := newTestAllocator()

	_, allocs, err := a.Reserve("s1", []model.PortSpec{
		{ContainerPort: 3000},
		{ContainerPort: 3000},
	})
	require.NoError(t, err)
	assert.Equal(t, 3000, allocs[0].HostPort)
	assert.Equal(t, 3001, allocs[1].HostPort)
}

func TestReserve_AvoidsAdoptedPorts(t *testing.T) {
	a := newTestAllocator()
	// A stopped container still owns its ports although nothing is bound.
	a.Adopt("old", 1, []model.PortAllocation{{ContainerPort: 3000, HostPort: 3000, Protocol: "tcp"}})

	slot, allocs, err := a.Reserve("s1", []model.PortSpec{{ContainerPort: 3000}})
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	assert.Equal(t, 3001, allocs[0].HostPort)

	slot, _, err = a.Reserve("s2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, slot, "adopted slot 1 is taken")
}

func TestReserve_OverflowFallsBackToDynamicRange(t *testing.T) {
	a := newTestAllocator()
	for i := 0; i < 7; i++ {
		_, _, err := a.Reserve(fmt.Sprintf("s%d", i), nil)
		require.NoError(t, err)
	}

	// 8000 + 7*10000 overflows.
	slot, allocs, err := a.Reserve("s7", []model.PortSpec{{ContainerPort: 8000}})
	require.NoError(t, err)
	assert.Equal(t, 7, slot)
	assert.Equal(t, dynamicRangeStart, allocs[0].HostPort)
}

func TestReserve_InvalidContainerPortRollsBack(t *testing.T) {
	a := newTestAllocator()

	_, _, err := a.Reserve("s1", []model.PortSpec{{ContainerPort: 3000}, {ContainerPort: 70000}})
	require.Error(t, err)
	assert.Empty(t, a.Owners())

	slot, _, err := a.Reserve("s2", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
}

func TestReserve_ConcurrentOwnersGetDistinctSlots(t *testing.T) {
	a := newTestAllocator()

	var wg sync.WaitGroup
	slots := make([]int, MaxSlot+1)
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := a.Reserve(fmt.Sprintf("s%d", i), []model.PortSpec{{ContainerPort: 3000}})
			assert.NoError(t, err)
			slots[i] = s
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, s := range slots {
		assert.False(t, seen[s], "slot %d handed out twice", s)
		seen[s] = true
	}
}

func TestReserve_RealScanner(t *testing.T) {
	a := NewAllocator(NewScanner())

	_, allocs, err := a.Reserve("s1", []model.PortSpec{{ContainerPort: 48000}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, allocs[0].HostPort, 48000)
}
