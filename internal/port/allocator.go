package port

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

const (
	// slotWidth is the size of the port band owned by one slot.
	// Example: slot 1, container port 3000 → host port 13000.
	slotWidth = 10000

	maxPort = 65535

	dynamicRangeStart = 49152
	dynamicRangeEnd   = 65535

	// MaxSlot is the highest slot number; at most MaxSlot+1 container
	// sessions hold ports at once.
	MaxSlot = 9
)

// Checker reports whether a host port is free. *Scanner is the production
// implementation.
type Checker interface {
	IsPortAvailable(port int, protocol string) bool
}

// Allocator hands out slots and host ports to owners (session IDs).
// It is safe for concurrent use.
type Allocator struct {
	checker Checker

	mu     sync.Mutex
	slots  map[string]int
	allocs map[string][]model.PortAllocation
}

// NewAllocator creates an Allocator that checks OS availability through c.
func NewAllocator(c Checker) *Allocator {
	return &Allocator{
		checker: c,
		slots:   make(map[string]int),
		allocs:  make(map[string][]model.PortAllocation),
	}
}

// Adopt records ports already published by an existing container so new
// reservations avoid them. slot may be -1 when the container's slot is
// unknown; its ports are still excluded.
func (a *Allocator) Adopt(owner string, slot int, allocs []model.PortAllocation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot >= 0 && slot <= MaxSlot {
		a.slots[owner] = slot
	}
	a.allocs[owner] = append([]model.PortAllocation(nil), allocs...)
}

// Reserve takes the lowest free slot for owner and allocates a host port for
// every spec. Reserving again for the same owner returns the existing
// reservation.
func (a *Allocator) Reserve(owner string, specs []model.PortSpec) (int, []model.PortAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot, ok := a.slots[owner]; ok {
		return slot, append([]model.PortAllocation(nil), a.allocs[owner]...), nil
	}

	slot, err := a.freeSlotLocked()
	if err != nil {
		return 0, nil, err
	}

	out := make([]model.PortAllocation, 0, len(specs))
	// Register the partial batch immediately so later specs in the same
	// batch see earlier picks.
	a.slots[owner] = slot
	for _, ps := range specs {
		proto := ps.Protocol
		if proto == "" {
			proto = "tcp"
		}
		hostPort, err := a.allocateLocked(ps.ContainerPort, slot, proto)
		if err != nil {
			delete(a.slots, owner)
			delete(a.allocs, owner)
			return 0, nil, fmt.Errorf("failed to allocate host port for %d/%s: %w", ps.ContainerPort, proto, err)
		}
		alloc := model.PortAllocation{
			ContainerPort: ps.ContainerPort,
			HostPort:      hostPort,
			Protocol:      proto,
			Label:         ps.Label,
		}
		out = append(out, alloc)
		a.allocs[owner] = append(a.allocs[owner], alloc)
	}
	return slot, append([]model.PortAllocation(nil), out...), nil
}

// Release frees the slot and ports held by owner.
func (a *Allocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.slots, owner)
	delete(a.allocs, owner)
}

// Allocations returns the ports held by owner.
func (a *Allocator) Allocations(owner string) []model.PortAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.PortAllocation(nil), a.allocs[owner]...)
}

// Owners returns the owners currently holding a reservation, sorted.
func (a *Allocator) Owners() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.allocs))
	for o := range a.allocs {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

func (a *Allocator) freeSlotLocked() (int, error) {
	used := make(map[int]bool, len(a.slots))
	for _, s := range a.slots {
		used[s] = true
	}
	for s := 0; s <= MaxSlot; s++ {
		if !used[s] {
			return s, nil
		}
	}
	return 0, fmt.Errorf("all %d port slots are in use", MaxSlot+1)
}

// allocateLocked applies the shift for slot and resolves conflicts:
// the next free port in the slot's band, then the dynamic range.
func (a *Allocator) allocateLocked(containerPort, slot int, protocol string) (int, error) {
	if containerPort < 1 || containerPort > maxPort {
		return 0, fmt.Errorf("container port %d out of range (1-%d)", containerPort, maxPort)
	}

	hostPort := containerPort + slot*slotWidth
	if hostPort > maxPort {
		p, err := a.searchLocked(dynamicRangeStart, dynamicRangeEnd, protocol)
		if err != nil {
			return 0, fmt.Errorf("port overflow: %d+(%d*%d)=%d exceeds %d, and fallback failed: %w",
				containerPort, slot, slotWidth, hostPort, maxPort, err)
		}
		return p, nil
	}
	if a.freeLocked(hostPort, protocol) {
		return hostPort, nil
	}

	bandEnd := hostPort + slotWidth - 1
	if bandEnd > maxPort {
		bandEnd = maxPort
	}
	if p, err := a.searchLocked(hostPort+1, bandEnd, protocol); err == nil {
		return p, nil
	}
	p, err := a.searchLocked(dynamicRangeStart, dynamicRangeEnd, protocol)
	if err != nil {
		return 0, fmt.Errorf("port %d (shifted from %d) is in use and no alternative found: %w",
			hostPort, containerPort, err)
	}
	return p, nil
}

// freeLocked checks reservations first: a stopped container's ports are not
// bound on the host but still belong to it.
func (a *Allocator) freeLocked(port int, protocol string) bool {
	for _, allocs := range a.allocs {
		for _, al := range allocs {
			if al.HostPort == port && al.Protocol == protocol {
				return false
			}
		}
	}
	return a.checker.IsPortAvailable(port, protocol)
}

func (a *Allocator) searchLocked(start, end int, protocol string) (int, error) {
	for p := start; p <= end; p++ {
		if a.freeLocked(p, protocol) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", protocol, start, end)
}
