package worker

import (
	"sort"
	"sync"
)

// SlotAllocator hands out display slots in [0, n). The lowest free slot is
// always reused first.
type SlotAllocator struct {
	mu    sync.Mutex
	free  []int
	inUse map[string]int
}

// NewSlotAllocator creates an allocator with n slots
func NewSlotAllocator(n int) *SlotAllocator {
	if n < 1 {
		n = 1
	}
	free := make([]int, n)
	for i := range free {
		free[i] = i
	}
	return &SlotAllocator{
		free:  free,
		inUse: make(map[string]int, n),
	}
}

// Acquire reserves a slot for owner. When every slot is taken it returns 0
// without reserving anything; it never blocks. Acquiring twice for the same
// owner returns the slot it already holds.
func (a *SlotAllocator) Acquire(owner string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot, ok := a.inUse[owner]; ok {
		return slot
	}
	if len(a.free) == 0 {
		return 0
	}
	slot := a.free[0]
	a.free = a.free[1:]
	a.inUse[owner] = slot
	return slot
}

// Release returns owner's slot to the free list. Unknown owners are ignored,
// so releasing twice is harmless.
func (a *SlotAllocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.inUse[owner]
	if !ok {
		return
	}
	delete(a.inUse, owner)

	i := sort.SearchInts(a.free, slot)
	a.free = append(a.free, 0)
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = slot
}

// InUse returns the number of reserved slots
func (a *SlotAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
