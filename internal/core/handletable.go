package core

import (
	"sync"

	"github.com/emirpasic/gods/stacks/arraystack"
)

// HandleID is the opaque 64-bit handle identifier the kernel adapter
// hands back on every subsequent read/write/flush/release call.
type HandleID uint64

// HandleTable is a dense vector of live handles with a free list of
// reclaimed slots, so handle ids stay small and dispatch is O(1) without
// ever reusing an id while its slot is still live.
type HandleTable struct {
	mu    sync.Mutex
	slots []*FileHandle
	free  *arraystack.Stack
}

// NewHandleTable creates an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{free: arraystack.New()}
}

// Alloc inserts fh and returns its new handle id.
func (t *HandleTable) Alloc(fh *FileHandle) HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.free.Empty() {
		v, _ := t.free.Pop()
		idx := v.(int)
		t.slots[idx] = fh
		return HandleID(idx)
	}

	t.slots = append(t.slots, fh)
	return HandleID(len(t.slots) - 1)
}

// Get looks up the handle for id.
func (t *HandleTable) Get(id HandleID) (*FileHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := int(id)
	if i < 0 || i >= len(t.slots) || t.slots[i] == nil {
		return nil, false
	}
	return t.slots[i], true
}

// Release removes id from the table and returns its slot to the free list.
func (t *HandleTable) Release(id HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := int(id)
	if i < 0 || i >= len(t.slots) || t.slots[i] == nil {
		return
	}
	t.slots[i] = nil
	t.free.Push(i)
}

// Len reports the number of live handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}
