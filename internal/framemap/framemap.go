// Package framemap correlates decoder presentation timestamps with the
// tracking frame index that requested the frame.
//
// The table is a fixed array of atomic slots indexed by timestamp modulo
// capacity. Capacity must exceed the number of frames that can be in flight
// between submission and decoder output; a smaller table silently aliases
// unrelated frames onto the same slot.
package framemap

import "sync/atomic"

// DefaultCapacity comfortably exceeds the decoder pipeline depth at 120 Hz.
const DefaultCapacity = 4096

// none marks an empty slot. Frame indices are never this large in practice;
// storing it via Set is indistinguishable from an empty slot.
const none = ^uint64(0)

// Table maps presentation timestamps to tracking frame indices. All methods
// are lock-free and safe for concurrent use. Concurrent writers to the same
// slot resolve last-writer-wins.
type Table struct {
	slots []atomic.Uint64
}

// New returns a Table with the given number of slots. It panics if capacity
// is zero.
func New(capacity int) *Table {
	if capacity <= 0 {
		panic("framemap: capacity must be positive")
	}
	t := &Table{slots: make([]atomic.Uint64, capacity)}
	for i := range t.slots {
		t.slots[i].Store(none)
	}
	return t
}

// Cap returns the number of slots.
func (t *Table) Cap() int {
	return len(t.slots)
}

func (t *Table) slot(ts uint64) *atomic.Uint64 {
	return &t.slots[ts%uint64(len(t.slots))]
}

// Set records idx for ts, overwriting whatever the slot held.
func (t *Table) Set(ts, idx uint64) {
	t.slot(ts).Store(idx)
}

// Get returns the index last stored for ts's slot without clearing it. An
// empty slot reports (0, false).
func (t *Table) Get(ts uint64) (uint64, bool) {
	return found(t.slot(ts).Load())
}

// Take returns the index stored for ts's slot and clears the slot in one
// atomic step. A second Take for the same slot reports false until the next Set.
func (t *Table) Take(ts uint64) (uint64, bool) {
	return found(t.slot(ts).Swap(none))
}

func found(v uint64) (uint64, bool) {
	if v == none {
		return 0, false
	}
	return v, true
}

// Clear empties every slot.
func (t *Table) Clear() {
	for i := range t.slots {
		t.slots[i].Store(none)
	}
}
