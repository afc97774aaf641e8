package iogroup

import (
	"sync"

	"geopm/pkg/apperror"
	"geopm/pkg/topology"
)

// Key identifies one pushed (name, domain, index) tuple.
type Key struct {
	Name   string
	Domain topology.Domain
	Index  int
}

// HandleTable implements the push/handle-stability contract shared by
// every IOGroup driver: a unique tuple gets a distinct, stable handle;
// a duplicate tuple returns the same handle; once the batch has been
// read (or written) no new pushes are accepted until an explicit Reset
// (§3 invariants, §9 open question on IOGroup reset).
type HandleTable struct {
	mu      sync.Mutex
	keys    []Key
	index   map[Key]int
	batched bool
}

// NewHandleTable returns an empty table ready to accept pushes.
func NewHandleTable() *HandleTable {
	return &HandleTable{index: make(map[Key]int)}
}

// Push returns k's handle, allocating a new one if k has not been pushed
// before. It fails with Logic if the table has already served a batch
// read/write and has not since been Reset.
func (h *HandleTable) Push(k Key) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if idx, ok := h.index[k]; ok {
		return idx, nil
	}
	if h.batched {
		return 0, apperror.New(apperror.Logic, "push after read_batch without an intervening reset").
			WithDetail("name", k.Name)
	}
	idx := len(h.keys)
	h.keys = append(h.keys, k)
	h.index[k] = idx
	return idx, nil
}

// MarkBatched records that a batch has been consumed; subsequent Push
// calls for unseen keys fail until Reset.
func (h *HandleTable) MarkBatched() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batched = true
}

// Batched reports whether MarkBatched has been called since the last
// Reset.
func (h *HandleTable) Batched() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batched
}

// Reset clears the batched flag, re-enabling new pushes. It does not
// forget existing handles: a driver that resets keeps prior handles
// valid, and its registration priority at the PlatformIO level is
// unchanged (that priority is set only by registration order).
func (h *HandleTable) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batched = false
}

// Len returns the number of distinct handles currently allocated.
func (h *HandleTable) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.keys)
}

// Key returns the key registered at handle idx.
func (h *HandleTable) Key(idx int) (Key, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx < 0 || idx >= len(h.keys) {
		return Key{}, apperror.New(apperror.Logic, "unknown handle")
	}
	return h.keys[idx], nil
}

// Keys returns a snapshot of every registered key in handle order.
func (h *HandleTable) Keys() []Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Key, len(h.keys))
	copy(out, h.keys)
	return out
}
