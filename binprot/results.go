package binprot

import (
	"iter"
	"slices"
)

// compactThreshold is the number of removed entries an ordered index
// tolerates before it is compacted.
const compactThreshold = 32

type resultEntry struct {
	key     string
	slot    *Slot
	deleted bool
}

// Results is the insertion-ordered output of one batch: key to Slot.
// It is not safe for concurrent use; a Batch owns it until the batch is done.
type Results struct {
	order   []*resultEntry
	entries map[string]*resultEntry
	deleted int
}

// NewResults returns an empty Results.
func NewResults() *Results {
	return &Results{entries: make(map[string]*resultEntry)}
}

// Put stores slot under key. A key that is already present keeps its
// original position.
func (r *Results) Put(key string, slot *Slot) {
	if e, ok := r.entries[key]; ok {
		e.slot = slot
		return
	}
	e := &resultEntry{key: key, slot: slot}
	r.entries[key] = e
	r.order = append(r.order, e)
}

// Get returns the slot stored for key.
func (r *Results) Get(key string) (*Slot, bool) {
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.slot, true
}

// Delete removes key. The ordered index is compacted lazily.
func (r *Results) Delete(key string) {
	e, ok := r.entries[key]
	if !ok {
		return
	}
	delete(r.entries, key)
	e.deleted = true
	r.deleted++

	if r.deleted > compactThreshold && r.deleted > len(r.order)/2 {
		r.order = slices.DeleteFunc(r.order, func(e *resultEntry) bool { return e.deleted })
		r.deleted = 0
	}
}

// Len returns the number of keys.
func (r *Results) Len() int {
	return len(r.entries)
}

// Keys returns the keys in insertion order.
func (r *Results) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for _, e := range r.order {
		if !e.deleted {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// All iterates over the results in insertion order.
func (r *Results) All() iter.Seq2[string, *Slot] {
	return func(yield func(string, *Slot) bool) {
		for _, e := range r.order {
			if e.deleted {
				continue
			}
			if !yield(e.key, e.slot) {
				return
			}
		}
	}
}
