package binprot

import "slices"

// Waiter is a caller awaiting the outcome of one key of a batch.
//
// For a resolved key, Deliver is called with the key's slot (nil when the
// server answered with a non-success status) and then Release(nil).
// For a key never answered before the end of the batch, only Release(nil) is
// called: the caller sees a miss. When the batch fails, Release receives the
// failure. Release is called exactly once per waiter.
type Waiter interface {
	Deliver(slot *Slot)
	Release(err error)
}

// WaiterRecord groups the first request for a key with the duplicate
// requests for the same key that joined the batch after it.
type WaiterRecord struct {
	Primary    Waiter
	Duplicates []Waiter

	key     string
	dropped bool
}

// Len returns the number of waiters in the record.
func (w *WaiterRecord) Len() int {
	if w.Primary == nil {
		return 0
	}
	return 1 + len(w.Duplicates)
}

func (w *WaiterRecord) deliver(slot *Slot) {
	w.Primary.Deliver(slot)
	w.Primary.Release(nil)
	for _, d := range w.Duplicates {
		d.Deliver(slot)
		d.Release(nil)
	}
}

func (w *WaiterRecord) release(err error) {
	w.Primary.Release(err)
	for _, d := range w.Duplicates {
		d.Release(err)
	}
}

// Registry maps keys to the waiters expecting them. Keys keep their
// registration order, which is the order they are written on the wire.
//
// A Registry is filled by producers before the batch is sent and consumed by
// the Batch while decoding; the two phases must not overlap.
type Registry struct {
	order   []*WaiterRecord // registration order, dropped records included
	records map[string]*WaiterRecord
	dropped int
	waiters int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*WaiterRecord)}
}

// Register adds w as a waiter for key. It returns true when key already had
// a waiter, in which case w is recorded as a duplicate.
func (r *Registry) Register(key string, w Waiter) bool {
	r.waiters++
	if rec, ok := r.records[key]; ok {
		rec.Duplicates = append(rec.Duplicates, w)
		return true
	}
	rec := &WaiterRecord{Primary: w, key: key}
	r.records[key] = rec
	r.order = append(r.order, rec)
	return false
}

// Remove withdraws w from key before the batch is sent. The first duplicate
// takes over as primary if w was the primary. It reports whether w was found.
func (r *Registry) Remove(key string, w Waiter) bool {
	rec, ok := r.records[key]
	if !ok {
		return false
	}

	if rec.Primary == w {
		if len(rec.Duplicates) == 0 {
			r.drop(rec)
		} else {
			rec.Primary = rec.Duplicates[0]
			rec.Duplicates = rec.Duplicates[1:]
		}
		r.waiters--
		return true
	}

	for i, d := range rec.Duplicates {
		if d == w {
			rec.Duplicates = append(rec.Duplicates[:i], rec.Duplicates[i+1:]...)
			r.waiters--
			return true
		}
	}
	return false
}

// Lookup returns the record for key without removing it.
func (r *Registry) Lookup(key string) (*WaiterRecord, bool) {
	rec, ok := r.records[key]
	return rec, ok
}

// Take removes and returns the record for key.
func (r *Registry) Take(key string) (*WaiterRecord, bool) {
	rec, ok := r.records[key]
	if !ok {
		return nil, false
	}
	r.drop(rec)
	r.waiters -= rec.Len()
	return rec, true
}

// drop unlinks rec in constant time. The order slice keeps the dropped
// record until enough of them pile up to be worth compacting.
func (r *Registry) drop(rec *WaiterRecord) {
	delete(r.records, rec.key)
	rec.dropped = true
	r.dropped++

	if r.dropped > compactThreshold && r.dropped > len(r.order)/2 {
		r.order = slices.DeleteFunc(r.order, func(rec *WaiterRecord) bool { return rec.dropped })
		r.dropped = 0
	}
}

// Len returns the number of distinct keys still awaiting an answer.
func (r *Registry) Len() int {
	return len(r.records)
}

// Waiters returns the number of waiters, duplicates included.
func (r *Registry) Waiters() int {
	return r.waiters
}

// Keys returns the pending keys in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.records))
	for _, rec := range r.order {
		if !rec.dropped {
			keys = append(keys, rec.key)
		}
	}
	return keys
}

// ReleaseAll releases every remaining waiter with err and empties the
// registry. A nil err reports a miss. It returns the number of waiters released.
func (r *Registry) ReleaseAll(err error) int {
	n := 0
	for _, rec := range r.order {
		if rec.dropped {
			continue
		}
		rec.dropped = true
		delete(r.records, rec.key)
		rec.release(err)
		n += rec.Len()
	}
	r.order = r.order[:0]
	r.dropped = 0
	r.waiters = 0
	return n
}
