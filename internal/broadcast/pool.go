// Package broadcast implements the zero-allocation broadcast buffer pool:
// a fixed ring of reference-counted byte slots that the tick driver
// serializes into once per tick and every session shares by reference.
package broadcast

import "sync/atomic"

// Slot owns a fixed-capacity byte region together with a valid-length
// count. Once Len() bytes of Bytes() have been handed to the session set,
// they are immutable until every Acquire has a matching Release — the
// pool itself never blocks on this; it relies on K being sized larger
// than the worst tolerated write-completion latency (spec.md §4.C).
type Slot struct {
	buf  []byte
	n    int
	refs atomic.Int32
}

// Bytes returns the valid portion of the slot, set by the most recent
// Commit call.
func (s *Slot) Bytes() []byte {
	return s.buf[:s.n]
}

// Buf returns the slot's full backing region for the codec to encode
// into. Only the tick driver, between Pool.Next and the matching Commit,
// may write to it.
func (s *Slot) Buf() []byte {
	return s.buf
}

// Commit records how many leading bytes of Buf the codec wrote. Called
// once by the tick driver immediately after encoding.
func (s *Slot) Commit(n int) {
	s.n = n
}

// Acquire registers one more outstanding reference to the slot. Call
// before handing the slot to a session's outbound queue.
func (s *Slot) Acquire() {
	s.refs.Add(1)
}

// Release drops one outstanding reference, taken after a session's write
// of this slot completes (successfully or not).
func (s *Slot) Release() {
	s.refs.Add(-1)
}

// RefCount reports the current number of outstanding references. It is
// informational only — Pool.Next never waits on it, per the pool's
// documented invariant — and is exposed for metrics and tests.
func (s *Slot) RefCount() int32 {
	return s.refs.Load()
}

// Pool is a fixed-size, round-robin rotation of K slots. It hands out
// exactly one slot per Next() call and never tracks references itself;
// K must be chosen large enough that, by the time round-robin wraps back
// to a given slot, no session still holds a reference to it (see
// internal/session's backpressure bound, which enforces this in
// practice).
type Pool struct {
	slots []*Slot
	next  atomic.Uint64
}

// NewPool allocates k slots of the given per-slot capacity in bytes.
func NewPool(k int, slotCapacity int) *Pool {
	if k < 2 {
		k = 2
	}
	slots := make([]*Slot, k)
	for i := range slots {
		slots[i] = &Slot{buf: make([]byte, slotCapacity)}
	}
	return &Pool{slots: slots}
}

// Size returns the number of slots K in the pool.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Next returns the next slot in round-robin order, reset for writing.
func (p *Pool) Next() *Slot {
	idx := p.next.Add(1) - 1
	slot := p.slots[idx%uint64(len(p.slots))]
	slot.n = 0
	return slot
}
