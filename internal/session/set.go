package session

import (
	"sync"

	"digitaltwin-server/internal/broadcast"
	"digitaltwin-server/internal/metrics"
)

// Set tracks every currently connected session and fans broadcast slots
// out to each of them. All mutation goes through a single mutex; the
// tick driver holds it only long enough to snapshot the member list, so
// encoding and network writes never happen while it is held.
type Set struct {
	mx      *metrics.Metrics
	mu      sync.Mutex
	members map[uint64]*Session
	nextID  uint64
}

// NewSet constructs an empty session set.
func NewSet(mx *metrics.Metrics) *Set {
	return &Set{mx: mx, members: make(map[uint64]*Session)}
}

// NextID returns a fresh, monotonically increasing session identifier.
func (s *Set) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Add registers sess as a member and returns an unregister func the
// caller must invoke exactly once when the session's Run returns.
func (s *Set) Add(sess *Session) (remove func()) {
	s.mu.Lock()
	s.members[sess.ID()] = sess
	s.mu.Unlock()

	if s.mx != nil {
		s.mx.SessionsTotal.Inc()
		s.mx.SessionsConnected.Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.members, sess.ID())
			s.mu.Unlock()
			if s.mx != nil {
				s.mx.SessionsConnected.Dec()
			}
		})
	}
}

// Len reports the number of connected sessions.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Broadcast hands slot to every connected session's outbound queue. The
// slot's reference count is incremented once per session by each
// session's own Enqueue; Broadcast itself never blocks on the network.
func (s *Set) Broadcast(slot *broadcast.Slot) {
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.members))
	for _, sess := range s.members {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.Enqueue(slot)
	}
}

// CloseAll closes every connected session, used during graceful shutdown.
func (s *Set) CloseAll() {
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.members))
	for _, sess := range s.members {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.Close()
	}
}
