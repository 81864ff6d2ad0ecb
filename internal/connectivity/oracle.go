// Package connectivity answers "are we online?" and announces transitions.
//
// Subscribers receive Transition values on a channel with room for one
// value. When a subscriber falls behind, the undelivered value is replaced by
// the newest one, so a slow reader always sees the current state and never
// blocks the sender. Consumers must therefore not rely on seeing every
// transition: IsOnline is always authoritative, and the reconciliation
// engine's periodic trigger re-checks it.
package connectivity

import (
	"sync"
	"time"
)

// Transition reports a change of connectivity.
type Transition struct {
	Online bool
	At     time.Time
}

// Oracle is the connectivity source consumed by the service and the engine.
type Oracle interface {
	// IsOnline returns the current state.
	IsOnline() bool
	// Subscribe returns a channel of transitions and a func that ends the
	// subscription and closes the channel.
	Subscribe() (<-chan Transition, func())
}

// Switch is an Oracle whose state is set by its owner. It is the building
// block of the other oracles and is used directly when the host environment
// pushes connectivity signals.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan Transition
	nextID int
	closed bool
}

var _ Oracle = (*Switch)(nil)

// NewSwitch returns a Switch in the given initial state.
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[int]chan Transition),
	}
}

// IsOnline implements Oracle.
func (s *Switch) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state and notifies subscribers. It reports whether the
// state actually changed; setting the current state again is a no-op.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.online == online {
		return false
	}
	s.online = online

	t := Transition{Online: online, At: time.Now()}
	for _, ch := range s.subs {
		deliver(ch, t)
	}
	return true
}

// deliver replaces any pending value with t. Only the holder of s.mu sends,
// so the channel cannot fill up between the drain and the send.
func deliver(ch chan Transition, t Transition) {
	select {
	case ch <- t:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- t:
	default:
	}
}

// Subscribe implements Oracle.
func (s *Switch) Subscribe() (<-chan Transition, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Transition, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Switch) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription. Later Set calls are ignored.
func (s *Switch) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
