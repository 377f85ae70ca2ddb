// Package timers provides a named timer set owned by a single component.
//
// Every component keeps all of its timers (reconnect, heartbeat, refresh,
// ticks) in one Set so teardown is a single CancelAll call, and a timer that
// was cancelled or replaced never fires its callback.
package timers

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	t  *time.Timer
	id uint64
	at time.Time
}

type Set struct {
	mu     sync.Mutex
	timers map[string]*entry
	seq    uint64
	closed bool
}

func New() *Set {
	return &Set{timers: map[string]*entry{}}
}

// Schedule arms timer name to run fn after d, replacing any pending timer
// with the same name. It returns false if the set is closed.
func (s *Set) Schedule(name string, d time.Duration, fn func()) bool {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if old := s.timers[name]; old != nil {
		old.t.Stop()
	}
	s.seq++
	id := s.seq
	e := &entry{id: id, at: time.Now().Add(d)}
	e.t = time.AfterFunc(d, func() { s.fire(name, id, fn) })
	s.timers[name] = e
	return true
}

func (s *Set) fire(name string, id uint64, fn func()) {
	s.mu.Lock()
	cur := s.timers[name]
	if cur == nil || cur.id != id {
		// Cancelled or replaced after the runtime timer already fired.
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancel stops timer name. It reports whether a pending timer was removed.
func (s *Set) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.timers[name]
	if e == nil {
		return false
	}
	e.t.Stop()
	delete(s.timers, name)
	return true
}

// CancelAll stops every pending timer and returns how many were removed.
func (s *Set) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.timers)
	for name, e := range s.timers {
		e.t.Stop()
		delete(s.timers, name)
	}
	return n
}

// Close cancels everything and rejects future Schedule calls.
func (s *Set) Close() {
	s.CancelAll()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Pending reports whether timer name is armed.
func (s *Set) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[name] != nil
}

// Due returns when timer name fires, if armed.
func (s *Set) Due(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.timers[name]
	if e == nil {
		return time.Time{}, false
	}
	return e.at, true
}

// Names lists armed timers, sorted.
func (s *Set) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.timers))
	for name := range s.timers {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
