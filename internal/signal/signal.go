// Package signal provides the change notification used between sources,
// stereo methods, the rectification model and the pipeline.
package signal

import (
	"sync"
)

// Signal is a set of handlers invoked, in connection order, every time Emit is
// called. Handlers run synchronously on the emitting goroutine.
type Signal struct {
	mu       sync.RWMutex
	next     uint64
	ids      []uint64
	handlers map[uint64]func()
}

// New creates an empty signal.
func New() *Signal {
	return &Signal{handlers: make(map[uint64]func())}
}

// Connect registers fn and returns a function that removes it again. Calling
// the returned function more than once is harmless.
func (s *Signal) Connect(fn func()) func() {
	if s == nil || fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.next++
	id := s.next
	s.ids = append(s.ids, id)
	s.handlers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.disconnect(id) })
	}
}

func (s *Signal) disconnect(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[id]; !ok {
		return
	}
	delete(s.handlers, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
}

// Emit calls every connected handler. The handler list is snapshotted first, so
// handlers may connect or disconnect without deadlocking.
func (s *Signal) Emit() {
	if s == nil {
		return
	}

	s.mu.RLock()
	fns := make([]func(), 0, len(s.ids))
	for _, id := range s.ids {
		fns = append(fns, s.handlers[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of connected handlers.
func (s *Signal) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
