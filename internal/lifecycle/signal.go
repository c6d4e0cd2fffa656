package lifecycle

import "sync"

// Signal lets goroutines signal that some event has occurred exactly once;
// other goroutines can wait for it. Adapted from the teacher's
// signal.Signal (itself a thin wrapper over a channel and a sync.Once) to
// back the external-shutdown flag SPEC_FULL.md §5 describes: the runtime
// loop checks Wait() at every iteration boundary and inside the reconnect
// back-off.
type Signal struct {
	ch   chan struct{}
	once sync.Once
}

// NewSignal builds a ready-to-use Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Notify alerts any goroutines waiting on this signal that the event has
// occurred. After the first call, future calls are no-ops.
func (s *Signal) Notify() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Wait returns a channel that closes when Notify is first called.
func (s *Signal) Wait() <-chan struct{} {
	return s.ch
}

// Fired reports whether Notify has already been called, without blocking.
func (s *Signal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
