package binprot

import (
	"context"
	"sync"
)

// Signal is a one-shot completion barrier.
// Release may be called any number of times from any goroutine; only the
// first call has an effect. Any number of goroutines may wait on it.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unreleased Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Release opens the barrier. It reports whether this call released it.
func (s *Signal) Release() bool {
	released := false
	s.once.Do(func() {
		close(s.ch)
		released = true
	})
	return released
}

// Done returns a channel closed once the signal is released.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Released reports whether the signal has been released.
func (s *Signal) Released() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal is released or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
