// Package cancel provides the cooperative cancellation flag shared
// between the scheduler, drivers and the search engine. The flag is
// settable once and is observed at unit boundaries only; work already
// in flight is allowed to finish.
package cancel

import "sync"

// Flag is a one-shot cooperative cancellation signal
type Flag struct {
	once sync.Once
	ch   chan struct{}
}

// NewFlag creates an unset flag
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set marks the flag. Safe to call more than once.
func (f *Flag) Set() {
	f.once.Do(func() { close(f.ch) })
}

// IsSet reports whether the flag has been set
func (f *Flag) IsSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is set
func (f *Flag) Done() <-chan struct{} {
	return f.ch
}
