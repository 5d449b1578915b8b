// Package sclocktest contains clock implementations
// for deterministic tests of time-dependent STM components.
package sclocktest

// Manual is a [github.com/stm-shell/stm/sclock.Clock]
// that only moves when the test moves it.
//
// The zero value is ready to use and reads as time zero.
type Manual struct {
	now uint64
}

// Now returns the manually set time.
func (m *Manual) Now() uint64 {
	return m.now
}

// Set jumps the clock to t milliseconds.
// Moving the clock backwards is allowed;
// components under test treat the clock as monotonic,
// so tests should only do that deliberately.
func (m *Manual) Set(t uint64) {
	m.now = t
}

// Advance moves the clock forward by d milliseconds.
func (m *Manual) Advance(d uint64) {
	m.now += d
}
