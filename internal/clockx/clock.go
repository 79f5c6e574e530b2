// Package clockx provides an injectable clock and project-working-hours
// arithmetic, generalizing the teacher's convention of passing an explicit
// "after time.Time" into schedule computations into its own small type so
// every component that needs
// "now" can be faked in tests.
package clockx

import "time"

// Clock returns the current time. Production code uses Real(); tests can
// substitute a Fixed clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real is the production clock, backed by time.Now.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock that always returns the same instant. Useful in tests.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }
