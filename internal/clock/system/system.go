// Package system backs harvest.Clock with the wall clock. Everything
// time-sensitive in the orchestrator (scheduling due-ness, cookie TTLs,
// rate windows) takes a Clock so tests can substitute a fake one.
package system

import "time"

// Clock reports wall time, normalized to UTC so stored timestamps
// compare consistently across backends.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
