// Package system provides the wall clock used outside tests.
package system

import "time"

// Precision matches the microsecond resolution of Postgres timestamptz, so a
// time read back from the store compares equal to the one written.
const Precision = time.Microsecond

// Clock implements crawler.Clock on time.Now.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
