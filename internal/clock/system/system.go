// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements pipeline.Clock. Times are UTC and truncated to the
// millisecond, the finest precision every record store keeps, so an
// ExtractedAt read back from any backend equals the one written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
