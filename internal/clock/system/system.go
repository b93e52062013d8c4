// Package system is the wall-clock crawler.Clock used by frontierd; tests
// substitute manual clocks to drive lease expiry and politeness windows.
package system

import "time"

// Clock reads the system clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Lease expiries, politeness stamps,
// and snapshot saved_at values all compare in UTC so restored state is not
// skewed by the host timezone.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
