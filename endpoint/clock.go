package endpoint

import "time"

// Clock supplies the time the Endpoint's timers run on. Tests substitute a
// manual clock for deterministic timeouts.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}
