// Package clock abstracts the current-time source so that gating,
// notification dedup, and alert cooldown logic can be tested with a
// controlled clock.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }
