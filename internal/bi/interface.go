// Package bi implements the Battery Interface runtime: fixed-rate sampling,
// current averaging, the safety interlock, and the command listener that
// answers the host over the link.
package bi

import (
	"time"

	"codeberg.org/mutker/battester/internal/domain"
)

// Sensor reads the latest current and voltage.
type Sensor interface {
	Read() (domain.MilliAmps, domain.MilliVolts, error)
}

// Presence reports the battery-present signal.
type Presence interface {
	BatteryPresent() (bool, error)
}

// Load drives the load controller. Duty is 0..100; 0 is off.
type Load interface {
	SetDuty(duty uint8) error
}

// Clock abstracts monotonic time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
