package bi

import (
	"sync"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/link"
)

// Interlock owns the load duty register and the sticky fault latch. The
// command path and the safety path both go through its lock; once a fault
// is latched, commands can no longer raise the duty until ClearFault.
type Interlock struct {
	mu         sync.Mutex
	load       Load
	clock      Clock
	duty       uint8
	allowUnder bool
	onSince    time.Time
	changedAt  time.Time
	fault      domain.FaultKind
}

// State is a point-in-time copy of the interlock.
type State struct {
	Duty              uint8
	AllowUndercurrent bool
	OnSince           time.Time
	ChangedAt         time.Time // last duty change in either direction
	Fault             domain.FaultKind
}

func NewInterlock(load Load, clock Clock) *Interlock {
	return &Interlock{load: load, clock: clock}
}

// Command applies a host load command. A nonzero duty is refused while a
// fault is latched.
func (i *Interlock) Command(cmd link.SetHeater) (link.Status, error) {
	if cmd.Duty > link.MaxDuty {
		return link.StatusInvalid, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if cmd.Duty > 0 && i.fault != domain.FaultNone {
		return link.StatusRejected, nil
	}

	if err := i.write(cmd.Duty); err != nil {
		return link.StatusRejected, err
	}
	i.allowUnder = cmd.AllowUndercurrent

	return link.StatusOK, nil
}

// Trip forces the load off and latches kind. It reports whether kind was
// newly latched; an already latched fault is kept.
func (i *Interlock) Trip(kind domain.FaultKind) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	err := i.write(0)

	if i.fault != domain.FaultNone {
		return false, err
	}
	i.fault = kind

	return true, err
}

// ClearFault forces the load off and clears the latch, returning the fault
// that was latched.
func (i *Interlock) ClearFault() (domain.FaultKind, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	prev := i.fault
	err := i.write(0)
	if err == nil {
		i.fault = domain.FaultNone
	}

	return prev, err
}

// State returns a copy of the current register and latch.
func (i *Interlock) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()

	return State{
		Duty:              i.duty,
		AllowUndercurrent: i.allowUnder,
		OnSince:           i.onSince,
		ChangedAt:         i.changedAt,
		Fault:             i.fault,
	}
}

// Elapsed returns how long the load has been on since its last off->on
// transition, or 0 if it is off.
func (i *Interlock) Elapsed() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.duty == 0 {
		return 0
	}
	return i.clock.Now().Sub(i.onSince)
}

func (i *Interlock) write(duty uint8) error {
	// The register follows the request even if the driver fails so that a
	// failed off-write still reads as off to the safety path.
	prev, prevChanged := i.duty, i.changedAt
	if prev != duty {
		now := i.clock.Now()
		i.changedAt = now
		if prev == 0 {
			i.onSince = now
		}
	}
	i.duty = duty

	if err := i.load.SetDuty(duty); err != nil {
		if duty > 0 {
			i.duty = prev
			i.changedAt = prevChanged
		}
		return errors.New().WithData(ErrLoadWrite, struct {
			Duty  uint8
			Error string
		}{
			Duty:  duty,
			Error: err.Error(),
		})
	}

	return nil
}
