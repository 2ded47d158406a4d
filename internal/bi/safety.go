package bi

import (
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
)

// SafetyLimits is the current envelope expected while the load is engaged.
type SafetyLimits struct {
	CurrentMin domain.MilliAmps
	CurrentMax domain.MilliAmps
	// IdleMax trips CurrentOutOfRange if exceeded while the load is off.
	// Zero disables the check.
	IdleMax domain.MilliAmps
	// Settle suppresses the range check right after the load engages, and
	// the idle check right after it disengages.
	Settle time.Duration
}

func (l SafetyLimits) Validate() error {
	if l.CurrentMin < 0 || l.CurrentMax <= 0 || l.CurrentMin > l.CurrentMax || l.IdleMax < 0 || l.Settle < 0 {
		return errors.New().WithData(ErrInvalidLimits, l)
	}
	return nil
}

// SafetyMonitor evaluates the fault conditions once per tick and trips the
// interlock when one holds.
type SafetyMonitor struct {
	limits    SafetyLimits
	interlock *Interlock
	liveness  *Liveness
}

func NewSafetyMonitor(limits SafetyLimits, interlock *Interlock, liveness *Liveness) *SafetyMonitor {
	return &SafetyMonitor{limits: limits, interlock: interlock, liveness: liveness}
}

// Evaluate checks tick against the interlock state at now. It returns the
// fault it latched, or FaultNone if nothing new was latched.
func (m *SafetyMonitor) Evaluate(tick Tick, now time.Time) (domain.FaultKind, error) {
	kind := m.check(tick, now)
	if kind == domain.FaultNone {
		return domain.FaultNone, nil
	}

	latched, err := m.interlock.Trip(kind)
	if !latched {
		return domain.FaultNone, err
	}

	return kind, err
}

func (m *SafetyMonitor) check(tick Tick, now time.Time) domain.FaultKind {
	st := m.interlock.State()

	if st.Duty == 0 {
		if m.limits.IdleMax > 0 && tick.HaveSample && now.Sub(st.ChangedAt) >= m.limits.Settle &&
			tick.Sample.Current > m.limits.IdleMax {
			return domain.FaultCurrentOutOfRange
		}
		return domain.FaultNone
	}

	if !tick.BatteryPresent {
		return domain.FaultBatteryDisconnected
	}

	if tick.Err != nil {
		return domain.FaultSensor
	}

	if tick.HaveSample && now.Sub(st.OnSince) >= m.limits.Settle {
		current := tick.Sample.Current
		if current > m.limits.CurrentMax {
			return domain.FaultCurrentOutOfRange
		}
		if current < m.limits.CurrentMin && !st.AllowUndercurrent {
			return domain.FaultCurrentOutOfRange
		}
	}

	if m.liveness.Expired(now) {
		return domain.FaultCommandTimeout
	}

	return domain.FaultNone
}
