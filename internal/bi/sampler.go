package bi

import (
	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
)

// Tick is the outcome of one sampling pass.
type Tick struct {
	Sample         domain.Sample
	HaveSample     bool
	BatteryPresent bool
	Err            error
}

// Sampler takes one Sample per tick, checking battery presence first.
type Sampler struct {
	sensor   Sensor
	presence Presence
	clock    Clock
}

func NewSampler(sensor Sensor, presence Presence, clock Clock) *Sampler {
	return &Sampler{sensor: sensor, presence: presence, clock: clock}
}

// Sample runs one pass. With the battery absent no sensor read is attempted
// and the tick carries no sample; a failed presence read counts as absent.
func (s *Sampler) Sample() Tick {
	errFactory := errors.New()

	present, err := s.presence.BatteryPresent()
	if err != nil {
		return Tick{Err: errFactory.Wrap(ErrPresenceRead, err)}
	}
	if !present {
		return Tick{}
	}

	current, voltage, err := s.sensor.Read()
	if err != nil {
		return Tick{BatteryPresent: true, Err: errFactory.Wrap(ErrSensorRead, err)}
	}

	return Tick{
		Sample: domain.Sample{
			Timestamp: s.clock.Now(),
			Current:   current,
			Voltage:   voltage,
		},
		HaveSample:     true,
		BatteryPresent: true,
	}
}
