package hw

import (
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
)

// SimConfig describes the simulated pack.
type SimConfig struct {
	CapacityAh     float64
	FullVoltage    domain.MilliVolts
	EmptyVoltage   domain.MilliVolts
	LoadCurrent    domain.MilliAmps // at 100% duty
	SagPerAmp      domain.MilliVolts
	NoiseMilliAmps int32
}

// DefaultSimConfig is a 12 V, 7 Ah pack discharged at 10 A.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		CapacityAh:     7,
		FullVoltage:    12800,
		EmptyVoltage:   10500,
		LoadCurrent:    10000,
		SagPerAmp:      20,
		NoiseMilliAmps: 50,
	}
}

// Simulator is a bench stand-in for the INA260, presence pin and load. It
// integrates drawn charge over time and derives voltage from the remaining
// state of charge.
type Simulator struct {
	mu      sync.Mutex
	cfg     SimConfig
	now     func() time.Time
	rng     *rand.Rand
	present bool
	duty    uint8
	usedAh  float64
	last    time.Time
}

func NewSimulator(cfg SimConfig, now func() time.Time) *Simulator {
	if now == nil {
		now = time.Now
	}
	return &Simulator{
		cfg:     cfg,
		now:     now,
		rng:     rand.New(rand.NewSource(1)),
		present: true,
		last:    now(),
	}
}

// SetPresent simulates inserting or removing the battery.
func (s *Simulator) SetPresent(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.present = present
}

func (s *Simulator) BatteryPresent() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present, nil
}

func (s *Simulator) SetDuty(duty uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.duty = duty
	return nil
}

func (s *Simulator) Read() (domain.MilliAmps, domain.MilliVolts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()

	if !s.present {
		return 0, 0, nil
	}

	current := s.current()
	if current > 0 && s.cfg.NoiseMilliAmps > 0 {
		current += domain.MilliAmps(s.rng.Int31n(2*s.cfg.NoiseMilliAmps+1) - s.cfg.NoiseMilliAmps)
	}

	return current, s.voltage(), nil
}

// UsedAh returns the charge drawn so far.
func (s *Simulator) UsedAh() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.usedAh
}

func (s *Simulator) current() domain.MilliAmps {
	if !s.present || s.voltageOpen() <= s.cfg.EmptyVoltage/2 {
		return 0
	}
	return s.cfg.LoadCurrent * domain.MilliAmps(s.duty) / 100
}

func (s *Simulator) voltageOpen() domain.MilliVolts {
	soc := 1 - s.usedAh/s.cfg.CapacityAh
	if soc < 0 {
		soc = 0
	}
	span := float64(s.cfg.FullVoltage - s.cfg.EmptyVoltage)
	return s.cfg.EmptyVoltage + domain.MilliVolts(span*soc)
}

func (s *Simulator) voltage() domain.MilliVolts {
	sag := s.cfg.SagPerAmp * domain.MilliVolts(s.current()/1000)
	return s.voltageOpen() - sag
}

func (s *Simulator) advance() {
	now := s.now()
	dt := now.Sub(s.last)
	s.last = now
	if dt <= 0 || !s.present {
		return
	}
	s.usedAh += s.current().Amps() * dt.Hours()
}
