// Package hw binds the Battery Interface to real hardware through
// periph.io, or to a bench simulator.
package hw

import (
	"codeberg.org/mutker/battester/internal/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Config locates the BI peripherals.
type Config struct {
	I2CBus       string
	I2CAddress   uint16
	PresencePin  string
	PWMPin       string
	PWMFrequency int64
}

// Board groups the peripherals the BI needs.
type Board struct {
	Sensor   *INA260
	Presence *PresencePin
	Load     *PWMLoad
	bus      i2c.BusCloser
}

// Open initializes the host drivers and all peripherals.
func Open(cfg Config) (*Board, error) {
	errFactory := errors.New()

	if _, err := host.Init(); err != nil {
		return nil, errFactory.Wrap(ErrHostInit, err)
	}

	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, errFactory.WithData(ErrBusOpen, struct {
			Bus   string
			Error string
		}{
			Bus:   cfg.I2CBus,
			Error: err.Error(),
		})
	}

	board, err := openPeripherals(cfg, bus)
	if err != nil {
		bus.Close()
		return nil, err
	}

	return board, nil
}

func openPeripherals(cfg Config, bus i2c.BusCloser) (*Board, error) {
	addr := cfg.I2CAddress
	if addr == 0 {
		addr = DefaultINA260Address
	}
	sensor, err := NewINA260(bus, addr)
	if err != nil {
		return nil, err
	}

	presencePin, err := lookupPin(cfg.PresencePin)
	if err != nil {
		return nil, err
	}
	presence, err := NewPresencePin(presencePin)
	if err != nil {
		return nil, err
	}

	pwmPin, err := lookupPin(cfg.PWMPin)
	if err != nil {
		return nil, err
	}
	load, err := NewPWMLoad(pwmPin, cfg.PWMFrequency)
	if err != nil {
		return nil, err
	}

	return &Board{Sensor: sensor, Presence: presence, Load: load, bus: bus}, nil
}

// Close drives the load low and releases the bus.
func (b *Board) Close() error {
	offErr := b.Load.SetDuty(0)
	if err := b.bus.Close(); err != nil {
		return err
	}
	return offErr
}
