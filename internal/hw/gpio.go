package hw

import (
	"codeberg.org/mutker/battester/internal/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// PresencePin reads the battery-present input; high means present.
type PresencePin struct {
	pin gpio.PinIn
}

func NewPresencePin(pin gpio.PinIn) (*PresencePin, error) {
	if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, pinError(pin.Name(), err)
	}
	return &PresencePin{pin: pin}, nil
}

func (p *PresencePin) BatteryPresent() (bool, error) {
	return p.pin.Read() == gpio.High, nil
}

// PWMLoad drives the load controller with a PWM output.
type PWMLoad struct {
	pin  gpio.PinOut
	freq physic.Frequency
}

// NewPWMLoad starts with the output low.
func NewPWMLoad(pin gpio.PinOut, hz int64) (*PWMLoad, error) {
	if err := pin.Out(gpio.Low); err != nil {
		return nil, pinError(pin.Name(), err)
	}
	return &PWMLoad{pin: pin, freq: physic.Frequency(hz) * physic.Hertz}, nil
}

func (l *PWMLoad) SetDuty(duty uint8) error {
	if duty == 0 {
		return l.pin.Out(gpio.Low)
	}
	if duty >= 100 {
		return l.pin.Out(gpio.High)
	}
	return l.pin.PWM(gpio.Duty(int64(gpio.DutyMax)*int64(duty)/100), l.freq)
}

func lookupPin(name string) (gpio.PinIO, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.New().WithData(ErrPinNotFound, struct {
			Pin string
		}{
			Pin: name,
		})
	}
	return pin, nil
}

func pinError(name string, err error) error {
	return errors.New().WithData(ErrPinConfigure, struct {
		Pin   string
		Error string
	}{
		Pin:   name,
		Error: err.Error(),
	})
}
