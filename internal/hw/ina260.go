package hw

import (
	"encoding/binary"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"periph.io/x/conn/v3/i2c"
)

const (
	regConfig  = 0x00
	regCurrent = 0x01
	regVoltage = 0x02
	regDieID   = 0xFF

	// 4-sample averaging, 4.156 ms bus and shunt conversion, continuous.
	ina260Config = 0x63B7
	ina260DieID  = 0x227

	// 1.25 mA and 1.25 mV per LSB.
	lsbNumerator   = 125
	lsbDenominator = 100

	DefaultINA260Address = 0x40
)

// INA260 reads current and bus voltage from a TI INA260 power monitor.
type INA260 struct {
	dev *i2c.Dev
}

// NewINA260 checks the die ID and programs the averaging configuration.
func NewINA260(bus i2c.Bus, addr uint16) (*INA260, error) {
	s := &INA260{dev: &i2c.Dev{Bus: bus, Addr: addr}}

	id, err := s.readRegister(regDieID)
	if err != nil {
		return nil, err
	}
	if id>>4 != ina260DieID {
		return nil, errors.New().WithData(ErrDeviceID, struct {
			Addr uint16
			ID   uint16
		}{
			Addr: addr,
			ID:   id,
		})
	}

	if err := s.writeRegister(regConfig, ina260Config); err != nil {
		return nil, err
	}

	return s, nil
}

// Read returns the absolute current and the bus voltage.
func (s *INA260) Read() (domain.MilliAmps, domain.MilliVolts, error) {
	rawCurrent, err := s.readRegister(regCurrent)
	if err != nil {
		return 0, 0, err
	}
	rawVoltage, err := s.readRegister(regVoltage)
	if err != nil {
		return 0, 0, err
	}

	current := int32(int16(rawCurrent)) * lsbNumerator / lsbDenominator
	if current < 0 {
		current = -current
	}
	voltage := int32(rawVoltage) * lsbNumerator / lsbDenominator

	return domain.MilliAmps(current), domain.MilliVolts(voltage), nil
}

func (s *INA260) readRegister(reg byte) (uint16, error) {
	buf := make([]byte, 2)
	if err := s.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, registerError("read", reg, err)
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (s *INA260) writeRegister(reg byte, value uint16) error {
	if err := s.dev.Tx([]byte{reg, byte(value >> 8), byte(value)}, nil); err != nil {
		return registerError("write", reg, err)
	}
	return nil
}

func registerError(op string, reg byte, err error) error {
	return errors.New().WithData(ErrRegister, struct {
		Op       string
		Register byte
		Error    string
	}{
		Op:       op,
		Register: reg,
		Error:    err.Error(),
	})
}
