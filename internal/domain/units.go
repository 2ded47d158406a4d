package domain

import "fmt"

// MilliVolts is a voltage in mV.
type MilliVolts int32

// MilliAmps is a current in mA.
type MilliAmps int32

func (v MilliVolts) Volts() float64 { return float64(v) / 1000 }

func (a MilliAmps) Amps() float64 { return float64(a) / 1000 }

func (v MilliVolts) String() string { return fmt.Sprintf("%.3fV", v.Volts()) }

func (a MilliAmps) String() string { return fmt.Sprintf("%.3fA", a.Amps()) }
