package domain

// FaultKind identifies a hardware fault raised by the BI.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	FaultBatteryDisconnected
	FaultCurrentOutOfRange
	FaultCommandTimeout
	FaultSensor
)

var faultNames = map[FaultKind]string{
	FaultNone:                "None",
	FaultBatteryDisconnected: "BatteryDisconnected",
	FaultCurrentOutOfRange:   "CurrentOutOfRange",
	FaultCommandTimeout:      "CommandTimeout",
	FaultSensor:              "SensorFault",
}

func (f FaultKind) String() string {
	if name, ok := faultNames[f]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether f is a known fault kind.
func (f FaultKind) Valid() bool {
	_, ok := faultNames[f]
	return ok
}
