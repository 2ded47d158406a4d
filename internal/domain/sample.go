package domain

import "time"

// Sample is one current/voltage measurement.
type Sample struct {
	Timestamp time.Time
	Current   MilliAmps
	Voltage   MilliVolts
}

// AveragedReading is the BI's latest published value: the mean current over
// the averaging window and the most recent raw voltage.
type AveragedReading struct {
	CurrentAvg    MilliAmps
	VoltageLatest MilliVolts
}
