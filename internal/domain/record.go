package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecordStatus is the lifecycle status of a TestRecord.
type RecordStatus string

const (
	StatusInProgress RecordStatus = "in_progress"
	StatusCompleted  RecordStatus = "completed"
	StatusAborted    RecordStatus = "aborted"
)

// TestRecord is the log of one discharge test.
type TestRecord struct {
	ID        uuid.UUID
	BatteryID string
	StartTime time.Time
	Samples   []Sample
	Status    RecordStatus
	Result    *AmpHourResult
}

// NewTestRecord starts an in-progress record for batteryID.
func NewTestRecord(batteryID string, start time.Time) *TestRecord {
	return &TestRecord{
		ID:        uuid.New(),
		BatteryID: batteryID,
		StartTime: start,
		Samples:   make([]Sample, 0, 256),
		Status:    StatusInProgress,
	}
}

// AmpHourResult is derived once from a completed record.
type AmpHourResult struct {
	AmpHours       float64
	Duration       time.Duration
	AverageCurrent float64 // A
}

// ComputeAmpHours derives the amp-hour rating from a record's samples. The
// duration runs from the record's start time to its last sample; the average
// current is the arithmetic mean over all samples.
func ComputeAmpHours(start time.Time, samples []Sample) AmpHourResult {
	if len(samples) == 0 {
		return AmpHourResult{}
	}

	var sum float64
	for _, s := range samples {
		sum += s.Current.Amps()
	}
	avg := sum / float64(len(samples))

	duration := samples[len(samples)-1].Timestamp.Sub(start)
	if duration < 0 {
		duration = 0
	}

	return AmpHourResult{
		AmpHours:       avg * duration.Hours(),
		Duration:       duration,
		AverageCurrent: avg,
	}
}
