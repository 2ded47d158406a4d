// Package recorder buffers the samples of the test in progress.
//
// A Recorder is owned by the controller loop and is not safe for concurrent
// use.
package recorder

import (
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
)

const (
	ErrRecordActive   = errors.ErrorCode("recorder_record_active")
	ErrNoActiveRecord = errors.ErrorCode("recorder_no_active_record")
	ErrNoSamples      = errors.ErrorCode("recorder_no_samples")
)

type Recorder struct {
	active *domain.TestRecord
}

func New() *Recorder {
	return &Recorder{}
}

// Begin opens a fresh record.
func (r *Recorder) Begin(batteryID string, start time.Time) (*domain.TestRecord, error) {
	if r.active != nil {
		return nil, errors.New().WithData(ErrRecordActive, struct {
			BatteryID string
		}{
			BatteryID: r.active.BatteryID,
		})
	}

	r.active = domain.NewTestRecord(batteryID, start)
	return r.active, nil
}

// Append adds one sample to the active record.
func (r *Recorder) Append(s domain.Sample) error {
	if r.active == nil {
		return errors.New().New(ErrNoActiveRecord)
	}
	r.active.Samples = append(r.active.Samples, s)
	return nil
}

// Complete finalizes the active record with its amp-hour result and hands
// it over for persistence. The recorder is empty afterwards.
func (r *Recorder) Complete() (*domain.TestRecord, error) {
	errFactory := errors.New()

	rec := r.active
	if rec == nil {
		return nil, errFactory.New(ErrNoActiveRecord)
	}
	r.active = nil

	if len(rec.Samples) == 0 {
		return nil, errFactory.WithData(ErrNoSamples, struct {
			BatteryID string
		}{
			BatteryID: rec.BatteryID,
		})
	}

	result := domain.ComputeAmpHours(rec.StartTime, rec.Samples)
	rec.Status = domain.StatusCompleted
	rec.Result = &result

	return rec, nil
}

// Abort discards the active record and everything logged into it. It
// returns the number of samples dropped.
func (r *Recorder) Abort() int {
	if r.active == nil {
		return 0
	}
	n := len(r.active.Samples)
	r.active.Status = domain.StatusAborted
	r.active = nil
	return n
}

// Active returns the record in progress, or nil.
func (r *Recorder) Active() *domain.TestRecord {
	return r.active
}
