package telemetry

import (
	"context"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
)

// Collector receives host-side events worth exporting.
type Collector interface {
	SetState(state string)
	ObserveReading(r domain.AveragedReading)
	TestFinished(status domain.RecordStatus)
	// RecordFailed counts a completed test whose record was not stored.
	RecordFailed()
	Fault(source string, kind domain.FaultKind)
	ObserveRequest(kind string, elapsed time.Duration, err error)
	Serve(ctx context.Context) error
}
