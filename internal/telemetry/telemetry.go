package telemetry

import (
	"context"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
)

// States lists every value SetState may receive; each gets a series so
// dashboards see zeros rather than gaps.
var States = []string{
	"WaitForID",
	"WaitForBattery",
	"WaitForStart",
	"Testing",
	"Paused",
	"BatteryDisconnect",
	"EndTest",
}

// NewService returns a Prometheus collector, or a no-op one when disabled.
func NewService(cfg Config, log logger.Logger) (Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Telemetry disabled, using no-op collector")
		return &noopCollector{}, nil
	}

	log.Debug().Str("addr", cfg.Addr).Msg("Telemetry enabled")

	return newPromCollector(cfg, log), nil
}

// No-op implementation
type noopCollector struct{}

func (*noopCollector) SetState(string) {}

func (*noopCollector) ObserveReading(domain.AveragedReading) {}

func (*noopCollector) TestFinished(domain.RecordStatus) {}

func (*noopCollector) RecordFailed() {}

func (*noopCollector) Fault(string, domain.FaultKind) {}

func (*noopCollector) ObserveRequest(string, time.Duration, error) {}

func (*noopCollector) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
