package bi

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/link"
	"codeberg.org/mutker/battester/internal/logger"
	"golang.org/x/sync/errgroup"
)

// TickInterval is the sampling period.
const TickInterval = 100 * time.Millisecond

// Config wires a Unit.
type Config struct {
	Sensor   Sensor
	Presence Presence
	Load     Load
	Limits   SafetyLimits
	Clock    Clock
	Interval time.Duration
}

// Stats counts loop activity.
type Stats struct {
	Ticks  uint64
	Missed uint64
	Faults uint64
}

// Unit is the BI runtime: a fixed-rate tick running Sampler, Averager and
// SafetyMonitor, and a Listener serving the link concurrently. The tick
// holds the gate while it runs so a frame arriving mid-tick is handled
// after that tick's safety evaluation.
type Unit struct {
	sampler   *Sampler
	averager  *Averager
	interlock *Interlock
	liveness  *Liveness
	monitor   *SafetyMonitor
	listener  *Listener
	clock     Clock
	interval  time.Duration
	gate      sync.Mutex
	log       logger.Logger

	ticks  atomic.Uint64
	missed atomic.Uint64
	faults atomic.Uint64
}

func NewUnit(cfg Config, log logger.Logger) (*Unit, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = TickInterval
	}

	u := &Unit{
		sampler:   NewSampler(cfg.Sensor, cfg.Presence, cfg.Clock),
		averager:  NewAverager(),
		interlock: NewInterlock(cfg.Load, cfg.Clock),
		liveness:  NewLiveness(cfg.Clock.Now()),
		clock:     cfg.Clock,
		interval:  cfg.Interval,
		log:       log,
	}
	u.monitor = NewSafetyMonitor(cfg.Limits, u.interlock, u.liveness)
	u.listener = NewListener(u.interlock, u.averager, u.liveness, cfg.Clock, &u.gate, log.With("listener"))

	return u, nil
}

// Run drives the tick loop and the listener until ctx is done. rw is closed
// on return if it implements io.Closer, and the load is left off.
func (u *Unit) Run(ctx context.Context, rw io.ReadWriter) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u.loop(ctx)
		return nil
	})

	g.Go(func() error {
		return u.listener.Serve(ctx, rw)
	})

	g.Go(func() error {
		<-ctx.Done()
		if c, ok := rw.(io.Closer); ok {
			return c.Close()
		}
		return nil
	})

	err := g.Wait()

	if _, offErr := u.interlock.Command(link.SetHeater{}); offErr != nil {
		u.log.Error().Err(offErr).Msg("Failed to disengage load on exit")
	}

	return err
}

func (u *Unit) loop(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.log.Info().Dur("interval", u.interval).Msg("Acquisition loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Step()
		}
	}
}

// Step runs one tick: sample, average, then evaluate safety. A tick that
// overruns its interval is counted as missed; it is not retried.
func (u *Unit) Step() {
	u.gate.Lock()
	defer u.gate.Unlock()

	start := u.clock.Now()
	u.ticks.Add(1)

	tick := u.sampler.Sample()
	switch {
	case tick.HaveSample:
		u.averager.Add(tick.Sample)
	case !tick.BatteryPresent:
		// No battery reads as zero rather than the last pack's values.
		u.averager.Reset()
	}

	now := u.clock.Now()
	kind, err := u.monitor.Evaluate(tick, now)
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to force load off")
	}
	if kind != domain.FaultNone {
		u.faults.Add(1)
		u.log.Warn().
			Str("fault", kind.String()).
			Int32("current_ma", int32(tick.Sample.Current)).
			Int32("voltage_mv", int32(tick.Sample.Voltage)).
			Msg("Fault latched, load forced off")
	}

	if tick.Err != nil && kind == domain.FaultNone {
		u.missed.Add(1)
		u.log.Debug().Err(tick.Err).Msg("Tick missed")
		return
	}

	if elapsed := u.clock.Now().Sub(start); elapsed > u.interval {
		u.missed.Add(1)
		u.log.Debug().Dur("elapsed", elapsed).Msg("Tick overran interval")
	}
}

// Handle passes one frame to the listener; used when frames arrive through
// a transport other than Run's reader.
func (u *Unit) Handle(f link.Frame) (link.Frame, bool) {
	return u.listener.Handle(f)
}

// Reading returns the latest averaged reading.
func (u *Unit) Reading() domain.AveragedReading {
	return u.averager.Reading()
}

// State returns the interlock state.
func (u *Unit) State() State {
	return u.interlock.State()
}

func (u *Unit) Stats() Stats {
	return Stats{
		Ticks:  u.ticks.Load(),
		Missed: u.missed.Load(),
		Faults: u.faults.Load(),
	}
}
