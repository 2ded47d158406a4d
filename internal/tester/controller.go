package tester

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/link"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/notify"
	"codeberg.org/mutker/battester/internal/recorder"
	"codeberg.org/mutker/battester/internal/session"
	"codeberg.org/mutker/battester/internal/telemetry"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultCutoff       = domain.MilliVolts(11000)
	DefaultDisconnect   = domain.MilliVolts(1000)
	DefaultLoadDuty     = link.MaxDuty

	shutdownTimeout = time.Second
)

// Link is the part of the session client the controller drives.
type Link interface {
	Poll(ctx context.Context) (session.Poll, error)
	Heartbeat(ctx context.Context) (domain.FaultKind, error)
	SetHeater(ctx context.Context, cmd link.SetHeater) (session.Ack, error)
	ClearFault(ctx context.Context) (domain.FaultKind, error)
}

// Store takes completed records.
type Store interface {
	Persist(rec *domain.TestRecord) error
}

type Config struct {
	Cutoff            domain.MilliVolts
	Disconnect        domain.MilliVolts
	PollInterval      time.Duration
	LoadDuty          uint8
	AllowUndercurrent bool
	Now               func() time.Time
}

func (c Config) validate() error {
	errFactory := errors.New()

	switch {
	case c.Disconnect <= 0, c.Cutoff <= c.Disconnect:
		return errFactory.WithData(ErrInvalidCutoff, struct {
			Cutoff     int32
			Disconnect int32
		}{
			Cutoff:     int32(c.Cutoff),
			Disconnect: int32(c.Disconnect),
		})
	case c.PollInterval <= 0:
		return errFactory.WithMessage(errors.ErrInvalidInterval, "poll interval must be positive")
	case c.LoadDuty == 0 || c.LoadDuty > link.MaxDuty:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "load duty must be within 1..100")
	}
	return nil
}

// Deps are the collaborators of a Controller. Nil Collector and Notifier
// fall back to no-ops.
type Deps struct {
	Link      Link
	Store     Store
	Collector telemetry.Collector
	Notifier  notify.Notifier
	Logger    logger.Logger
}

// Status is a snapshot of the controller.
type Status struct {
	State       string            `json:"state"`
	BatteryID   string            `json:"battery_id,omitempty"`
	Fault       string            `json:"fault,omitempty"`
	Cutoff      domain.MilliVolts `json:"cutoff_mv"`
	Samples     int               `json:"samples"`
	Voltage     domain.MilliVolts `json:"voltage_mv"`
	Current     domain.MilliAmps  `json:"current_ma"`
	LoadElapsed time.Duration     `json:"load_elapsed_ns"`
	LastPoll    time.Time         `json:"last_poll"`

	// RecordsFailed counts completed tests whose record was not stored.
	RecordsFailed uint64 `json:"records_failed,omitempty"`
}

type pollResult struct {
	gen       uint64
	heartbeat bool
	poll      session.Poll
	fault     domain.FaultKind
	err       error
}

type command struct {
	gen  uint64
	kind ActionKind
}

type commandResult struct {
	command
	fault domain.FaultKind
	err   error
}

// Controller owns the test session. Every transition happens on the Run
// goroutine; link I/O runs beside it and reports back over channels.
type Controller struct {
	cfg       Config
	machine   Machine
	link      Link
	store     Store
	collector telemetry.Collector
	notifier  notify.Notifier
	log       logger.Logger

	ops      chan func()
	polls    chan pollResult
	results  chan commandResult
	commands *commandQueue
	stopped  chan struct{}

	recordsFailed atomic.Uint64

	// Owned by the Run goroutine.
	session  Session
	gen      uint64
	recorder *recorder.Recorder
	polling  bool
	last     session.Poll
	lastPoll time.Time
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LoadDuty == 0 {
		cfg.LoadDuty = DefaultLoadDuty
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Link == nil || deps.Store == nil {
		return nil, errors.New().WithMessage(errors.ErrInvalidArgument, "controller needs a link and a store")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Collector == nil {
		deps.Collector, _ = telemetry.NewService(telemetry.Config{}, deps.Logger)
	}
	if deps.Notifier == nil {
		deps.Notifier, _ = notify.New(notify.Config{}, deps.Logger)
	}

	return &Controller{
		cfg:       cfg,
		machine:   Machine{Cutoff: cfg.Cutoff, Disconnect: cfg.Disconnect},
		link:      deps.Link,
		store:     deps.Store,
		collector: deps.Collector,
		notifier:  deps.Notifier,
		log:       deps.Logger,
		ops:       make(chan func()),
		polls:     make(chan pollResult),
		results:   make(chan commandResult),
		commands:  newCommandQueue(),
		stopped:   make(chan struct{}),
		session:   NewSession(),
		recorder:  recorder.New(),
	}, nil
}

// Run processes inputs until ctx is done. On return the load has been told
// to disengage and any unfinished record is discarded.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.runCommands(ctx)
	}()

	c.log.Info().
		Str("cutoff", c.machine.Cutoff.String()).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("Controller started")
	c.collector.SetState(c.session.State.String())
	c.publishState()

	for {
		select {
		case <-ctx.Done():
			<-workerDone
			c.shutdown()
			return nil
		case op := <-c.ops:
			op()
		case <-ticker.C:
			c.startPoll(ctx)
		case r := <-c.polls:
			c.polling = false
			c.handlePoll(r)
		case r := <-c.results:
			c.handleCommand(r)
		}
	}
}

// Submit feeds a user input. Inputs the current state ignores return an
// ErrIgnored error alongside the unchanged status.
func (c *Controller) Submit(ctx context.Context, in Input) (Status, error) {
	errFactory := errors.New()

	switch v := in.(type) {
	case EnterBatteryID:
		if v.ID == "" {
			return Status{}, errFactory.WithMessage(ErrInvalidInput, "battery ID must not be empty")
		}
	case StartTest, PauseTest, CancelTest, Acknowledge:
	default:
		return Status{}, errFactory.WithData(ErrInvalidInput, struct {
			Input string
		}{
			Input: InputName(in),
		})
	}

	var (
		st  Status
		err error
	)
	runErr := c.do(ctx, func() {
		prev := c.session.State
		if !c.feed(in) {
			err = errFactory.WithData(ErrIgnored, struct {
				State string
				Input string
			}{
				State: prev.String(),
				Input: InputName(in),
			})
		}
		st = c.status()
	})
	if runErr != nil {
		return Status{}, runErr
	}
	return st, err
}

// SetCutoff changes the cutoff voltage. It is refused while a test runs.
func (c *Controller) SetCutoff(ctx context.Context, cutoff domain.MilliVolts) (Status, error) {
	errFactory := errors.New()

	var (
		st  Status
		err error
	)
	runErr := c.do(ctx, func() {
		switch {
		case c.session.State == Testing || c.session.State == Paused:
			err = errFactory.WithData(ErrTestRunning, struct {
				State string
			}{
				State: c.session.State.String(),
			})
		case cutoff <= c.machine.Disconnect:
			err = errFactory.WithData(ErrInvalidCutoff, struct {
				Cutoff     int32
				Disconnect int32
			}{
				Cutoff:     int32(cutoff),
				Disconnect: int32(c.machine.Disconnect),
			})
		default:
			c.log.Info().Str("from", c.machine.Cutoff.String()).Str("to", cutoff.String()).Msg("Cutoff changed")
			c.machine.Cutoff = cutoff
		}
		st = c.status()
	})
	if runErr != nil {
		return Status{}, runErr
	}
	return st, err
}

// RecordSaved reports the outcome of an asynchronous save. It is safe to
// call from any goroutine.
func (c *Controller) RecordSaved(rec *domain.TestRecord, err error) {
	if err == nil {
		return
	}
	c.recordsFailed.Add(1)
	c.collector.RecordFailed()
	c.log.Error().
		Err(err).
		Str("record_id", rec.ID.String()).
		Str("battery_id", rec.BatteryID).
		Msg("Completed test was not stored")
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func() { st = c.status() })
	return st, err
}

func (c *Controller) do(ctx context.Context, fn func()) error {
	errFactory := errors.New()

	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}

	select {
	case c.ops <- op:
	case <-c.stopped:
		return errFactory.New(ErrStopped)
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	}
}

func (c *Controller) status() Status {
	st := Status{
		State:       c.session.State.String(),
		BatteryID:   c.session.BatteryID,
		Cutoff:      c.machine.Cutoff,
		Voltage:     c.last.Reading.VoltageLatest,
		Current:     c.last.Reading.CurrentAvg,
		LoadElapsed: c.last.Elapsed,
		LastPoll:    c.lastPoll,

		RecordsFailed: c.recordsFailed.Load(),
	}
	if c.session.Fault != nil {
		st.Fault = c.session.Fault.String()
	}
	if rec := c.recorder.Active(); rec != nil {
		st.Samples = len(rec.Samples)
	}
	return st
}

// feed steps the machine and carries out the resulting actions. It reports
// whether the input had any effect.
func (c *Controller) feed(in Input) bool {
	prev := c.session
	next, actions := c.machine.Step(prev, in)
	if len(actions) == 0 && sameSession(prev, next) {
		return false
	}

	c.session = next
	if next.State == WaitForID && prev.State != WaitForID {
		c.gen++
	}

	for _, a := range actions {
		c.apply(a)
	}
	if next.State != prev.State {
		c.transitioned(prev, next, in)
	}
	if next.State == EndTest {
		c.feed(Auto{})
	}
	return true
}

func sameSession(a, b Session) bool {
	return a.State == b.State && a.BatteryID == b.BatteryID && a.Outcome == b.Outcome && a.Fault == b.Fault
}

func (c *Controller) transitioned(prev, next Session, in Input) {
	ev := c.log.Info().
		Str("from", prev.State.String()).
		Str("to", next.State.String()).
		Str("input", InputName(in))
	if next.BatteryID != "" {
		ev = ev.Str("battery_id", next.BatteryID)
	}
	if next.State == EndTest {
		ev = ev.Str("outcome", next.Outcome.String())
	}
	ev.Msg("State changed")

	if next.Fault != nil && prev.Fault == nil {
		c.log.Warn().
			Str("source", string(next.Fault.Source)).
			Str("fault", next.Fault.Kind.String()).
			Str("detail", next.Fault.Detail).
			Msg("Fault, acknowledgment required")
		c.collector.Fault(string(next.Fault.Source), next.Fault.Kind)
	}

	c.collector.SetState(next.State.String())
	c.publishState()
}

func (c *Controller) publishState() {
	ev := notify.StateEvent{
		State:     c.session.State.String(),
		BatteryID: c.session.BatteryID,
		Timestamp: c.cfg.Now(),
	}
	if c.session.Fault != nil {
		ev.Fault = c.session.Fault.String()
	}
	c.notifier.StateChanged(ev)
}

func (c *Controller) apply(a Action) {
	switch a.Kind {
	case EngageLoad, DisengageLoad, ClearFault:
		c.commands.push(command{gen: c.gen, kind: a.Kind})

	case BeginRecord:
		if c.recorder.Active() != nil {
			c.log.Warn().Msg("Discarding stale record before starting a new one")
			c.recorder.Abort()
		}
		rec, err := c.recorder.Begin(a.BatteryID, c.cfg.Now())
		if err != nil {
			c.log.ErrorWithContext(err, "recorder", "begin").Send()
			return
		}
		c.log.Info().Str("record_id", rec.ID.String()).Str("battery_id", rec.BatteryID).Msg("Test started")

	case AppendSample:
		if err := c.recorder.Append(a.Sample); err != nil {
			c.log.ErrorWithContext(err, "recorder", "append").Send()
		}

	case CompleteRecord:
		rec, err := c.recorder.Complete()
		if err != nil {
			c.log.ErrorWithContext(err, "recorder", "complete").Send()
			c.collector.TestFinished(domain.StatusAborted)
			return
		}
		c.log.Info().
			Str("record_id", rec.ID.String()).
			Str("battery_id", rec.BatteryID).
			Float64("amp_hours", rec.Result.AmpHours).
			Dur("duration", rec.Result.Duration).
			Int("samples", len(rec.Samples)).
			Msg("Test completed")
		if err := c.store.Persist(rec); err != nil {
			c.RecordSaved(rec, err)
		}
		c.collector.TestFinished(domain.StatusCompleted)
		c.notifier.TestCompleted(notify.NewResultEvent(rec))

	case AbortRecord:
		if c.recorder.Active() == nil {
			return
		}
		n := c.recorder.Abort()
		c.log.Info().Int("samples", n).Msg("Test aborted, record discarded")
		c.collector.TestFinished(domain.StatusAborted)
	}
}

// polled reports whether state s reads measurements; other states only
// keep the BI watchdog fed.
func polled(s State) bool {
	switch s {
	case WaitForBattery, WaitForStart, Testing, Paused:
		return true
	}
	return false
}

func (c *Controller) startPoll(ctx context.Context) {
	if c.polling {
		return
	}
	c.polling = true

	r := pollResult{gen: c.gen, heartbeat: !polled(c.session.State)}
	go func() {
		if r.heartbeat {
			r.fault, r.err = c.link.Heartbeat(ctx)
		} else {
			r.poll, r.err = c.link.Poll(ctx)
			r.fault = r.poll.Fault
		}
		select {
		case c.polls <- r:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) handlePoll(r pollResult) {
	if r.err != nil {
		if r.heartbeat || r.gen != c.gen || !polled(c.session.State) {
			c.log.Warn().Err(r.err).Bool("heartbeat", r.heartbeat).Msg("Link request failed")
			return
		}
		c.feed(Fault{Info: linkFault(r.err)})
		return
	}

	if r.heartbeat {
		if r.fault != domain.FaultNone {
			c.log.Debug().Str("fault", r.fault.String()).Msg("BI reports latched fault")
		}
		return
	}

	now := c.cfg.Now()
	c.last = r.poll
	c.lastPoll = now
	c.collector.ObserveReading(r.poll.Reading)

	if r.gen != c.gen {
		return
	}
	if r.fault != domain.FaultNone {
		c.feed(Fault{Info: FaultInfo{Source: SourceBI, Kind: r.fault}})
		return
	}
	c.feed(Reading{Sample: domain.Sample{
		Timestamp: now,
		Current:   r.poll.Reading.CurrentAvg,
		Voltage:   r.poll.Reading.VoltageLatest,
	}})
}

func (c *Controller) handleCommand(r commandResult) {
	if r.err == nil && r.fault == domain.FaultNone {
		return
	}
	if r.gen != c.gen || r.kind == ClearFault {
		c.log.Warn().Err(r.err).Str("command", r.kind.String()).Str("fault", r.fault.String()).Msg("Load command failed")
		return
	}

	info := FaultInfo{Source: SourceBI, Kind: r.fault, Detail: r.kind.String()}
	if r.err != nil {
		info = linkFault(r.err)
	}
	c.feed(Fault{Info: info})
}

func linkFault(err error) FaultInfo {
	detail := string(errors.CodeOf(err))
	if detail == "" {
		detail = err.Error()
	}
	return FaultInfo{Source: SourceLink, Kind: domain.FaultBatteryDisconnected, Detail: detail}
}

// runCommands sends load and fault commands in the order they were queued.
func (c *Controller) runCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.commands.ready:
		}

		for {
			cmd, ok := c.commands.pop()
			if !ok {
				break
			}
			r := c.execute(ctx, cmd)
			select {
			case c.results <- r:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) execute(ctx context.Context, cmd command) commandResult {
	r := commandResult{command: cmd}

	switch cmd.kind {
	case EngageLoad:
		var ack session.Ack
		ack, r.err = c.link.SetHeater(ctx, link.SetHeater{Duty: c.cfg.LoadDuty, AllowUndercurrent: c.cfg.AllowUndercurrent})
		r.fault = ack.Fault
		if r.err == nil && ack.Status != link.StatusOK && r.fault == domain.FaultNone {
			r.err = errors.New().WithMessage(errors.ErrOperationFailed, "load engage "+ack.Status.String())
		}
	case DisengageLoad:
		// A latched fault already holds the load off; only the link
		// failing matters here.
		_, r.err = c.link.SetHeater(ctx, link.SetHeater{})
	case ClearFault:
		var prev domain.FaultKind
		prev, r.err = c.link.ClearFault(ctx)
		if r.err == nil && prev != domain.FaultNone {
			c.log.Info().Str("fault", prev.String()).Msg("BI fault cleared")
		}
	}

	c.log.Debug().Str("command", cmd.kind.String()).Err(r.err).Msg("Load command sent")

	return r
}

func (c *Controller) shutdown() {
	if c.recorder.Active() != nil {
		n := c.recorder.Abort()
		c.log.Warn().Int("samples", n).Msg("Shutting down mid-test, record discarded")
		c.collector.TestFinished(domain.StatusAborted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if _, err := c.link.SetHeater(ctx, link.SetHeater{}); err != nil {
		c.log.ErrorWithContext(err, "controller", "disengage").Msg("Could not disengage load on shutdown")
		return
	}
	c.log.Info().Msg("Load disengaged")
}

type commandQueue struct {
	mu    sync.Mutex
	items []command
	ready chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{ready: make(chan struct{}, 1)}
}

func (q *commandQueue) push(cmd command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *commandQueue) pop() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return command{}, false
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	return cmd, true
}
