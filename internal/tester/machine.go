// Package tester runs the test lifecycle: a pure state machine and the
// controller loop that feeds it and carries out its actions.
package tester

import (
	"codeberg.org/mutker/battester/internal/domain"
)

// State is a test lifecycle state.
type State int

const (
	WaitForID State = iota
	WaitForBattery
	WaitForStart
	Testing
	Paused
	BatteryDisconnect
	EndTest
)

var stateNames = [...]string{
	WaitForID:         "WaitForID",
	WaitForBattery:    "WaitForBattery",
	WaitForStart:      "WaitForStart",
	Testing:           "Testing",
	Paused:            "Paused",
	BatteryDisconnect: "BatteryDisconnect",
	EndTest:           "EndTest",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// AllStates lists every state in declaration order.
var AllStates = []State{WaitForID, WaitForBattery, WaitForStart, Testing, Paused, BatteryDisconnect, EndTest}

// Outcome is how a test ended; set only in EndTest.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "none"
	}
}

// FaultSource says who detected a fault.
type FaultSource string

const (
	SourceBI      FaultSource = "bi"
	SourceLink    FaultSource = "link"
	SourceVoltage FaultSource = "voltage"
)

// FaultInfo is the fault that put a session into BatteryDisconnect.
type FaultInfo struct {
	Source FaultSource
	Kind   domain.FaultKind
	Detail string
}

func (f FaultInfo) String() string {
	s := string(f.Source) + ": " + f.Kind.String()
	if f.Detail != "" {
		s += " (" + f.Detail + ")"
	}
	return s
}

// Session is one pass through the lifecycle. It is a value: Step returns a
// new Session and a fresh one replaces it on every return to WaitForID.
type Session struct {
	State     State
	BatteryID string
	Fault     *FaultInfo
	Outcome   Outcome
}

// NewSession returns a session waiting for a battery ID.
func NewSession() Session {
	return Session{State: WaitForID}
}

// Input is anything the machine reacts to.
type Input interface {
	input()
}

// EnterBatteryID is the user entering a battery ID.
type EnterBatteryID struct{ ID string }

// StartTest is the user starting the test.
type StartTest struct{}

// PauseTest is the user pausing the test.
type PauseTest struct{}

// CancelTest is the user cancelling.
type CancelTest struct{}

// Acknowledge is the user acknowledging a fault.
type Acknowledge struct{}

// Reading is one polled measurement.
type Reading struct{ Sample domain.Sample }

// Fault is a hardware fault reported by the BI or a sustained link fault.
type Fault struct{ Info FaultInfo }

// Auto is the automatic step out of EndTest.
type Auto struct{}

func (EnterBatteryID) input() {}
func (StartTest) input()      {}
func (PauseTest) input()      {}
func (CancelTest) input()     {}
func (Acknowledge) input()    {}
func (Reading) input()        {}
func (Fault) input()          {}
func (Auto) input()           {}

// InputName names an input for logs and errors.
func InputName(in Input) string {
	switch in.(type) {
	case EnterBatteryID:
		return "battery_id"
	case StartTest:
		return "start"
	case PauseTest:
		return "pause"
	case CancelTest:
		return "cancel"
	case Acknowledge:
		return "acknowledge"
	case Reading:
		return "reading"
	case Fault:
		return "fault"
	case Auto:
		return "auto"
	default:
		return "unknown"
	}
}

// ActionKind is a side effect requested by a transition.
type ActionKind int

const (
	EngageLoad ActionKind = iota
	DisengageLoad
	BeginRecord
	AppendSample
	CompleteRecord
	AbortRecord
	ClearFault
)

func (k ActionKind) String() string {
	switch k {
	case EngageLoad:
		return "engage_load"
	case DisengageLoad:
		return "disengage_load"
	case BeginRecord:
		return "begin_record"
	case AppendSample:
		return "append_sample"
	case CompleteRecord:
		return "complete_record"
	case AbortRecord:
		return "abort_record"
	case ClearFault:
		return "clear_fault"
	default:
		return "unknown"
	}
}

// Action is one side effect. Sample is set for AppendSample and BatteryID
// for BeginRecord.
type Action struct {
	Kind      ActionKind
	Sample    domain.Sample
	BatteryID string
}

// Machine holds the voltage thresholds the transitions are guarded by.
type Machine struct {
	Cutoff     domain.MilliVolts
	Disconnect domain.MilliVolts
}

// Step applies in to s. Inputs a state does not handle return s unchanged
// with no actions.
func (m Machine) Step(s Session, in Input) (Session, []Action) {
	switch s.State {
	case WaitForID:
		return m.waitForID(s, in)
	case WaitForBattery:
		return m.waitForBattery(s, in)
	case WaitForStart:
		return m.waitForStart(s, in)
	case Testing:
		return m.testing(s, in)
	case Paused:
		return m.paused(s, in)
	case BatteryDisconnect:
		return m.batteryDisconnect(s, in)
	case EndTest:
		return m.endTest(s, in)
	}
	return s, nil
}

func (m Machine) waitForID(s Session, in Input) (Session, []Action) {
	if v, ok := in.(EnterBatteryID); ok && v.ID != "" {
		s.State = WaitForBattery
		s.BatteryID = v.ID
		return s, nil
	}
	return s, nil
}

func (m Machine) waitForBattery(s Session, in Input) (Session, []Action) {
	switch v := in.(type) {
	case CancelTest:
		return NewSession(), nil
	case Reading:
		if v.Sample.Voltage > m.Cutoff {
			s.State = WaitForStart
		}
		return s, nil
	case Fault:
		return disconnect(s, v.Info), []Action{{Kind: DisengageLoad}}
	}
	return s, nil
}

func (m Machine) waitForStart(s Session, in Input) (Session, []Action) {
	switch v := in.(type) {
	case CancelTest:
		return NewSession(), nil
	case StartTest:
		s.State = Testing
		return s, []Action{
			{Kind: BeginRecord, BatteryID: s.BatteryID},
			{Kind: EngageLoad},
		}
	case Reading:
		if v.Sample.Voltage < m.Disconnect {
			return disconnect(s, voltageFault(v)), nil
		}
		return s, nil
	case Fault:
		return disconnect(s, v.Info), []Action{{Kind: DisengageLoad}}
	}
	return s, nil
}

func (m Machine) testing(s Session, in Input) (Session, []Action) {
	switch v := in.(type) {
	case Reading:
		switch {
		case v.Sample.Voltage < m.Disconnect:
			return disconnect(s, voltageFault(v)), []Action{{Kind: DisengageLoad}, {Kind: AbortRecord}}
		case v.Sample.Voltage <= m.Cutoff:
			s.State = EndTest
			s.Outcome = OutcomeCompleted
			return s, []Action{{Kind: AppendSample, Sample: v.Sample}}
		default:
			return s, []Action{{Kind: AppendSample, Sample: v.Sample}}
		}
	case PauseTest:
		s.State = Paused
		return s, []Action{{Kind: DisengageLoad}}
	case CancelTest:
		s.State = EndTest
		s.Outcome = OutcomeAborted
		return s, nil
	case Fault:
		return disconnect(s, v.Info), []Action{{Kind: DisengageLoad}, {Kind: AbortRecord}}
	}
	return s, nil
}

func (m Machine) paused(s Session, in Input) (Session, []Action) {
	switch v := in.(type) {
	case Reading:
		if v.Sample.Voltage < m.Disconnect {
			return disconnect(s, voltageFault(v)), []Action{{Kind: AbortRecord}}
		}
		return s, nil
	case CancelTest:
		s.State = EndTest
		s.Outcome = OutcomeAborted
		return s, nil
	case Fault:
		return disconnect(s, v.Info), []Action{{Kind: DisengageLoad}, {Kind: AbortRecord}}
	}
	return s, nil
}

func (m Machine) batteryDisconnect(s Session, in Input) (Session, []Action) {
	if _, ok := in.(Acknowledge); ok {
		return NewSession(), []Action{{Kind: ClearFault}}
	}
	return s, nil
}

func (m Machine) endTest(s Session, in Input) (Session, []Action) {
	if _, ok := in.(Auto); !ok {
		return s, nil
	}

	final := Action{Kind: AbortRecord}
	if s.Outcome == OutcomeCompleted {
		final = Action{Kind: CompleteRecord}
	}
	return NewSession(), []Action{{Kind: DisengageLoad}, final}
}

func disconnect(s Session, info FaultInfo) Session {
	s.State = BatteryDisconnect
	s.Fault = &info
	return s
}

func voltageFault(r Reading) FaultInfo {
	return FaultInfo{
		Source: SourceVoltage,
		Kind:   domain.FaultBatteryDisconnected,
		Detail: r.Sample.Voltage.String(),
	}
}
