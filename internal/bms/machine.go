// Package bms implements the supervisory state machine of the battery
// management system: contactor sequencing, precharge, string selection and
// fault driven shutdown.
//
// The machine is driven by Trigger, which must be called periodically from a
// single goroutine. Nothing in the package blocks; waits are expressed as a
// number of trigger calls to skip.
package bms

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

// AssertionError is raised via panic on internal inconsistencies.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return "bms assertion failed: " + e.Msg
}

func assert(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertionError{Msg: fmt.Sprintf(format, args...)})
	}
}

// Context is the complete state of the machine. It is only touched by
// Trigger and its helpers, except stateRequest which is guarded by
// Machine.requestMu.
type Context struct {
	state        State
	substate     Substate
	lastState    State
	lastSubstate Substate

	stateRequest Request
	timer        int
	nextState    State
	powerPath    PowerPath

	closedStrings             [battery.NumStrings]bool
	closedPrechargeContactors [battery.NumStrings]bool
	deactivatedStrings        [battery.NumStrings]bool

	numberOfClosedStrings int
	firstClosedString     int
	stringToBeOpened      int
	stringToBeClosed      int
	contactorToBeOpened   battery.ContactorType

	oscillationTimeout    int
	stringOpenTimeout     int
	stringCloseTimeout    int
	nextStringClosedTimer int

	prechargeTryCounter int
	commandRetries      int

	timeAboveContactorBreakCurrent time.Duration

	remainingDelay         time.Duration
	minimumActiveDelay     time.Duration
	transitionToErrorState bool
	lastDelayCheck         time.Time

	currentFlowState battery.CurrentFlow
	lastFlowTime     time.Time

	pack     battery.PackValues
	minMax   battery.MinMax
	openWire battery.OpenWire
}

// Status is a copy of the externally visible part of the context.
type Status struct {
	State                 State
	Substate              Substate
	PowerPath             PowerPath
	CurrentFlow           battery.CurrentFlow
	ClosedStrings         [battery.NumStrings]bool
	DeactivatedStrings    [battery.NumStrings]bool
	NumberOfClosedStrings int
}

// CANState is the system state tag reported to the vehicle.
func (s Status) CANState() string {
	switch s.State {
	case StateUninitialized, StateInitialization, StateInitialized, StateIdle:
		return "init"
	case StateStandby:
		return "standby"
	case StatePrecharge:
		return "precharge"
	case StateNormal:
		if s.PowerPath == PowerPathCharge {
			return "charge"
		}
		return "normal"
	case StateOpenContactors:
		return "opening"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Machine is the supervisory state machine.
type Machine struct {
	cfg     Config
	battery *battery.Config
	deps    Dependencies
	logger  *log.Logger
	now     func() time.Time
	fatal   []diag.Config

	running  atomic.Bool
	initDone atomic.Bool

	requestMu sync.Mutex

	deactivateMu      sync.Mutex
	pendingDeactivate [battery.NumStrings]*bool

	ctx Context
}

// New builds a machine in state UNINITIALIZED. All dependencies except
// LoadBreak are required.
func New(cfg Config, batteryCfg *battery.Config, deps Dependencies, logger *log.Logger) *Machine {
	assert(cfg.Tick > 0, "tick must be positive")
	assert(batteryCfg != nil, "nil battery config")
	assert(deps.Data != nil && deps.Contactors != nil && deps.IMD != nil, "missing hardware dependency")
	assert(deps.Balancing != nil && deps.Indicator != nil && deps.Mode != nil, "missing control dependency")
	assert(deps.Faults != nil && deps.SOA != nil, "missing diagnosis dependency")

	m := &Machine{
		cfg:     cfg,
		battery: batteryCfg,
		deps:    deps,
		logger:  logger,
		now:     time.Now,
		fatal:   deps.Faults.FatalFaults(),
	}
	m.ctx.firstClosedString = NoStringAvailable
	m.ctx.stringToBeClosed = NoStringAvailable
	return m
}

// SetStateRequest submits an external state request. Only INIT is accepted,
// and only while the machine is uninitialized and no request is pending.
func (m *Machine) SetStateRequest(r Request) RequestResult {
	m.requestMu.Lock()
	defer m.requestMu.Unlock()

	if m.ctx.stateRequest != RequestNone {
		return RequestPending
	}
	if r != RequestInit {
		return RequestIllegal
	}
	if m.initDone.Load() {
		return RequestAlreadyInitialized
	}
	m.ctx.stateRequest = r
	return RequestOK
}

func (m *Machine) transferStateRequest() Request {
	m.requestMu.Lock()
	defer m.requestMu.Unlock()

	r := m.ctx.stateRequest
	m.ctx.stateRequest = RequestNone
	return r
}

// SetStringDeactivated excludes a string from selection, or includes it
// again. The change takes effect at the start of the next trigger call.
func (m *Machine) SetStringDeactivated(stringNumber int, deactivated bool) error {
	if stringNumber < 0 || stringNumber >= battery.NumStrings {
		return fmt.Errorf("string %d out of range", stringNumber)
	}
	m.deactivateMu.Lock()
	m.pendingDeactivate[stringNumber] = &deactivated
	m.deactivateMu.Unlock()
	return nil
}

func (m *Machine) applyDeactivations() {
	m.deactivateMu.Lock()
	defer m.deactivateMu.Unlock()

	for s, pending := range m.pendingDeactivate {
		if pending == nil {
			continue
		}
		if m.ctx.deactivatedStrings[s] != *pending {
			m.logger.Printf("String %d deactivated: %v", s, *pending)
		}
		m.ctx.deactivatedStrings[s] = *pending
		m.pendingDeactivate[s] = nil
	}
}

// Trigger runs one cycle of the machine. Overlapping calls are dropped.
func (m *Machine) Trigger() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	m.applyDeactivations()

	if m.ctx.state != StateUninitialized {
		m.deps.Data.ReadPackValues(&m.ctx.pack)
		m.deps.Data.ReadMinMax(&m.ctx.minMax)
		m.deps.Data.ReadOpenWire(&m.ctx.openWire)
		m.updateCurrentFlow()
		m.checkMeasurementAge()

		m.deps.SOA.CheckVoltages(&m.ctx.minMax)
		m.deps.SOA.CheckTemperatures(&m.ctx.minMax, &m.ctx.pack)
		m.deps.SOA.CheckCurrent(&m.ctx.pack)
		m.checkOpenWire()

		m.deps.Contactors.RefreshFeedback()
		m.checkContactorFeedback()
	}

	m.decrementTimers()

	if m.ctx.timer > 0 {
		m.ctx.timer--
		return
	}

	k := stateKey{m.ctx.state, m.ctx.substate}
	h, ok := transitions[k]
	assert(ok, "no handler for %s/%s", k.state, k.substate)

	m.apply(h(m))
}

func (m *Machine) apply(next step) {
	if next.state != m.ctx.state {
		assert(next.substate == SubstateEntry, "entering %s in substate %s", next.state, next.substate)
		m.logger.Printf("BMS state: %s/%s -> %s/%s", m.ctx.state, m.ctx.substate, next.state, next.substate)
	}

	m.ctx.lastState = m.ctx.state
	m.ctx.lastSubstate = m.ctx.substate
	m.ctx.state = next.state
	m.ctx.substate = next.substate
	m.ctx.timer = next.timer

	if next.state != StateUninitialized {
		m.initDone.Store(true)
	}
}

func (m *Machine) decrementTimers() {
	dec := func(t *int) {
		if *t > 0 {
			*t--
		}
	}
	dec(&m.ctx.nextStringClosedTimer)
	dec(&m.ctx.stringOpenTimeout)
	dec(&m.ctx.stringCloseTimeout)
	dec(&m.ctx.oscillationTimeout)
}

// updateCurrentFlow classifies the pack current. After charging or
// discharging stops the pack stays in relaxation for RelaxationPeriod.
func (m *Machine) updateCurrentFlow() {
	if m.ctx.pack.InvalidPackCurrent {
		return
	}
	now := m.now()
	flow := m.battery.CurrentFlowDirection(m.ctx.pack.PackCurrent)

	switch flow {
	case battery.FlowCharging, battery.FlowDischarging:
		m.ctx.currentFlowState = flow
		m.ctx.lastFlowTime = now
	default:
		if m.ctx.currentFlowState == battery.FlowAtRest {
			return
		}
		if now.Sub(m.ctx.lastFlowTime) < m.battery.RelaxationPeriod {
			m.ctx.currentFlowState = battery.FlowRelaxation
		} else {
			m.ctx.currentFlowState = battery.FlowAtRest
		}
	}
}

// checkMeasurementAge raises a system fault while the snapshot has stopped
// updating, so limit checks never run on frozen values.
func (m *Machine) checkMeasurementAge() {
	if m.cfg.MeasurementTimeout <= 0 || m.ctx.pack.Timestamp.IsZero() {
		return
	}
	event := diag.EventOK
	if m.now().Sub(m.ctx.pack.Timestamp) > m.cfg.MeasurementTimeout {
		event = diag.EventNotOK
	}
	if err := m.deps.Faults.Handler(diag.IDMeasurementTimeout, event, diag.ScopeSystem, 0); err != nil {
		m.logger.Printf("Failed to report measurement timeout: %v", err)
	}
}

func (m *Machine) checkOpenWire() {
	for s := 0; s < battery.NumStrings; s++ {
		m.report(diag.IDOpenWire, m.ctx.openWire.Detected[s], s)
	}
}

func (m *Machine) checkContactorFeedback() {
	for s := 0; s < battery.NumStrings; s++ {
		valid := true
		for _, cc := range m.battery.Contactors {
			if cc.String == s && cc.HasFeedback && !m.deps.Contactors.FeedbackValid(s, cc.Type) {
				valid = false
			}
		}
		m.report(diag.IDContactorFeedback, !valid, s)
	}
}

func (m *Machine) report(id diag.ID, violated bool, stringNumber int) {
	event := diag.EventOK
	if violated {
		event = diag.EventNotOK
	}
	if err := m.deps.Faults.Handler(id, event, diag.ScopeString, stringNumber); err != nil {
		m.logger.Printf("Failed to report diagnosis %d: %v", id, err)
	}
}

// Status returns a copy of the externally visible state. It must be called
// from the goroutine that calls Trigger.
func (m *Machine) Status() Status {
	return Status{
		State:                 m.ctx.state,
		Substate:              m.ctx.substate,
		PowerPath:             m.ctx.powerPath,
		CurrentFlow:           m.ctx.currentFlowState,
		ClosedStrings:         m.ctx.closedStrings,
		DeactivatedStrings:    m.ctx.deactivatedStrings,
		NumberOfClosedStrings: m.ctx.numberOfClosedStrings,
	}
}

// IsStringClosed reports whether current may flow through the string: it is
// connected, precharging, or its plus contactor is closed.
func (m *Machine) IsStringClosed(stringNumber int) bool {
	return m.ctx.closedStrings[stringNumber] ||
		m.ctx.closedPrechargeContactors[stringNumber] ||
		m.deps.Contactors.GetContactorState(stringNumber, battery.ContactorPlus) == battery.ContactorOn
}

// GetCurrentFlowDirection classifies a current reading with the pack's
// sign convention and rest threshold.
func (m *Machine) GetCurrentFlowDirection(current int32) battery.CurrentFlow {
	return m.battery.CurrentFlowDirection(current)
}
