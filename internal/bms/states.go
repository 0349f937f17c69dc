package bms

import (
	"errors"
	"time"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

type stateKey struct {
	state    State
	substate Substate
}

// step is the outcome of one handler: the next state and substate, and the
// number of trigger calls to skip before the next handler runs.
type step struct {
	state    State
	substate Substate
	timer    int
}

type handler func(m *Machine) step

var transitions = map[stateKey]handler{
	{StateUninitialized, SubstateEntry}:  (*Machine).uninitialized,
	{StateInitialization, SubstateEntry}: (*Machine).initialization,
	{StateInitialized, SubstateEntry}:    (*Machine).initialized,

	{StateIdle, SubstateEntry}:              (*Machine).idleEntry,
	{StateIdle, SubstateCheckErrorFlags}:    (*Machine).checkErrorFlags,
	{StateIdle, SubstateCheckStateRequests}: (*Machine).idleCheckStateRequests,

	{StateOpenContactors, SubstateEntry}:               (*Machine).openContactorsEntry,
	{StateOpenContactors, SubstateOpenFirstContactor}:  (*Machine).openFirstContactor,
	{StateOpenContactors, SubstateOpenSecondContactor}: (*Machine).openSecondContactor,
	{StateOpenContactors, SubstateCheckContactorsOpen}: (*Machine).checkContactorsOpen,

	{StateStandby, SubstateEntry}:              (*Machine).standbyEntry,
	{StateStandby, SubstateCheckErrorFlags}:    (*Machine).checkErrorFlags,
	{StateStandby, SubstateCheckStateRequests}: (*Machine).standbyCheckStateRequests,

	{StatePrecharge, SubstateEntry}:            (*Machine).prechargeEntry,
	{StatePrecharge, SubstateCloseMinus}:       (*Machine).closeMinus,
	{StatePrecharge, SubstateCheckMinusClosed}: (*Machine).prechargeCheckMinusClosed,
	{StatePrecharge, SubstateClosePrecharge}:   (*Machine).closePrecharge,
	{StatePrecharge, SubstateWaitPrecharge}:    (*Machine).waitPrecharge,
	{StatePrecharge, SubstateRetryPrecharge}:   (*Machine).retryPrecharge,
	{StatePrecharge, SubstateClosePlus}:        (*Machine).closePlus,
	{StatePrecharge, SubstateCheckPlusClosed}:  (*Machine).prechargeCheckPlusClosed,

	{StateNormal, SubstateEntry}:              (*Machine).normalEntry,
	{StateNormal, SubstateCheckErrorFlags}:    (*Machine).checkErrorFlags,
	{StateNormal, SubstateCheckStateRequests}: (*Machine).normalCheckStateRequests,
	{StateNormal, SubstateConnectStrings}:     (*Machine).connectStrings,
	{StateNormal, SubstateCloseMinus}:         (*Machine).closeMinus,
	{StateNormal, SubstateCheckMinusClosed}:   (*Machine).normalCheckMinusClosed,
	{StateNormal, SubstateClosePlus}:          (*Machine).closePlus,
	{StateNormal, SubstateCheckPlusClosed}:    (*Machine).normalCheckPlusClosed,

	{StateError, SubstateEntry}:              (*Machine).errorEntry,
	{StateError, SubstateCheckErrorFlags}:    (*Machine).errorCheckErrorFlags,
	{StateError, SubstateCheckStateRequests}: (*Machine).errorCheckStateRequests,
}

func (m *Machine) short() int {
	return m.cfg.ticks(m.cfg.ShortWait)
}

func (m *Machine) stay() step {
	return step{m.ctx.state, m.ctx.substate, m.short()}
}

func (m *Machine) next(substate Substate) step {
	return step{m.ctx.state, substate, m.short()}
}

func (m *Machine) enter(state State) step {
	return step{state, SubstateEntry, m.short()}
}

// openContactorsThen starts the shared opening sequence, continuing to next
// once every string is open.
func (m *Machine) openContactorsThen(next State) step {
	m.ctx.nextState = next
	return m.enter(StateOpenContactors)
}

// UNINITIALIZED

func (m *Machine) uninitialized() step {
	if m.transferStateRequest() == RequestInit {
		return m.enter(StateInitialization)
	}
	return m.stay()
}

// INITIALIZATION

func (m *Machine) initialization() step {
	m.ctx.closedStrings = [battery.NumStrings]bool{}
	m.ctx.closedPrechargeContactors = [battery.NumStrings]bool{}
	m.ctx.numberOfClosedStrings = 0
	m.ctx.firstClosedString = NoStringAvailable
	m.ctx.stringToBeClosed = NoStringAvailable
	m.ctx.prechargeTryCounter = 0
	m.deps.Indicator.SetIndicator(IndicatorSlowBlink)
	return m.enter(StateInitialized)
}

// INITIALIZED

func (m *Machine) initialized() step {
	if err := m.deps.IMD.RequestMeasurement(); err != nil {
		if !errors.Is(err, ErrIllegalRequest) {
			m.logger.Printf("Insulation measurement request failed: %v", err)
		}
		return m.stay()
	}
	return m.enter(StateIdle)
}

// IDLE

func (m *Machine) idleEntry() step {
	return m.next(SubstateCheckErrorFlags)
}

// checkErrorFlags is shared by IDLE, STANDBY and NORMAL.
func (m *Machine) checkErrorFlags() step {
	if !m.isBatterySystemStateOkay() {
		return m.openContactorsThen(StateError)
	}
	return m.next(SubstateCheckStateRequests)
}

func (m *Machine) idleCheckStateRequests() step {
	return m.openContactorsThen(StateStandby)
}

// OPEN_CONTACTORS

func (m *Machine) openContactorsEntry() step {
	m.deps.Balancing.SetBalancingPermitted(false)

	if err := m.deps.Contactors.OpenAllPrechargeContactors(); err != nil {
		m.logger.Printf("Failed to open precharge contactors: %v", err)
	}
	m.ctx.closedPrechargeContactors = [battery.NumStrings]bool{}

	m.ctx.stringToBeOpened = battery.NumStrings - 1
	m.ctx.timeAboveContactorBreakCurrent = 0
	m.ctx.commandRetries = 0

	if !m.isBatterySystemStateOkay() {
		m.ctx.nextState = StateError
	}
	return m.next(SubstateOpenFirstContactor)
}

func (m *Machine) openFirstContactor() step {
	s := m.ctx.stringToBeOpened
	current := battery.Abs(m.ctx.pack.StringCurrent[s])
	first := m.GetFirstContactorToBeOpened(s)

	if current >= m.cfg.MainContactorBreakCurrent {
		if m.ctx.timeAboveContactorBreakCurrent < m.cfg.FuseTriggerDuration {
			wait := m.short()
			m.ctx.timeAboveContactorBreakCurrent += time.Duration(wait+1) * m.cfg.Tick
			return step{m.ctx.state, m.ctx.substate, wait}
		}

		// the fuse did not clear, opening under load
		m.logger.Printf("ALERT: opening %s contactor of string %d at %d mA", first, s, current)
		m.report(diag.IDAlertMode, true, s)
		if m.deps.LoadBreak != nil {
			m.deps.LoadBreak.OpenedUnderLoad(s, first, current)
		}
	}

	m.ctx.timeAboveContactorBreakCurrent = 0
	m.ctx.contactorToBeOpened = first
	m.openContactor(s, first)
	return m.next(SubstateOpenSecondContactor)
}

func (m *Machine) openSecondContactor() step {
	s := m.ctx.stringToBeOpened
	m.openContactor(s, m.GetSecondContactorToBeOpened(s, m.ctx.contactorToBeOpened))
	m.ctx.stringOpenTimeout = m.cfg.ticks(m.cfg.StringOpenTimeout)
	return m.next(SubstateCheckContactorsOpen)
}

func (m *Machine) checkContactorsOpen() step {
	if !m.isBatterySystemStateOkay() {
		m.ctx.nextState = StateError
	}

	s := m.ctx.stringToBeOpened
	c := m.deps.Contactors
	if c.GetContactorState(s, battery.ContactorPlus) == battery.ContactorOff &&
		c.GetContactorState(s, battery.ContactorMinus) == battery.ContactorOff {
		m.ctx.commandRetries = 0
		m.ctx.closedStrings[s] = false
		return m.nextStringToOpen()
	}

	if m.ctx.stringOpenTimeout > 0 {
		return m.stay()
	}

	if m.ctx.commandRetries < m.cfg.CommandRetries {
		m.ctx.commandRetries++
		m.logger.Printf("String %d did not open in time, re-issuing open commands", s)
		m.openContactor(s, battery.ContactorPlus)
		m.openContactor(s, battery.ContactorMinus)
		m.ctx.stringOpenTimeout = m.cfg.ticks(m.cfg.StringOpenTimeout)
		return m.stay()
	}

	m.logger.Printf("String %d failed to open", s)
	m.ctx.commandRetries = 0
	m.ctx.nextState = StateError
	return m.nextStringToOpen()
}

func (m *Machine) nextStringToOpen() step {
	if m.ctx.stringToBeOpened > 0 {
		m.ctx.stringToBeOpened--
		return m.next(SubstateOpenFirstContactor)
	}

	m.ctx.numberOfClosedStrings = 0
	for _, closed := range m.ctx.closedStrings {
		if closed {
			m.ctx.numberOfClosedStrings++
		}
	}
	if m.ctx.numberOfClosedStrings == 0 {
		m.ctx.firstClosedString = NoStringAvailable
	}
	return m.enter(m.ctx.nextState)
}

// STANDBY

func (m *Machine) standbyEntry() step {
	m.deps.Balancing.SetBalancingPermitted(true)
	m.deps.Indicator.SetIndicator(IndicatorSlowBlink)
	m.ctx.oscillationTimeout = m.cfg.ticks(m.cfg.OscillationTimeout)
	m.ctx.prechargeTryCounter = 0
	return m.next(SubstateCheckErrorFlags)
}

func (m *Machine) standbyCheckStateRequests() step {
	if m.ctx.oscillationTimeout == 0 {
		switch m.deps.Mode.Mode() {
		case ModeNormal:
			m.ctx.powerPath = PowerPathDischarge
			return m.enter(StatePrecharge)
		case ModeCharge:
			m.ctx.powerPath = PowerPathCharge
			return m.enter(StatePrecharge)
		}
	}
	return m.next(SubstateCheckErrorFlags)
}

// modeWithdrawn reports whether the requested mode no longer matches the
// power path being connected.
func (m *Machine) modeWithdrawn() bool {
	want := ModeNormal
	if m.ctx.powerPath == PowerPathCharge {
		want = ModeCharge
	}
	if mode := m.deps.Mode.Mode(); mode != want {
		m.logger.Printf("Mode request %s while connecting for %s, opening contactors", mode, m.ctx.powerPath)
		return true
	}
	return false
}

// PRECHARGE

func (m *Machine) prechargeEntry() step {
	var s int
	if m.ctx.powerPath == PowerPathCharge {
		s = m.GetLowestString(true)
	} else {
		s = m.GetHighestString(true)
	}
	if s == NoStringAvailable {
		m.logger.Printf("No string available for precharge")
		return m.openContactorsThen(StateStandby)
	}

	m.ctx.stringToBeClosed = s
	m.ctx.firstClosedString = s
	return m.next(SubstateCloseMinus)
}

// closeMinus and closePlus are shared by PRECHARGE and NORMAL.
func (m *Machine) closeMinus() step {
	return m.closeAndConfirm(battery.ContactorMinus, SubstateCheckMinusClosed)
}

func (m *Machine) closePlus() step {
	return m.closeAndConfirm(battery.ContactorPlus, SubstateCheckPlusClosed)
}

func (m *Machine) closeAndConfirm(typ battery.ContactorType, confirm Substate) step {
	m.closeContactor(m.ctx.stringToBeClosed, typ)
	m.ctx.stringCloseTimeout = m.cfg.ticks(m.cfg.StringCloseTimeout)
	m.ctx.commandRetries = 0
	return m.next(confirm)
}

// checkClosed waits for the feedback of the contactor being closed. After
// the timeout the command is re-issued up to CommandRetries times, then the
// machine gives up and opens everything.
func (m *Machine) checkClosed(typ battery.ContactorType, onClosed func() step) step {
	if !m.isBatterySystemStateOkay() {
		return m.openContactorsThen(StateError)
	}

	s := m.ctx.stringToBeClosed
	if m.deps.Contactors.GetContactorState(s, typ) == battery.ContactorOn {
		m.ctx.commandRetries = 0
		return onClosed()
	}

	if m.ctx.stringCloseTimeout > 0 {
		return m.stay()
	}

	if m.ctx.commandRetries < m.cfg.CommandRetries {
		m.ctx.commandRetries++
		m.logger.Printf("%s contactor of string %d did not close in time, re-issuing", typ, s)
		m.closeContactor(s, typ)
		m.ctx.stringCloseTimeout = m.cfg.ticks(m.cfg.StringCloseTimeout)
		return m.stay()
	}

	m.logger.Printf("%s contactor of string %d failed to close", typ, s)
	m.ctx.commandRetries = 0
	return m.openContactorsThen(StateError)
}

func (m *Machine) prechargeCheckMinusClosed() step {
	if m.modeWithdrawn() {
		return m.openContactorsThen(StateStandby)
	}
	return m.checkClosed(battery.ContactorMinus, func() step {
		return m.next(SubstateClosePrecharge)
	})
}

func (m *Machine) closePrecharge() step {
	s := m.ctx.stringToBeClosed
	if err := m.deps.Contactors.ClosePrecharge(s); err != nil {
		m.logger.Printf("Failed to close precharge contactor of string %d: %v", s, err)
	}
	m.ctx.closedPrechargeContactors[s] = true
	m.ctx.stringCloseTimeout = m.cfg.ticks(m.cfg.PrechargeTime)
	return m.next(SubstateWaitPrecharge)
}

func (m *Machine) openPrecharge(s int) {
	if err := m.deps.Contactors.OpenPrecharge(s); err != nil {
		m.logger.Printf("Failed to open precharge contactor of string %d: %v", s, err)
	}
	m.ctx.closedPrechargeContactors[s] = false
}

func (m *Machine) waitPrecharge() step {
	if !m.isBatterySystemStateOkay() {
		return m.openContactorsThen(StateError)
	}
	if m.modeWithdrawn() {
		return m.openContactorsThen(StateStandby)
	}
	if m.ctx.stringCloseTimeout > 0 {
		return m.stay()
	}

	s := m.ctx.stringToBeClosed
	if m.CheckPrecharge(s) {
		return m.next(SubstateClosePlus)
	}

	m.ctx.prechargeTryCounter++
	m.openPrecharge(s)
	m.report(diag.IDPrechargeAbort, true, s)
	m.logger.Printf("Precharge of string %d failed (attempt %d of %d)", s, m.ctx.prechargeTryCounter, m.cfg.PrechargeTries)

	if m.ctx.prechargeTryCounter >= m.cfg.PrechargeTries {
		return m.openContactorsThen(StateError)
	}
	return step{StatePrecharge, SubstateRetryPrecharge, m.cfg.ticks(m.cfg.PrechargeRetryCooldown)}
}

func (m *Machine) retryPrecharge() step {
	if !m.isBatterySystemStateOkay() {
		return m.openContactorsThen(StateError)
	}
	if m.modeWithdrawn() {
		return m.openContactorsThen(StateStandby)
	}
	return m.next(SubstateClosePrecharge)
}

func (m *Machine) prechargeCheckPlusClosed() step {
	if m.modeWithdrawn() {
		return m.openContactorsThen(StateStandby)
	}
	return m.checkClosed(battery.ContactorPlus, func() step {
		s := m.ctx.stringToBeClosed
		m.openPrecharge(s)
		m.report(diag.IDPrechargeAbort, false, s)
		m.stringClosed(s)
		return m.enter(StateNormal)
	})
}

func (m *Machine) stringClosed(s int) {
	m.ctx.closedStrings[s] = true
	m.ctx.numberOfClosedStrings++
	m.ctx.nextStringClosedTimer = m.cfg.ticks(m.cfg.NextStringDelay)
	m.ctx.stringToBeClosed = NoStringAvailable
	m.report(diag.IDAlertMode, false, s)
	m.logger.Printf("String %d connected (%d closed)", s, m.ctx.numberOfClosedStrings)
}

// NORMAL

func (m *Machine) normalEntry() step {
	return m.next(SubstateCheckErrorFlags)
}

func (m *Machine) normalCheckStateRequests() step {
	if m.modeWithdrawn() {
		return m.openContactorsThen(StateStandby)
	}
	return m.next(SubstateConnectStrings)
}

// connectStrings closes one more string onto the bus when its voltage is
// close enough and the average string current is low.
func (m *Machine) connectStrings() step {
	if m.ctx.nextStringClosedTimer > 0 || m.ctx.numberOfClosedStrings >= battery.NumStrings {
		return m.next(SubstateCheckErrorFlags)
	}

	s := m.GetClosestString(false)
	if s == NoStringAvailable {
		return m.next(SubstateCheckErrorFlags)
	}

	difference := m.GetStringVoltageDifference(s)
	average := battery.Abs(m.GetAverageStringCurrent())
	if difference < m.cfg.NextStringVoltageLimit && average < m.cfg.AverageStringCurrentLimit {
		m.logger.Printf("Connecting string %d (difference %d mV, average current %d mA)", s, difference, average)
		m.ctx.stringToBeClosed = s
		return m.next(SubstateCloseMinus)
	}
	return m.next(SubstateCheckErrorFlags)
}

func (m *Machine) normalCheckMinusClosed() step {
	return m.checkClosed(battery.ContactorMinus, func() step {
		return m.next(SubstateClosePlus)
	})
}

func (m *Machine) normalCheckPlusClosed() step {
	return m.checkClosed(battery.ContactorPlus, func() step {
		m.stringClosed(m.ctx.stringToBeClosed)
		return m.next(SubstateCheckErrorFlags)
	})
}

// ERROR

func (m *Machine) errorEntry() step {
	m.deps.Indicator.SetIndicator(IndicatorFastBlink)
	return m.next(SubstateCheckErrorFlags)
}

func (m *Machine) errorCheckErrorFlags() step {
	m.isBatterySystemStateOkay()
	if m.ctx.transitionToErrorState {
		return m.stay()
	}
	return m.next(SubstateCheckStateRequests)
}

func (m *Machine) errorCheckStateRequests() step {
	if m.deps.Mode.Mode() == ModeStandby {
		m.deps.Balancing.SetBalancingPermitted(true)
		m.deps.Indicator.SetIndicator(IndicatorSlowBlink)
		return m.openContactorsThen(StateStandby)
	}
	return m.next(SubstateCheckErrorFlags)
}
