package fsm

import (
	"time"

	"github.com/librescoot/librefsm"
)

// NewDefinition creates the mode arbitration FSM definition.
// A normal or charge request has to be repeated within requestTimeout,
// otherwise the arbiter falls back to standby and the BMS opens the strings.
func NewDefinition(actions Actions, requestTimeout time.Duration) *librefsm.Definition {
	// One named timer serves both connected states. Starting it again
	// replaces the pending one, which is how a repeated request extends it.
	armRequestTimer := func(c *librefsm.Context) error {
		c.StartTimer(requestTimer, requestTimeout, librefsm.Event{ID: EvRequestTimeout})
		return nil
	}

	return librefsm.NewDefinition().
		State(StateNone).
		State(StateStandby,
			librefsm.WithOnEnter(actions.EnterStandby),
		).
		State(StateNormal,
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				armRequestTimer(c)
				return actions.EnterNormal(c)
			}),
		).
		State(StateCharge,
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				armRequestTimer(c)
				return actions.EnterCharge(c)
			}),
		).

		// === Transitions from None ===

		Transition(StateNone, EvRequestStandby, StateStandby).
		Transition(StateNone, EvRequestNormal, StateNormal,
			librefsm.WithGuard(actions.CanConnect),
		).
		Transition(StateNone, EvRequestCharge, StateCharge,
			librefsm.WithGuard(actions.CanConnect),
		).

		// === Transitions from Standby ===

		Transition(StateStandby, EvRequestNormal, StateNormal,
			librefsm.WithGuard(actions.CanConnect),
		).
		Transition(StateStandby, EvRequestCharge, StateCharge,
			librefsm.WithGuard(actions.CanConnect),
		).

		// === Transitions from Normal ===

		// A repeated request is a heartbeat: no entry action, only the timer
		Transition(StateNormal, EvRequestNormal, StateNormal,
			librefsm.WithAction(armRequestTimer),
		).
		Transition(StateNormal, EvRequestCharge, StateCharge,
			librefsm.WithGuard(actions.CanConnect),
		).
		Transition(StateNormal, EvRequestStandby, StateStandby).
		Transition(StateNormal, EvRequestTimeout, StateStandby,
			librefsm.WithAction(actions.OnRequestTimeout),
		).

		// === Transitions from Charge ===

		Transition(StateCharge, EvRequestCharge, StateCharge,
			librefsm.WithAction(armRequestTimer),
		).
		Transition(StateCharge, EvRequestNormal, StateNormal,
			librefsm.WithGuard(actions.CanConnect),
		).
		Transition(StateCharge, EvRequestStandby, StateStandby).
		Transition(StateCharge, EvRequestTimeout, StateStandby,
			librefsm.WithAction(actions.OnRequestTimeout),
		).
		Initial(StateNone)
}
