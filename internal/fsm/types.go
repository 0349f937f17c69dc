package fsm

import (
	"github.com/librescoot/librefsm"
)

// Mode arbitration states
const (
	// No request received since startup
	StateNone    librefsm.StateID = "none"
	StateStandby librefsm.StateID = "standby"
	StateNormal  librefsm.StateID = "normal"
	StateCharge  librefsm.StateID = "charge"
)

// Events
const (
	// Mode requests (from Redis)
	EvRequestStandby librefsm.EventID = "request-standby"
	EvRequestNormal  librefsm.EventID = "request-normal"
	EvRequestCharge  librefsm.EventID = "request-charge"

	// Requester stopped refreshing its request
	EvRequestTimeout librefsm.EventID = "request-timeout"
)

// requestTimer is the heartbeat timer of the connected states
const requestTimer = "request"

// Request values accepted on the bms:request channel
const (
	RequestStandby = "standby"
	RequestNormal  = "normal"
	RequestCharge  = "charge"
)

// EventForRequest maps a request string to its event.
func EventForRequest(request string) (librefsm.EventID, bool) {
	switch request {
	case RequestStandby:
		return EvRequestStandby, true
	case RequestNormal:
		return EvRequestNormal, true
	case RequestCharge:
		return EvRequestCharge, true
	}
	return "", false
}

// Actions defines the callbacks for the mode arbitration FSM.
// The Service struct implements this interface.
type Actions interface {
	// State entry actions
	EnterStandby(c *librefsm.Context) error
	EnterNormal(c *librefsm.Context) error
	EnterCharge(c *librefsm.Context) error

	// Guards
	CanConnect(c *librefsm.Context) bool

	// Transition actions
	OnRequestTimeout(c *librefsm.Context) error

	// Publishing
	PublishRequest(request string) error
}
