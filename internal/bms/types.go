package bms

// State is the top level state of the supervisory machine
type State int

const (
	StateUninitialized State = iota
	StateInitialization
	StateInitialized
	StateIdle
	StateOpenContactors
	StateStandby
	StatePrecharge
	StateNormal
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialization:
		return "initialization"
	case StateInitialized:
		return "initialized"
	case StateIdle:
		return "idle"
	case StateOpenContactors:
		return "open-contactors"
	case StateStandby:
		return "standby"
	case StatePrecharge:
		return "precharge"
	case StateNormal:
		return "normal"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Substate is only meaningful together with the State it belongs to
type Substate int

const (
	SubstateEntry Substate = iota
	SubstateCheckErrorFlags
	SubstateCheckStateRequests

	SubstateOpenFirstContactor
	SubstateOpenSecondContactor
	SubstateCheckContactorsOpen

	SubstateCloseMinus
	SubstateCheckMinusClosed
	SubstateClosePrecharge
	SubstateWaitPrecharge
	SubstateRetryPrecharge
	SubstateClosePlus
	SubstateCheckPlusClosed

	SubstateConnectStrings
)

var substateNames = map[Substate]string{
	SubstateEntry:               "entry",
	SubstateCheckErrorFlags:     "check-error-flags",
	SubstateCheckStateRequests:  "check-state-requests",
	SubstateOpenFirstContactor:  "open-first-contactor",
	SubstateOpenSecondContactor: "open-second-contactor",
	SubstateCheckContactorsOpen: "check-contactors-open",
	SubstateCloseMinus:          "close-minus",
	SubstateCheckMinusClosed:    "check-minus-closed",
	SubstateClosePrecharge:      "close-precharge",
	SubstateWaitPrecharge:       "wait-precharge",
	SubstateRetryPrecharge:      "retry-precharge",
	SubstateClosePlus:           "close-plus",
	SubstateCheckPlusClosed:     "check-plus-closed",
	SubstateConnectStrings:      "connect-strings",
}

func (s Substate) String() string {
	if name, ok := substateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Request is an externally submitted state request
type Request int

const (
	RequestNone Request = iota
	RequestInit
	RequestStandby
	RequestNormal
	RequestCharge
)

func (r Request) String() string {
	switch r {
	case RequestNone:
		return "none"
	case RequestInit:
		return "init"
	case RequestStandby:
		return "standby"
	case RequestNormal:
		return "normal"
	case RequestCharge:
		return "charge"
	default:
		return "unknown"
	}
}

// RequestResult is returned synchronously by SetStateRequest
type RequestResult int

const (
	RequestOK RequestResult = iota
	RequestAlreadyInitialized
	RequestIllegal
	RequestPending
)

func (r RequestResult) String() string {
	switch r {
	case RequestOK:
		return "ok"
	case RequestAlreadyInitialized:
		return "already-initialized"
	case RequestIllegal:
		return "illegal-request"
	case RequestPending:
		return "request-pending"
	default:
		return "unknown"
	}
}

// Mode is the high level operating mode requested by the vehicle
type Mode int

const (
	ModeNone Mode = iota
	ModeStandby
	ModeNormal
	ModeCharge
)

func (m Mode) String() string {
	switch m {
	case ModeStandby:
		return "standby"
	case ModeNormal:
		return "normal"
	case ModeCharge:
		return "charge"
	default:
		return "none"
	}
}

// PowerPath is the direction the pack was connected for
type PowerPath int

const (
	PowerPathDischarge PowerPath = iota
	PowerPathCharge
)

func (p PowerPath) String() string {
	if p == PowerPathCharge {
		return "charge"
	}
	return "discharge"
}

// IndicatorPattern is the blink pattern of the status LED
type IndicatorPattern int

const (
	IndicatorOff IndicatorPattern = iota
	IndicatorSlowBlink
	IndicatorFastBlink
)

func (p IndicatorPattern) String() string {
	switch p {
	case IndicatorSlowBlink:
		return "slow-blink"
	case IndicatorFastBlink:
		return "fast-blink"
	default:
		return "off"
	}
}

// NoStringAvailable is returned by the selection helpers when no string
// qualifies.
const NoStringAvailable = -1
