// Package battery describes the pack topology and the measurement snapshots
// shared by the SOA checker and the supervisory state machine.
package battery

import "time"

// NumStrings is the number of parallel strings wired to the HV bus. It is a
// property of the hardware and fixed per build.
const NumStrings = 3

// PackValues is a consistent snapshot of pack and string level measurements.
// Voltages are in mV, currents in mA.
type PackValues struct {
	Timestamp time.Time

	PackCurrent        int32
	InvalidPackCurrent bool

	BatteryVoltage        int32
	InvalidBatteryVoltage bool

	HighVoltageBusVoltage int32
	InvalidHVBusVoltage   bool

	StringVoltage        [NumStrings]int32
	InvalidStringVoltage [NumStrings]bool

	StringCurrent        [NumStrings]int32
	InvalidStringCurrent [NumStrings]bool
}

// MinMax holds the per-string cell extremes. Voltages in mV, temperatures in
// deci-degrees Celsius.
type MinMax struct {
	Timestamp time.Time

	MaximumCellVoltage [NumStrings]int32
	MinimumCellVoltage [NumStrings]int32
	MaximumTemperature [NumStrings]int32
	MinimumTemperature [NumStrings]int32
}

// OpenWire holds the result of the AFE open-wire diagnosis per string.
type OpenWire struct {
	Timestamp time.Time
	Detected  [NumStrings]bool
}

// ContactorType identifies a contactor within a string
type ContactorType int

const (
	ContactorPlus ContactorType = iota
	ContactorMinus
	ContactorPrecharge
)

func (c ContactorType) String() string {
	switch c {
	case ContactorPlus:
		return "plus"
	case ContactorMinus:
		return "minus"
	case ContactorPrecharge:
		return "precharge"
	default:
		return "unknown"
	}
}

// ContactorState is the feedback state of a contactor
type ContactorState int

const (
	ContactorUndefined ContactorState = iota
	ContactorOff
	ContactorOn
)

func (c ContactorState) String() string {
	switch c {
	case ContactorOff:
		return "open"
	case ContactorOn:
		return "closed"
	default:
		return "undefined"
	}
}

// BreakingDirection is the current direction a contactor is rated to
// interrupt without excessive arcing.
type BreakingDirection int

const (
	BreakingBidirectional BreakingDirection = iota
	BreakingChargeDirection
	BreakingDischargeDirection
)

// ContactorConfig describes one wired contactor.
type ContactorConfig struct {
	String      int
	Type        ContactorType
	Breaking    BreakingDirection
	HasFeedback bool
}

// CurrentFlow is the direction of current through the pack
type CurrentFlow int

const (
	FlowAtRest CurrentFlow = iota
	FlowCharging
	FlowDischarging
	FlowRelaxation
)

func (f CurrentFlow) String() string {
	switch f {
	case FlowCharging:
		return "charging"
	case FlowDischarging:
		return "discharging"
	case FlowRelaxation:
		return "relaxation"
	default:
		return "at-rest"
	}
}
