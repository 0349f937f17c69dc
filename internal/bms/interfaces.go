package bms

import (
	"errors"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

// ErrIllegalRequest is returned by the insulation monitor while its own
// initialization is still running.
var ErrIllegalRequest = errors.New("illegal request")

// DataSource hands out the latest measurement snapshots. Reads never block.
type DataSource interface {
	ReadPackValues(dst *battery.PackValues)
	ReadMinMax(dst *battery.MinMax)
	ReadOpenWire(dst *battery.OpenWire)
}

// ContactorDriver switches contactors and reports their feedback.
type ContactorDriver interface {
	OpenContactor(stringNumber int, typ battery.ContactorType) error
	CloseContactor(stringNumber int, typ battery.ContactorType) error
	GetContactorState(stringNumber int, typ battery.ContactorType) battery.ContactorState
	OpenAllPrechargeContactors() error
	OpenPrecharge(stringNumber int) error
	ClosePrecharge(stringNumber int) error

	// RefreshFeedback samples all feedback inputs.
	RefreshFeedback()

	// FeedbackValid is false while a contactor's feedback disagrees with
	// its last command for longer than the driver tolerates.
	FeedbackValid(stringNumber int, typ battery.ContactorType) bool
}

// LoadBreakObserver is notified when a contactor is opened above its rated
// break current.
type LoadBreakObserver interface {
	OpenedUnderLoad(stringNumber int, typ battery.ContactorType, current int32)
}

// InsulationMonitor starts an insulation measurement. It returns
// ErrIllegalRequest until the device is ready.
type InsulationMonitor interface {
	RequestMeasurement() error
}

type Balancing interface {
	SetBalancingPermitted(permitted bool)
}

type Indicator interface {
	SetIndicator(pattern IndicatorPattern)
}

// ModeRequester returns the current high level mode request.
type ModeRequester interface {
	Mode() Mode
}

// FaultMonitor is the diagnosis sink plus the registry queries used by the
// fault delay aggregation.
type FaultMonitor interface {
	Handler(id diag.ID, event diag.Event, scope diag.Scope, stringNumber int) error
	IsActive(id diag.ID) bool
	FatalFaults() []diag.Config
}

// SOA checks the snapshots against the safe operating area.
type SOA interface {
	CheckVoltages(minMax *battery.MinMax)
	CheckTemperatures(minMax *battery.MinMax, pack *battery.PackValues)
	CheckCurrent(pack *battery.PackValues)
}

// Dependencies are the collaborators of the machine. LoadBreak is optional.
type Dependencies struct {
	Data       DataSource
	Contactors ContactorDriver
	IMD        InsulationMonitor
	Balancing  Balancing
	Indicator  Indicator
	Mode       ModeRequester
	Faults     FaultMonitor
	SOA        SOA
	LoadBreak  LoadBreakObserver
}
