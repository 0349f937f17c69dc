// Package soa checks measurements against the safe operating area of the
// cells. The checker keeps no state of its own: every check reports its
// result to the fault sink, in both the violated and the cleared direction.
package soa

import (
	"log"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

// FaultSink receives the outcome of every check.
type FaultSink interface {
	Handler(id diag.ID, event diag.Event, scope diag.Scope, stringNumber int) error
}

// StringStatus tells the checker which strings are connected to the bus.
type StringStatus interface {
	IsStringClosed(stringNumber int) bool
}

// AssertionError is raised via panic on integration errors.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return "soa assertion failed: " + e.Msg
}

func assert(cond bool, msg string) {
	if !cond {
		panic(&AssertionError{Msg: msg})
	}
}

type tierIDs struct {
	mol, rsl, msl diag.ID
}

var (
	overvoltage  = tierIDs{diag.IDCellVoltageOvervoltageMOL, diag.IDCellVoltageOvervoltageRSL, diag.IDCellVoltageOvervoltageMSL}
	undervoltage = tierIDs{diag.IDCellVoltageUndervoltageMOL, diag.IDCellVoltageUndervoltageRSL, diag.IDCellVoltageUndervoltageMSL}

	overtempCharge     = tierIDs{diag.IDTemperatureOvertemperatureChargeMOL, diag.IDTemperatureOvertemperatureChargeRSL, diag.IDTemperatureOvertemperatureChargeMSL}
	overtempDischarge  = tierIDs{diag.IDTemperatureOvertemperatureDischargeMOL, diag.IDTemperatureOvertemperatureDischargeRSL, diag.IDTemperatureOvertemperatureDischargeMSL}
	undertempCharge    = tierIDs{diag.IDTemperatureUndertemperatureChargeMOL, diag.IDTemperatureUndertemperatureChargeRSL, diag.IDTemperatureUndertemperatureChargeMSL}
	undertempDischarge = tierIDs{diag.IDTemperatureUndertemperatureDischargeMOL, diag.IDTemperatureUndertemperatureDischargeRSL, diag.IDTemperatureUndertemperatureDischargeMSL}
)

// Checker evaluates snapshots against the configured limits.
type Checker struct {
	cfg    *battery.Config
	sink   FaultSink
	status StringStatus
	logger *log.Logger
}

func New(cfg *battery.Config, sink FaultSink, logger *log.Logger) *Checker {
	assert(cfg != nil, "nil battery config")
	assert(sink != nil, "nil fault sink")
	assert(logger != nil, "nil logger")
	return &Checker{cfg: cfg, sink: sink, logger: logger}
}

// SetStringStatus wires the contactor view used by the open string current
// check. Without it that check is skipped.
func (c *Checker) SetStringStatus(status StringStatus) {
	c.status = status
}

func (c *Checker) report(id diag.ID, violated bool, scope diag.Scope, s int) {
	event := diag.EventOK
	if violated {
		event = diag.EventNotOK
	}
	if err := c.sink.Handler(id, event, scope, s); err != nil {
		c.logger.Printf("Failed to report diagnosis %d: %v", id, err)
	}
}

func (c *Checker) upper(ids tierIDs, t battery.Tiers, v int32, s int) {
	c.report(ids.msl, v >= t.MSL, diag.ScopeString, s)
	c.report(ids.rsl, v >= t.RSL, diag.ScopeString, s)
	c.report(ids.mol, v >= t.MOL, diag.ScopeString, s)
}

func (c *Checker) lower(ids tierIDs, t battery.Tiers, v int32, s int) {
	c.report(ids.msl, v <= t.MSL, diag.ScopeString, s)
	c.report(ids.rsl, v <= t.RSL, diag.ScopeString, s)
	c.report(ids.mol, v <= t.MOL, diag.ScopeString, s)
}

func (c *Checker) clear(ids tierIDs, s int) {
	c.report(ids.msl, false, diag.ScopeString, s)
	c.report(ids.rsl, false, diag.ScopeString, s)
	c.report(ids.mol, false, diag.ScopeString, s)
}

// CheckVoltages evaluates the cell voltage extremes of every string.
// Deep discharge is only ever raised here; clearing it needs a service
// intervention.
func (c *Checker) CheckVoltages(minMax *battery.MinMax) {
	assert(minMax != nil, "nil min/max snapshot")
	l := c.cfg.Limits

	for s := 0; s < battery.NumStrings; s++ {
		c.upper(overvoltage, l.CellVoltageMax, minMax.MaximumCellVoltage[s], s)

		minimum := minMax.MinimumCellVoltage[s]
		c.lower(undervoltage, l.CellVoltageMin, minimum, s)
		if minimum <= l.CellVoltageMin.MSL && minimum <= l.DeepDischargeVoltage {
			c.report(diag.IDDeepDischargeDetected, true, diag.ScopeString, s)
		}
	}
}

// CheckTemperatures evaluates the temperature extremes of every string with
// the limit set of the string's current direction. The limits of the other
// direction are cleared.
func (c *Checker) CheckTemperatures(minMax *battery.MinMax, pack *battery.PackValues) {
	assert(minMax != nil, "nil min/max snapshot")
	assert(pack != nil, "nil pack values snapshot")
	l := c.cfg.Limits

	for s := 0; s < battery.NumStrings; s++ {
		maximum := minMax.MaximumTemperature[s]
		minimum := minMax.MinimumTemperature[s]

		if c.cfg.CurrentFlowDirection(pack.StringCurrent[s]) == battery.FlowDischarging {
			c.upper(overtempDischarge, l.DischargeTemperatureMax, maximum, s)
			c.lower(undertempDischarge, l.DischargeTemperatureMin, minimum, s)
			c.clear(overtempCharge, s)
			c.clear(undertempCharge, s)
		} else {
			c.upper(overtempCharge, l.ChargeTemperatureMax, maximum, s)
			c.lower(undertempCharge, l.ChargeTemperatureMin, minimum, s)
			c.clear(overtempDischarge, s)
			c.clear(undertempDischarge, s)
		}
	}
}

// CheckCurrent evaluates string, cell and pack currents against their
// maximum safety limits and flags current on strings that should be open.
func (c *Checker) CheckCurrent(pack *battery.PackValues) {
	assert(pack != nil, "nil pack values snapshot")
	l := c.cfg.Limits

	for s := 0; s < battery.NumStrings; s++ {
		if pack.InvalidStringCurrent[s] {
			continue
		}
		current := pack.StringCurrent[s]
		magnitude := battery.Abs(current)
		cellCurrent := magnitude / c.cfg.ParallelCellsPerString

		switch c.cfg.CurrentFlowDirection(current) {
		case battery.FlowDischarging:
			c.report(diag.IDStringOvercurrentDischargeMSL, magnitude >= l.StringCurrentDischargeMSL, diag.ScopeString, s)
			c.report(diag.IDCellOvercurrentDischargeMSL, cellCurrent >= l.CellCurrentDischargeMSL, diag.ScopeString, s)
			c.report(diag.IDStringOvercurrentChargeMSL, false, diag.ScopeString, s)
			c.report(diag.IDCellOvercurrentChargeMSL, false, diag.ScopeString, s)
		case battery.FlowCharging:
			c.report(diag.IDStringOvercurrentChargeMSL, magnitude >= l.StringCurrentChargeMSL, diag.ScopeString, s)
			c.report(diag.IDCellOvercurrentChargeMSL, cellCurrent >= l.CellCurrentChargeMSL, diag.ScopeString, s)
			c.report(diag.IDStringOvercurrentDischargeMSL, false, diag.ScopeString, s)
			c.report(diag.IDCellOvercurrentDischargeMSL, false, diag.ScopeString, s)
		default:
			c.report(diag.IDStringOvercurrentChargeMSL, false, diag.ScopeString, s)
			c.report(diag.IDCellOvercurrentChargeMSL, false, diag.ScopeString, s)
			c.report(diag.IDStringOvercurrentDischargeMSL, false, diag.ScopeString, s)
			c.report(diag.IDCellOvercurrentDischargeMSL, false, diag.ScopeString, s)
		}

		if c.status != nil {
			open := !c.status.IsStringClosed(s)
			c.report(diag.IDCurrentOnOpenString, open && magnitude > c.cfg.OpenStringLeakageCurrent, diag.ScopeString, s)
		}
	}

	if pack.InvalidPackCurrent {
		return
	}
	magnitude := battery.Abs(pack.PackCurrent)
	switch c.cfg.CurrentFlowDirection(pack.PackCurrent) {
	case battery.FlowDischarging:
		c.report(diag.IDPackOvercurrentDischargeMSL, magnitude >= l.PackCurrentDischargeMSL, diag.ScopeSystem, 0)
		c.report(diag.IDPackOvercurrentChargeMSL, false, diag.ScopeSystem, 0)
	case battery.FlowCharging:
		c.report(diag.IDPackOvercurrentChargeMSL, magnitude >= l.PackCurrentChargeMSL, diag.ScopeSystem, 0)
		c.report(diag.IDPackOvercurrentDischargeMSL, false, diag.ScopeSystem, 0)
	default:
		c.report(diag.IDPackOvercurrentChargeMSL, false, diag.ScopeSystem, 0)
		c.report(diag.IDPackOvercurrentDischargeMSL, false, diag.ScopeSystem, 0)
	}
}

// CheckSlaveTemperatures is the hook for temperature sensors on the
// secondary boards. The current hardware has none.
func (c *Checker) CheckSlaveTemperatures() {}
