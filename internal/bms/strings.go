package bms

import (
	"math"

	"github.com/librescoot/bms-service/internal/battery"
)

func (m *Machine) isSelectable(s int, prechargeOnly bool) bool {
	if m.ctx.pack.InvalidStringVoltage[s] || m.ctx.deactivatedStrings[s] {
		return false
	}
	return !prechargeOnly || m.battery.HasPrecharge(s)
}

// GetHighestString returns the string with the highest voltage. On a tie the
// later string wins.
func (m *Machine) GetHighestString(prechargeOnly bool) int {
	selected := NoStringAvailable
	highest := int32(math.MinInt32)
	for s := 0; s < battery.NumStrings; s++ {
		if !m.isSelectable(s, prechargeOnly) {
			continue
		}
		if v := m.ctx.pack.StringVoltage[s]; v >= highest {
			highest = v
			selected = s
		}
	}
	return selected
}

// GetLowestString returns the string with the lowest voltage. On a tie the
// later string wins.
func (m *Machine) GetLowestString(prechargeOnly bool) int {
	selected := NoStringAvailable
	lowest := int32(math.MaxInt32)
	for s := 0; s < battery.NumStrings; s++ {
		if !m.isSelectable(s, prechargeOnly) {
			continue
		}
		if v := m.ctx.pack.StringVoltage[s]; v <= lowest {
			lowest = v
			selected = s
		}
	}
	return selected
}

// GetClosestString returns the open string whose voltage is closest to the
// bus. With prechargeOnly set, only strings wired with a precharge contactor
// are considered. On a tie the lower string wins.
func (m *Machine) GetClosestString(prechargeOnly bool) int {
	selected := NoStringAvailable
	closest := int32(math.MaxInt32)
	for s := 0; s < battery.NumStrings; s++ {
		if m.ctx.closedStrings[s] || !m.isSelectable(s, prechargeOnly) {
			continue
		}
		if diff := m.GetStringVoltageDifference(s); diff < closest {
			closest = diff
			selected = s
		}
	}
	return selected
}

// GetStringVoltageDifference returns the absolute voltage difference between
// a string and the first closed string, or the HV bus when that reading is
// not usable. math.MaxInt32 means no comparison was possible.
func (m *Machine) GetStringVoltageDifference(s int) int32 {
	pack := &m.ctx.pack
	if pack.InvalidStringVoltage[s] {
		return math.MaxInt32
	}

	first := m.ctx.firstClosedString
	if first != NoStringAvailable && !pack.InvalidStringVoltage[first] {
		return battery.Abs(pack.StringVoltage[s] - pack.StringVoltage[first])
	}
	if !pack.InvalidHVBusVoltage {
		return battery.Abs(pack.StringVoltage[s] - pack.HighVoltageBusVoltage)
	}
	return math.MaxInt32
}

// GetAverageStringCurrent returns the pack current divided by the number of
// strings, or math.MaxInt32 when the pack current is invalid.
func (m *Machine) GetAverageStringCurrent() int32 {
	if m.ctx.pack.InvalidPackCurrent {
		return math.MaxInt32
	}
	return m.ctx.pack.PackCurrent / battery.NumStrings
}

// CheckPrecharge reports whether the bus has converged on the string voltage
// and the precharge current has decayed. Invalid readings fail the check.
func (m *Machine) CheckPrecharge(s int) bool {
	pack := &m.ctx.pack
	if pack.InvalidStringVoltage[s] || pack.InvalidHVBusVoltage || pack.InvalidStringCurrent[s] {
		return false
	}

	voltageDifference := battery.Abs(pack.StringVoltage[s] - pack.HighVoltageBusVoltage)
	current := battery.Abs(pack.StringCurrent[s])

	return voltageDifference < m.cfg.PrechargeVoltageThreshold && current < m.cfg.PrechargeCurrentThreshold
}
