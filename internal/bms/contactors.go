package bms

import "github.com/librescoot/bms-service/internal/battery"

// GetFirstContactorToBeOpened picks the main contactor of a string that is
// rated to break the present current direction. Without a match a
// bidirectional contactor is used, then plus, then minus.
func (m *Machine) GetFirstContactorToBeOpened(s int) battery.ContactorType {
	var wanted battery.BreakingDirection
	directional := true
	switch m.ctx.currentFlowState {
	case battery.FlowCharging:
		wanted = battery.BreakingChargeDirection
	case battery.FlowDischarging:
		wanted = battery.BreakingDischargeDirection
	default:
		directional = false
	}

	plus, hasPlus := m.battery.Contactor(s, battery.ContactorPlus)
	minus, hasMinus := m.battery.Contactor(s, battery.ContactorMinus)
	assert(hasPlus || hasMinus, "string %d has neither plus nor minus contactor", s)

	if directional {
		if hasPlus && plus.Breaking == wanted {
			return battery.ContactorPlus
		}
		if hasMinus && minus.Breaking == wanted {
			return battery.ContactorMinus
		}
	}
	if hasPlus && plus.Breaking == battery.BreakingBidirectional {
		return battery.ContactorPlus
	}
	if hasMinus && minus.Breaking == battery.BreakingBidirectional {
		return battery.ContactorMinus
	}
	if hasPlus {
		return battery.ContactorPlus
	}
	return battery.ContactorMinus
}

// GetSecondContactorToBeOpened returns the main contactor not opened first.
func (m *Machine) GetSecondContactorToBeOpened(s int, first battery.ContactorType) battery.ContactorType {
	second := battery.ContactorPlus
	if first == battery.ContactorPlus {
		second = battery.ContactorMinus
	}
	_, ok := m.battery.Contactor(s, second)
	assert(ok, "string %d has no %s contactor", s, second)
	return second
}

func (m *Machine) openContactor(s int, typ battery.ContactorType) {
	if err := m.deps.Contactors.OpenContactor(s, typ); err != nil {
		m.logger.Printf("Failed to open %s contactor of string %d: %v", typ, s, err)
	}
}

func (m *Machine) closeContactor(s int, typ battery.ContactorType) {
	if err := m.deps.Contactors.CloseContactor(s, typ); err != nil {
		m.logger.Printf("Failed to close %s contactor of string %d: %v", typ, s, err)
	}
}
