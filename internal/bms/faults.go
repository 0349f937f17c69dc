package bms

import (
	"math"
	"time"
)

// isBatterySystemStateOkay scans the fatal diagnosis entries. When one is
// active the error transition is latched and the shortest delay of all
// active entries starts running down on wall time. The system is not okay
// once the latch is set and the delay has expired. A newly activated, more
// urgent entry can only shorten the remaining delay.
func (m *Machine) isBatterySystemStateOkay() bool {
	now := m.now()

	active := false
	minimum := time.Duration(math.MaxInt64)
	for _, f := range m.fatal {
		if !m.deps.Faults.IsActive(f.ID) {
			continue
		}
		active = true
		if f.Delay < minimum {
			minimum = f.Delay
		}
	}

	if !active {
		m.ctx.transitionToErrorState = false
		m.ctx.remainingDelay = 0
		m.ctx.minimumActiveDelay = 0
		return true
	}

	if !m.ctx.transitionToErrorState {
		m.ctx.transitionToErrorState = true
		m.ctx.remainingDelay = minimum
	} else {
		m.ctx.remainingDelay -= now.Sub(m.ctx.lastDelayCheck)
		if m.ctx.remainingDelay < 0 {
			m.ctx.remainingDelay = 0
		}
		if minimum < m.ctx.remainingDelay {
			m.ctx.remainingDelay = minimum
		}
	}
	m.ctx.minimumActiveDelay = minimum
	m.ctx.lastDelayCheck = now

	return m.ctx.remainingDelay > 0
}
