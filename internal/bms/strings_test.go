package bms

import (
	"math"
	"testing"
	"time"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

func TestGetHighestAndLowestString(t *testing.T) {
	h := newHarness(t)
	h.m.ctx.pack.StringVoltage = [battery.NumStrings]int32{50000, 52000, 48000}

	if got := h.m.GetHighestString(false); got != 1 {
		t.Errorf("highest: expected 1, got %d", got)
	}
	if got := h.m.GetLowestString(false); got != 2 {
		t.Errorf("lowest: expected 2, got %d", got)
	}
	// only string 0 is wired for precharge
	if got := h.m.GetHighestString(true); got != 0 {
		t.Errorf("highest with precharge: expected 0, got %d", got)
	}
}

func TestSelectionTiesPickLaterString(t *testing.T) {
	h := newHarness(t)
	h.m.ctx.pack.StringVoltage = [battery.NumStrings]int32{50000, 50000, 50000}

	if got := h.m.GetHighestString(false); got != 2 {
		t.Errorf("highest tie: expected 2, got %d", got)
	}
	if got := h.m.GetLowestString(false); got != 2 {
		t.Errorf("lowest tie: expected 2, got %d", got)
	}
}

func TestSelectionSkipsInvalidAndDeactivated(t *testing.T) {
	h := newHarness(t)
	h.m.ctx.pack.StringVoltage = [battery.NumStrings]int32{50000, 52000, 48000}
	h.m.ctx.pack.InvalidStringVoltage[1] = true
	h.m.ctx.deactivatedStrings[2] = true

	if got := h.m.GetHighestString(false); got != 0 {
		t.Errorf("highest: expected 0, got %d", got)
	}
	if got := h.m.GetLowestString(false); got != 0 {
		t.Errorf("lowest: expected 0, got %d", got)
	}

	h.m.ctx.pack.InvalidStringVoltage[0] = true
	if got := h.m.GetHighestString(false); got != NoStringAvailable {
		t.Errorf("highest: expected none, got %d", got)
	}
	if got := h.m.GetLowestString(false); got != NoStringAvailable {
		t.Errorf("lowest: expected none, got %d", got)
	}
}

func TestGetClosestString(t *testing.T) {
	h := newHarness(t)
	h.m.ctx.pack.StringVoltage = [battery.NumStrings]int32{50000, 50300, 49700}
	h.m.ctx.firstClosedString = 0
	h.m.ctx.closedStrings[0] = true

	// equal distance, lower index wins
	if got := h.m.GetClosestString(false); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}

	h.m.ctx.pack.StringVoltage[2] = 49900
	if got := h.m.GetClosestString(false); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}

	h.m.ctx.closedStrings[1] = true
	h.m.ctx.closedStrings[2] = true
	if got := h.m.GetClosestString(false); got != NoStringAvailable {
		t.Errorf("expected none, got %d", got)
	}
}

func TestGetClosestStringPrechargeOnly(t *testing.T) {
	h := newHarness(t)
	h.m.ctx.pack.StringVoltage = [battery.NumStrings]int32{50400, 50000, 50100}
	h.m.ctx.pack.HighVoltageBusVoltage = 50000

	if got := h.m.GetClosestString(false); got != 1 {
		t.Errorf("any string: expected 1, got %d", got)
	}
	// only string 0 has a precharge path
	if got := h.m.GetClosestString(true); got != 0 {
		t.Errorf("precharge only: expected 0, got %d", got)
	}

	h.m.ctx.closedStrings[0] = true
	h.m.ctx.firstClosedString = 0
	if got := h.m.GetClosestString(true); got != NoStringAvailable {
		t.Errorf("precharge only: expected none, got %d", got)
	}
}

func TestGetStringVoltageDifference(t *testing.T) {
	h := newHarness(t)
	pack := &h.m.ctx.pack
	pack.StringVoltage = [battery.NumStrings]int32{50000, 48000, 0}
	pack.HighVoltageBusVoltage = 49500
	h.m.ctx.firstClosedString = 0

	if got := h.m.GetStringVoltageDifference(1); got != 2000 {
		t.Errorf("against first closed: expected 2000, got %d", got)
	}

	pack.InvalidStringVoltage[0] = true
	if got := h.m.GetStringVoltageDifference(1); got != 1500 {
		t.Errorf("against bus: expected 1500, got %d", got)
	}

	pack.InvalidHVBusVoltage = true
	if got := h.m.GetStringVoltageDifference(1); got != math.MaxInt32 {
		t.Errorf("no reference: expected max, got %d", got)
	}

	pack.InvalidHVBusVoltage = false
	pack.InvalidStringVoltage[1] = true
	if got := h.m.GetStringVoltageDifference(1); got != math.MaxInt32 {
		t.Errorf("invalid candidate: expected max, got %d", got)
	}
}

func TestGetAverageStringCurrent(t *testing.T) {
	h := newHarness(t)
	h.m.ctx.pack.PackCurrent = 10000

	if got := h.m.GetAverageStringCurrent(); got != 10000/battery.NumStrings {
		t.Errorf("expected %d, got %d", 10000/battery.NumStrings, got)
	}

	h.m.ctx.pack.InvalidPackCurrent = true
	if got := h.m.GetAverageStringCurrent(); got != math.MaxInt32 {
		t.Errorf("expected max for invalid current, got %d", got)
	}
}

func TestCheckPrecharge(t *testing.T) {
	h := newHarness(t)
	cfg := h.m.cfg
	pack := &h.m.ctx.pack

	tests := []struct {
		name    string
		bus     int32
		current int32
		invalid bool
		want    bool
	}{
		{"converged", 50000, 0, false, true},
		{"voltage at threshold", 50000 - cfg.PrechargeVoltageThreshold, 0, false, false},
		{"current at threshold", 50000, cfg.PrechargeCurrentThreshold, false, false},
		{"negative current below threshold", 50000, -cfg.PrechargeCurrentThreshold + 1, false, true},
		{"invalid bus", 50000, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pack.StringVoltage[0] = 50000
			pack.HighVoltageBusVoltage = tt.bus
			pack.StringCurrent[0] = tt.current
			pack.InvalidHVBusVoltage = tt.invalid
			if got := h.m.CheckPrecharge(0); got != tt.want {
				t.Errorf("CheckPrecharge = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFirstContactorToBeOpened(t *testing.T) {
	h := newHarness(t)

	h.m.ctx.currentFlowState = battery.FlowDischarging
	if got := h.m.GetFirstContactorToBeOpened(1); got != battery.ContactorPlus {
		t.Errorf("discharging: expected plus, got %s", got)
	}

	// nothing rated for charge, fall back to the bidirectional minus
	h.m.ctx.currentFlowState = battery.FlowCharging
	if got := h.m.GetFirstContactorToBeOpened(1); got != battery.ContactorMinus {
		t.Errorf("charging: expected minus, got %s", got)
	}

	h.m.ctx.currentFlowState = battery.FlowAtRest
	if got := h.m.GetFirstContactorToBeOpened(1); got != battery.ContactorMinus {
		t.Errorf("at rest: expected minus, got %s", got)
	}

	if got := h.m.GetSecondContactorToBeOpened(1, battery.ContactorMinus); got != battery.ContactorPlus {
		t.Errorf("second: expected plus, got %s", got)
	}
}

func TestFirstContactorFallsBackToPlus(t *testing.T) {
	h := newHarness(t)
	h.battery.Contactors = []battery.ContactorConfig{
		{String: 0, Type: battery.ContactorPlus, Breaking: battery.BreakingDischargeDirection},
		{String: 0, Type: battery.ContactorMinus, Breaking: battery.BreakingDischargeDirection},
	}
	h.m.ctx.currentFlowState = battery.FlowCharging

	if got := h.m.GetFirstContactorToBeOpened(0); got != battery.ContactorPlus {
		t.Errorf("expected plus fallback, got %s", got)
	}
}

func TestFirstContactorWithoutMainContactorsPanics(t *testing.T) {
	h := newHarness(t)
	h.battery.Contactors = nil

	defer func() {
		if _, ok := recover().(*AssertionError); !ok {
			t.Fatal("expected assertion panic")
		}
	}()
	h.m.GetFirstContactorToBeOpened(0)
}

func TestFaultDelayAggregation(t *testing.T) {
	h := newHarness(t)

	if !h.m.isBatterySystemStateOkay() {
		t.Fatal("expected okay without faults")
	}

	// 200ms delay
	h.faults.Handler(diag.IDCellVoltageOvervoltageMSL, diag.EventNotOK, diag.ScopeString, 0)
	if !h.m.isBatterySystemStateOkay() {
		t.Fatal("expected okay while delay runs")
	}
	if !h.m.ctx.transitionToErrorState {
		t.Fatal("expected latch set")
	}

	h.clock = h.clock.Add(150 * time.Millisecond)
	if !h.m.isBatterySystemStateOkay() {
		t.Fatal("expected okay before delay expired")
	}
	if h.m.ctx.remainingDelay != 50*time.Millisecond {
		t.Errorf("expected 50ms remaining, got %s", h.m.ctx.remainingDelay)
	}

	h.clock = h.clock.Add(50 * time.Millisecond)
	if h.m.isBatterySystemStateOkay() {
		t.Fatal("expected not okay after delay")
	}

	h.faults.Handler(diag.IDCellVoltageOvervoltageMSL, diag.EventOK, diag.ScopeString, 0)
	if !h.m.isBatterySystemStateOkay() {
		t.Fatal("expected okay after clearing")
	}
	if h.m.ctx.transitionToErrorState || h.m.ctx.remainingDelay != 0 {
		t.Error("expected latch and delay reset")
	}
}

func TestFaultDelayShortenedByUrgentFault(t *testing.T) {
	h := newHarness(t)

	// 1s delay
	h.faults.Handler(diag.IDTemperatureOvertemperatureChargeMSL, diag.EventNotOK, diag.ScopeString, 0)
	h.m.isBatterySystemStateOkay()

	h.clock = h.clock.Add(100 * time.Millisecond)
	// 200ms delay
	h.faults.Handler(diag.IDCellVoltageOvervoltageMSL, diag.EventNotOK, diag.ScopeString, 1)
	h.m.isBatterySystemStateOkay()
	if h.m.ctx.remainingDelay != 200*time.Millisecond {
		t.Errorf("expected 200ms remaining, got %s", h.m.ctx.remainingDelay)
	}
	if h.m.ctx.minimumActiveDelay != 200*time.Millisecond {
		t.Errorf("expected minimum active delay 200ms, got %s", h.m.ctx.minimumActiveDelay)
	}

	// clearing the urgent fault does not lengthen the delay again
	h.faults.Handler(diag.IDCellVoltageOvervoltageMSL, diag.EventOK, diag.ScopeString, 1)
	h.clock = h.clock.Add(100 * time.Millisecond)
	h.m.isBatterySystemStateOkay()
	if h.m.ctx.remainingDelay != 100*time.Millisecond {
		t.Errorf("expected 100ms remaining, got %s", h.m.ctx.remainingDelay)
	}
}
