package soa

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

var discard = log.New(io.Discard, "", 0)

type report struct {
	event diag.Event
	scope diag.Scope
}

type key struct {
	id diag.ID
	s  int
}

// recordingSink keeps the last event per id and string.
type recordingSink struct {
	last  map[key]report
	calls int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{last: make(map[key]report)}
}

func (r *recordingSink) Handler(id diag.ID, event diag.Event, scope diag.Scope, s int) error {
	r.calls++
	r.last[key{id, s}] = report{event, scope}
	return nil
}

func (r *recordingSink) violated(id diag.ID, s int) bool {
	rep, ok := r.last[key{id, s}]
	return ok && rep.event == diag.EventNotOK
}

func (r *recordingSink) reported(id diag.ID, s int) bool {
	_, ok := r.last[key{id, s}]
	return ok
}

type fixedStatus [battery.NumStrings]bool

func (f fixedStatus) IsStringClosed(s int) bool { return f[s] }

func nominalMinMax() *battery.MinMax {
	mm := &battery.MinMax{}
	for s := 0; s < battery.NumStrings; s++ {
		mm.MaximumCellVoltage[s] = 3700
		mm.MinimumCellVoltage[s] = 3600
		mm.MaximumTemperature[s] = 250
		mm.MinimumTemperature[s] = 200
	}
	return mm
}

func TestCheckVoltagesTiers(t *testing.T) {
	cfg := battery.DefaultConfig()
	limits := cfg.Limits.CellVoltageMax

	tests := []struct {
		name    string
		voltage int32
		wantMOL bool
		wantRSL bool
		wantMSL bool
	}{
		{"below MOL", limits.MOL - 1, false, false, false},
		{"at MOL", limits.MOL, true, false, false},
		{"at RSL", limits.RSL, true, true, false},
		{"at MSL", limits.MSL, true, true, true},
		{"above MSL", limits.MSL + 100, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newRecordingSink()
			c := New(&cfg, sink, discard)

			mm := nominalMinMax()
			mm.MaximumCellVoltage[1] = tt.voltage
			c.CheckVoltages(mm)

			if got := sink.violated(diag.IDCellVoltageOvervoltageMOL, 1); got != tt.wantMOL {
				t.Errorf("MOL violated = %v, want %v", got, tt.wantMOL)
			}
			if got := sink.violated(diag.IDCellVoltageOvervoltageRSL, 1); got != tt.wantRSL {
				t.Errorf("RSL violated = %v, want %v", got, tt.wantRSL)
			}
			if got := sink.violated(diag.IDCellVoltageOvervoltageMSL, 1); got != tt.wantMSL {
				t.Errorf("MSL violated = %v, want %v", got, tt.wantMSL)
			}
			if sink.violated(diag.IDCellVoltageOvervoltageMOL, 0) {
				t.Error("string 0 must not be flagged")
			}
		})
	}
}

func TestCheckVoltagesClearsActively(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)

	mm := nominalMinMax()
	mm.MinimumCellVoltage[2] = cfg.Limits.CellVoltageMin.MSL
	c.CheckVoltages(mm)
	if !sink.violated(diag.IDCellVoltageUndervoltageMSL, 2) {
		t.Fatal("expected undervoltage MSL")
	}

	mm.MinimumCellVoltage[2] = 3600
	c.CheckVoltages(mm)
	if sink.violated(diag.IDCellVoltageUndervoltageMSL, 2) {
		t.Fatal("expected undervoltage MSL cleared")
	}
	if !sink.reported(diag.IDCellVoltageUndervoltageMOL, 2) {
		t.Fatal("expected MOL reported in OK direction")
	}
}

func TestCheckVoltagesDeepDischarge(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)

	mm := nominalMinMax()
	mm.MinimumCellVoltage[0] = cfg.Limits.DeepDischargeVoltage + 1
	c.CheckVoltages(mm)
	if sink.reported(diag.IDDeepDischargeDetected, 0) {
		t.Fatal("deep discharge must not be reported above threshold")
	}

	mm.MinimumCellVoltage[0] = cfg.Limits.DeepDischargeVoltage
	c.CheckVoltages(mm)
	if !sink.violated(diag.IDDeepDischargeDetected, 0) {
		t.Fatal("expected deep discharge detected")
	}

	mm.MinimumCellVoltage[0] = 3600
	c.CheckVoltages(mm)
	if !sink.violated(diag.IDDeepDischargeDetected, 0) {
		t.Fatal("deep discharge must stay latched")
	}
}

func TestCheckTemperaturesUsesDirectionLimits(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)

	// at charge MSL, below discharge RSL
	mm := nominalMinMax()
	mm.MaximumTemperature[0] = cfg.Limits.ChargeTemperatureMax.MSL

	pack := &battery.PackValues{}
	pack.StringCurrent[0] = 10000 // discharging
	c.CheckTemperatures(mm, pack)

	if sink.violated(diag.IDTemperatureOvertemperatureDischargeRSL, 0) {
		t.Error("discharge RSL must not be violated")
	}
	if sink.violated(diag.IDTemperatureOvertemperatureChargeMSL, 0) {
		t.Error("charge limits must not apply while discharging")
	}

	pack.StringCurrent[0] = -10000 // charging
	c.CheckTemperatures(mm, pack)
	if !sink.violated(diag.IDTemperatureOvertemperatureChargeMSL, 0) {
		t.Error("expected charge MSL violated while charging")
	}

	// at rest uses the charge limits
	pack.StringCurrent[0] = 0
	mm.MinimumTemperature[0] = cfg.Limits.ChargeTemperatureMin.RSL
	c.CheckTemperatures(mm, pack)
	if !sink.violated(diag.IDTemperatureUndertemperatureChargeRSL, 0) {
		t.Error("expected charge undertemperature RSL at rest")
	}
	if sink.violated(diag.IDTemperatureUndertemperatureDischargeMOL, 0) {
		t.Error("discharge limits must be cleared at rest")
	}
}

func TestCheckCurrentStringAndCell(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)
	c.SetStringStatus(fixedStatus{true, true, true})

	pack := &battery.PackValues{InvalidPackCurrent: true}
	// cell and string limits coincide with 4 parallel cells
	pack.StringCurrent[1] = cfg.Limits.CellCurrentDischargeMSL * cfg.ParallelCellsPerString
	c.CheckCurrent(pack)

	if !sink.violated(diag.IDCellOvercurrentDischargeMSL, 1) {
		t.Error("expected cell overcurrent")
	}
	if !sink.violated(diag.IDStringOvercurrentDischargeMSL, 1) {
		t.Error("expected string overcurrent at the same current")
	}
	if sink.violated(diag.IDStringOvercurrentChargeMSL, 1) {
		t.Error("charge direction must be cleared")
	}
	if sink.reported(diag.IDPackOvercurrentDischargeMSL, 0) {
		t.Error("invalid pack current must not be evaluated")
	}
}

func TestCheckCurrentSkipsInvalidStrings(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)

	pack := &battery.PackValues{}
	pack.InvalidStringCurrent[2] = true
	pack.StringCurrent[2] = 1_000_000
	c.CheckCurrent(pack)

	if sink.reported(diag.IDStringOvercurrentDischargeMSL, 2) {
		t.Error("invalid string current must not be evaluated")
	}
}

func TestCheckCurrentOnOpenString(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)
	c.SetStringStatus(fixedStatus{true, false, true})

	pack := &battery.PackValues{}
	pack.StringCurrent[1] = cfg.OpenStringLeakageCurrent + 1
	pack.StringCurrent[2] = cfg.OpenStringLeakageCurrent + 1
	c.CheckCurrent(pack)

	if !sink.violated(diag.IDCurrentOnOpenString, 1) {
		t.Error("expected current on open string 1")
	}
	if sink.violated(diag.IDCurrentOnOpenString, 2) {
		t.Error("closed string 2 may carry current")
	}
}

func TestCheckCurrentPack(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)

	pack := &battery.PackValues{PackCurrent: -cfg.Limits.PackCurrentChargeMSL}
	c.CheckCurrent(pack)
	if !sink.violated(diag.IDPackOvercurrentChargeMSL, 0) {
		t.Error("expected pack charge overcurrent")
	}
	if rep := sink.last[key{diag.IDPackOvercurrentChargeMSL, 0}]; rep.scope != diag.ScopeSystem {
		t.Error("pack current must be reported with system scope")
	}
}

func TestNilSnapshotPanics(t *testing.T) {
	cfg := battery.DefaultConfig()
	c := New(&cfg, newRecordingSink(), discard)

	defer func() {
		r := recover()
		if _, ok := r.(*AssertionError); !ok {
			t.Fatalf("expected AssertionError panic, got %v", r)
		}
	}()
	c.CheckVoltages(nil)
}

func TestCheckSlaveTemperaturesNoop(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)
	c.CheckSlaveTemperatures()
	if sink.calls != 0 {
		t.Errorf("expected no reports, got %d", sink.calls)
	}
}

func TestCheckVoltagesUndervoltageTiers(t *testing.T) {
	cfg := battery.DefaultConfig()
	limits := cfg.Limits.CellVoltageMin

	tests := []struct {
		name    string
		voltage int32
		wantMOL bool
		wantRSL bool
		wantMSL bool
	}{
		{"above MOL", limits.MOL + 1, false, false, false},
		{"at MOL", limits.MOL, true, false, false},
		{"between MOL and RSL", limits.RSL + 1, true, false, false},
		{"at RSL", limits.RSL, true, true, false},
		{"at MSL", limits.MSL, true, true, true},
		{"below MSL", limits.MSL - 100, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newRecordingSink()
			c := New(&cfg, sink, discard)

			mm := nominalMinMax()
			mm.MinimumCellVoltage[2] = tt.voltage
			c.CheckVoltages(mm)

			if got := sink.violated(diag.IDCellVoltageUndervoltageMOL, 2); got != tt.wantMOL {
				t.Errorf("MOL violated = %v, want %v", got, tt.wantMOL)
			}
			if got := sink.violated(diag.IDCellVoltageUndervoltageRSL, 2); got != tt.wantRSL {
				t.Errorf("RSL violated = %v, want %v", got, tt.wantRSL)
			}
			if got := sink.violated(diag.IDCellVoltageUndervoltageMSL, 2); got != tt.wantMSL {
				t.Errorf("MSL violated = %v, want %v", got, tt.wantMSL)
			}
			if sink.violated(diag.IDCellVoltageUndervoltageMOL, 1) {
				t.Error("string 1 must not be flagged")
			}
		})
	}
}

func TestDeepDischargeStaysRaisedWhileVoltageRecovers(t *testing.T) {
	cfg := battery.DefaultConfig()
	l := cfg.Limits
	sink := newRecordingSink()
	c := New(&cfg, sink, discard)

	mm := nominalMinMax()
	mm.MinimumCellVoltage[1] = l.DeepDischargeVoltage - 1
	c.CheckVoltages(mm)
	if !sink.violated(diag.IDDeepDischargeDetected, 1) {
		t.Fatal("expected deep discharge detected")
	}

	steps := []struct {
		name    string
		voltage int32
		wantMSL bool
	}{
		{"at threshold", l.DeepDischargeVoltage, true},
		{"back at MSL", l.CellVoltageMin.MSL, true},
		{"above RSL", l.CellVoltageMin.RSL + 1, false},
		{"above MOL", l.CellVoltageMin.MOL + 1, false},
		{"nominal", 3600, false},
	}

	for _, step := range steps {
		mm.MinimumCellVoltage[1] = step.voltage
		c.CheckVoltages(mm)

		if !sink.violated(diag.IDDeepDischargeDetected, 1) {
			t.Errorf("%s: deep discharge cleared", step.name)
		}
		if got := sink.violated(diag.IDCellVoltageUndervoltageMSL, 1); got != step.wantMSL {
			t.Errorf("%s: MSL violated = %v, want %v", step.name, got, step.wantMSL)
		}
	}
	if sink.reported(diag.IDDeepDischargeDetected, 0) {
		t.Error("deep discharge must stay on its string")
	}
}

type failingSink struct {
	recordingSink
}

func (f *failingSink) Handler(id diag.ID, event diag.Event, scope diag.Scope, s int) error {
	f.recordingSink.Handler(id, event, scope, s)
	return errors.New("unknown id")
}

func TestSinkErrorsAreLogged(t *testing.T) {
	cfg := battery.DefaultConfig()
	sink := &failingSink{recordingSink: *newRecordingSink()}
	var buf bytes.Buffer
	c := New(&cfg, sink, log.New(&buf, "", 0))

	c.CheckVoltages(nominalMinMax())

	if sink.calls == 0 {
		t.Fatal("expected reports")
	}
	if got := strings.Count(buf.String(), "Failed to report diagnosis"); got != sink.calls {
		t.Errorf("expected %d logged failures, got %d", sink.calls, got)
	}
	if !strings.Contains(buf.String(), "unknown id") {
		t.Errorf("expected sink error in log, got %q", buf.String())
	}
}
