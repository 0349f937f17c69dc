package bms

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

type fakeData struct {
	pack     battery.PackValues
	minMax   battery.MinMax
	openWire battery.OpenWire
}

func (f *fakeData) ReadPackValues(dst *battery.PackValues) { *dst = f.pack }
func (f *fakeData) ReadMinMax(dst *battery.MinMax) { *dst = f.minMax }
func (f *fakeData) ReadOpenWire(dst *battery.OpenWire) { *dst = f.openWire }

type contactorKey struct {
	s   int
	typ battery.ContactorType
}

type fakeContactors struct {
	state           map[contactorKey]battery.ContactorState
	stuck           map[contactorKey]bool
	calls           []string
	prechargeCloses int
}

func newFakeContactors() *fakeContactors {
	return &fakeContactors{
		state: make(map[contactorKey]battery.ContactorState),
		stuck: make(map[contactorKey]bool),
	}
}

func (f *fakeContactors) set(s int, typ battery.ContactorType, st battery.ContactorState) {
	k := contactorKey{s, typ}
	if f.stuck[k] {
		return
	}
	f.state[k] = st
}

func (f *fakeContactors) OpenContactor(s int, typ battery.ContactorType) error {
	f.calls = append(f.calls, fmt.Sprintf("open %d %s", s, typ))
	f.set(s, typ, battery.ContactorOff)
	return nil
}

func (f *fakeContactors) CloseContactor(s int, typ battery.ContactorType) error {
	f.calls = append(f.calls, fmt.Sprintf("close %d %s", s, typ))
	f.set(s, typ, battery.ContactorOn)
	return nil
}

func (f *fakeContactors) GetContactorState(s int, typ battery.ContactorType) battery.ContactorState {
	if st, ok := f.state[contactorKey{s, typ}]; ok {
		return st
	}
	return battery.ContactorOff
}

func (f *fakeContactors) OpenAllPrechargeContactors() error {
	f.calls = append(f.calls, "open all precharge")
	for s := 0; s < battery.NumStrings; s++ {
		f.set(s, battery.ContactorPrecharge, battery.ContactorOff)
	}
	return nil
}

func (f *fakeContactors) OpenPrecharge(s int) error {
	f.calls = append(f.calls, fmt.Sprintf("open %d precharge", s))
	f.set(s, battery.ContactorPrecharge, battery.ContactorOff)
	return nil
}

func (f *fakeContactors) ClosePrecharge(s int) error {
	f.calls = append(f.calls, fmt.Sprintf("close %d precharge", s))
	f.prechargeCloses++
	f.set(s, battery.ContactorPrecharge, battery.ContactorOn)
	return nil
}

func (f *fakeContactors) RefreshFeedback() {}
func (f *fakeContactors) FeedbackValid(s int, t battery.ContactorType) bool { return true }

type fakeIMD struct {
	ready    bool
	requests int
}

func (f *fakeIMD) RequestMeasurement() error {
	f.requests++
	if !f.ready {
		return ErrIllegalRequest
	}
	return nil
}

type fakeBalancing struct {
	permitted bool
	calls     int
}

func (f *fakeBalancing) SetBalancingPermitted(p bool) {
	f.permitted = p
	f.calls++
}

type fakeIndicator struct {
	pattern IndicatorPattern
}

func (f *fakeIndicator) SetIndicator(p IndicatorPattern) { f.pattern = p }

type fakeMode struct {
	mode Mode
}

func (f *fakeMode) Mode() Mode { return f.mode }

type noopSOA struct{}

func (noopSOA) CheckVoltages(*battery.MinMax) {}
func (noopSOA) CheckTemperatures(*battery.MinMax, *battery.PackValues) {}
func (noopSOA) CheckCurrent(*battery.PackValues) {}

type loadBreak struct {
	s       int
	typ     battery.ContactorType
	current int32
	count   int
}

func (l *loadBreak) OpenedUnderLoad(s int, typ battery.ContactorType, current int32) {
	l.s, l.typ, l.current = s, typ, current
	l.count++
}

type harness struct {
	m          *Machine
	data       *fakeData
	contactors *fakeContactors
	imd        *fakeIMD
	balancing  *fakeBalancing
	indicator  *fakeIndicator
	mode       *fakeMode
	faults     *diag.Manager
	loadBreak  *loadBreak
	battery    *battery.Config
	clock      time.Time
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OscillationTimeout = 20 * time.Millisecond
	cfg.StringCloseTimeout = 30 * time.Millisecond
	cfg.StringOpenTimeout = 30 * time.Millisecond
	cfg.PrechargeTime = 20 * time.Millisecond
	cfg.PrechargeRetryCooldown = 20 * time.Millisecond
	cfg.NextStringDelay = 20 * time.Millisecond
	cfg.FuseTriggerDuration = 60 * time.Millisecond
	return cfg
}

func nominalPack() battery.PackValues {
	var p battery.PackValues
	p.StringVoltage = [battery.NumStrings]int32{50000, 50100, 49900}
	p.HighVoltageBusVoltage = 50000
	p.BatteryVoltage = 50000
	return p
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	batteryCfg := battery.DefaultConfig()
	h := &harness{
		data:       &fakeData{pack: nominalPack()},
		contactors: newFakeContactors(),
		imd:        &fakeIMD{ready: true},
		balancing:  &fakeBalancing{},
		indicator:  &fakeIndicator{},
		mode:       &fakeMode{},
		faults:     diag.NewManager(log.New(io.Discard, "", 0)),
		loadBreak:  &loadBreak{},
		battery:    &batteryCfg,
		clock:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.m = New(testConfig(), h.battery, Dependencies{
		Data:       h.data,
		Contactors: h.contactors,
		IMD:        h.imd,
		Balancing:  h.balancing,
		Indicator:  h.indicator,
		Mode:       h.mode,
		Faults:     h.faults,
		SOA:        noopSOA{},
		LoadBreak:  h.loadBreak,
	}, log.New(io.Discard, "", 0))
	h.m.now = func() time.Time { return h.clock }
	return h
}

// runUntil calls Trigger until cond holds, advancing the fake clock by one
// tick per call.
func (h *harness) runUntil(t *testing.T, maxCalls int, cond func() bool) {
	t.Helper()
	for i := 0; i < maxCalls; i++ {
		if cond() {
			return
		}
		h.m.Trigger()
		h.clock = h.clock.Add(h.m.cfg.Tick)
	}
	if !cond() {
		t.Fatalf("condition not reached after %d calls, in %s/%s", maxCalls, h.m.ctx.state, h.m.ctx.substate)
	}
}

// step runs exactly one handler, skipping any pending wait.
func (h *harness) step() {
	h.m.ctx.timer = 0
	h.m.Trigger()
}

func (h *harness) inState(state State, substate Substate) func() bool {
	return func() bool {
		return h.m.ctx.state == state && h.m.ctx.substate == substate
	}
}

func (h *harness) toStandby(t *testing.T) {
	t.Helper()
	if r := h.m.SetStateRequest(RequestInit); r != RequestOK {
		t.Fatalf("init request: %s", r)
	}
	h.runUntil(t, 500, h.inState(StateStandby, SubstateCheckErrorFlags))
}

func (h *harness) toNormal(t *testing.T) {
	t.Helper()
	h.toStandby(t)
	h.mode.mode = ModeNormal
	h.runUntil(t, 500, func() bool { return h.m.ctx.state == StateNormal })
}
