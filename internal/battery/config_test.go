package battery

import "testing"

func TestCurrentFlowDirectionPositiveDischarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PositiveDischargeCurrent = true
	cfg.RestCurrent = 200

	tests := []struct {
		current int32
		want    CurrentFlow
	}{
		{200, FlowDischarging},
		{5000, FlowDischarging},
		{199, FlowAtRest},
		{0, FlowAtRest},
		{-199, FlowAtRest},
		{-200, FlowCharging},
		{-5000, FlowCharging},
	}

	for _, tt := range tests {
		if got := cfg.CurrentFlowDirection(tt.current); got != tt.want {
			t.Errorf("CurrentFlowDirection(%d) = %s, want %s", tt.current, got, tt.want)
		}
	}
}

func TestCurrentFlowDirectionNegativeDischarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PositiveDischargeCurrent = false
	cfg.RestCurrent = 200

	if got := cfg.CurrentFlowDirection(-200); got != FlowDischarging {
		t.Errorf("expected discharging at -200mA, got %s", got)
	}
	if got := cfg.CurrentFlowDirection(200); got != FlowCharging {
		t.Errorf("expected charging at 200mA, got %s", got)
	}
	if got := cfg.CurrentFlowDirection(100); got != FlowAtRest {
		t.Errorf("expected at rest at 100mA, got %s", got)
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.HasPrecharge(0) {
		t.Error("string 0 should have a precharge contactor")
	}
	if cfg.HasPrecharge(1) {
		t.Error("string 1 should not have a precharge contactor")
	}
}

func TestValidateRejectsMissingMinus(t *testing.T) {
	cfg := DefaultConfig()
	var kept []ContactorConfig
	for _, cc := range cfg.Contactors {
		if cc.String == 2 && cc.Type == ContactorMinus {
			continue
		}
		kept = append(kept, cc)
	}
	cfg.Contactors = kept

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for string without minus contactor")
	}
}

func TestValidateRejectsUnorderedTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.CellVoltageMax = Tiers{MOL: 4250, RSL: 4200, MSL: 4150}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for inverted upper tiers")
	}

	cfg = DefaultConfig()
	cfg.Limits.ChargeTemperatureMin = Tiers{MOL: 0, RSL: 50, MSL: 100}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for inverted lower tiers")
	}
}
