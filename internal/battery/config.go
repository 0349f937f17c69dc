package battery

import (
	"fmt"
	"time"
)

// Tiers are the three ordered thresholds for a measured quantity. For upper
// limits MOL < RSL < MSL, for lower limits MOL > RSL > MSL.
type Tiers struct {
	MOL int32
	RSL int32
	MSL int32
}

// Limits are the safe operating area thresholds of the cell type in use.
type Limits struct {
	CellVoltageMax       Tiers // mV
	CellVoltageMin       Tiers // mV
	DeepDischargeVoltage int32 // mV

	DischargeTemperatureMax Tiers // ddegC
	DischargeTemperatureMin Tiers
	ChargeTemperatureMax    Tiers
	ChargeTemperatureMin    Tiers

	CellCurrentDischargeMSL   int32 // mA
	CellCurrentChargeMSL      int32
	StringCurrentDischargeMSL int32
	StringCurrentChargeMSL    int32
	PackCurrentDischargeMSL   int32
	PackCurrentChargeMSL      int32
}

// Config is the static description of the battery system.
type Config struct {
	// PositiveDischargeCurrent is true when the current sensor reports
	// discharge current with a positive sign.
	PositiveDischargeCurrent bool

	// RestCurrent is the magnitude below which the pack is considered at rest (mA).
	RestCurrent int32

	// RelaxationPeriod is how long the pack stays in relaxation after current
	// has dropped below RestCurrent.
	RelaxationPeriod time.Duration

	ParallelCellsPerString int32

	// OpenStringLeakageCurrent is the largest current tolerated on a string
	// whose contactors are open (mA).
	OpenStringLeakageCurrent int32

	Contactors []ContactorConfig
	Limits     Limits
}

// DefaultConfig returns the configuration of the reference pack: three
// strings of NMC cells, precharge path on string 0.
func DefaultConfig() Config {
	cfg := Config{
		PositiveDischargeCurrent: true,
		RestCurrent:              200,
		RelaxationPeriod:         10 * time.Minute,
		ParallelCellsPerString:   4,
		OpenStringLeakageCurrent: 500,
		Limits: Limits{
			CellVoltageMax:          Tiers{MOL: 4150, RSL: 4200, MSL: 4250},
			CellVoltageMin:          Tiers{MOL: 2700, RSL: 2600, MSL: 2500},
			DeepDischargeVoltage:    2000,
			DischargeTemperatureMax: Tiers{MOL: 450, RSL: 500, MSL: 550},
			DischargeTemperatureMin: Tiers{MOL: -100, RSL: -150, MSL: -200},
			ChargeTemperatureMax:    Tiers{MOL: 350, RSL: 400, MSL: 450},
			ChargeTemperatureMin:    Tiers{MOL: 100, RSL: 50, MSL: 0},

			CellCurrentDischargeMSL:   20000,
			CellCurrentChargeMSL:      10000,
			StringCurrentDischargeMSL: 80000,
			StringCurrentChargeMSL:    40000,
			PackCurrentDischargeMSL:   240000,
			PackCurrentChargeMSL:      120000,
		},
	}

	for s := 0; s < NumStrings; s++ {
		cfg.Contactors = append(cfg.Contactors,
			ContactorConfig{String: s, Type: ContactorPlus, Breaking: BreakingDischargeDirection, HasFeedback: true},
			ContactorConfig{String: s, Type: ContactorMinus, Breaking: BreakingBidirectional, HasFeedback: true},
		)
	}
	cfg.Contactors = append(cfg.Contactors,
		ContactorConfig{String: 0, Type: ContactorPrecharge, Breaking: BreakingBidirectional, HasFeedback: false},
	)

	return cfg
}

// HasPrecharge reports whether the string is wired with a precharge contactor.
func (c *Config) HasPrecharge(stringNumber int) bool {
	_, ok := c.Contactor(stringNumber, ContactorPrecharge)
	return ok
}

// Contactor looks up the configuration of a contactor.
func (c *Config) Contactor(stringNumber int, typ ContactorType) (ContactorConfig, bool) {
	for _, cc := range c.Contactors {
		if cc.String == stringNumber && cc.Type == typ {
			return cc, true
		}
	}
	return ContactorConfig{}, false
}

// Validate checks the tier ordering of all limits.
func (l Limits) Validate() error {
	upper := map[string]Tiers{
		"cell voltage max":          l.CellVoltageMax,
		"discharge temperature max": l.DischargeTemperatureMax,
		"charge temperature max":    l.ChargeTemperatureMax,
	}
	for name, t := range upper {
		if !(t.MOL <= t.RSL && t.RSL <= t.MSL) {
			return fmt.Errorf("%s: tiers out of order (MOL %d, RSL %d, MSL %d)", name, t.MOL, t.RSL, t.MSL)
		}
	}

	lower := map[string]Tiers{
		"cell voltage min":          l.CellVoltageMin,
		"discharge temperature min": l.DischargeTemperatureMin,
		"charge temperature min":    l.ChargeTemperatureMin,
	}
	for name, t := range lower {
		if !(t.MOL >= t.RSL && t.RSL >= t.MSL) {
			return fmt.Errorf("%s: tiers out of order (MOL %d, RSL %d, MSL %d)", name, t.MOL, t.RSL, t.MSL)
		}
	}

	if l.DeepDischargeVoltage > l.CellVoltageMin.MSL {
		return fmt.Errorf("deep discharge voltage %d above minimum MSL %d", l.DeepDischargeVoltage, l.CellVoltageMin.MSL)
	}
	return nil
}

// Validate checks the wiring table: every string needs a plus and a minus
// contactor and no contactor may be listed twice.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}

	type key struct {
		s int
		t ContactorType
	}
	seen := make(map[key]bool)
	for _, cc := range c.Contactors {
		if cc.String < 0 || cc.String >= NumStrings {
			return fmt.Errorf("contactor %s references string %d out of range", cc.Type, cc.String)
		}
		k := key{cc.String, cc.Type}
		if seen[k] {
			return fmt.Errorf("contactor %s of string %d listed twice", cc.Type, cc.String)
		}
		seen[k] = true
	}
	for s := 0; s < NumStrings; s++ {
		if !seen[key{s, ContactorPlus}] || !seen[key{s, ContactorMinus}] {
			return fmt.Errorf("string %d needs both plus and minus contactors", s)
		}
	}
	if c.ParallelCellsPerString <= 0 {
		return fmt.Errorf("parallel cells per string must be positive, got %d", c.ParallelCellsPerString)
	}
	return nil
}
