package diag

import "time"

// ID identifies a diagnosis entry
type ID int

const (
	IDNone ID = iota

	IDCellVoltageOvervoltageMOL
	IDCellVoltageOvervoltageRSL
	IDCellVoltageOvervoltageMSL
	IDCellVoltageUndervoltageMOL
	IDCellVoltageUndervoltageRSL
	IDCellVoltageUndervoltageMSL
	IDDeepDischargeDetected

	IDTemperatureOvertemperatureChargeMOL
	IDTemperatureOvertemperatureChargeRSL
	IDTemperatureOvertemperatureChargeMSL
	IDTemperatureOvertemperatureDischargeMOL
	IDTemperatureOvertemperatureDischargeRSL
	IDTemperatureOvertemperatureDischargeMSL
	IDTemperatureUndertemperatureChargeMOL
	IDTemperatureUndertemperatureChargeRSL
	IDTemperatureUndertemperatureChargeMSL
	IDTemperatureUndertemperatureDischargeMOL
	IDTemperatureUndertemperatureDischargeRSL
	IDTemperatureUndertemperatureDischargeMSL

	IDCellOvercurrentChargeMSL
	IDCellOvercurrentDischargeMSL
	IDStringOvercurrentChargeMSL
	IDStringOvercurrentDischargeMSL
	IDPackOvercurrentChargeMSL
	IDPackOvercurrentDischargeMSL
	IDCurrentOnOpenString

	IDOpenWire
	IDContactorFeedback
	IDPrechargeAbort
	IDAlertMode
	IDMeasurementTimeout
)

// Severity classifies how the system reacts to an active entry
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Scope tells whether an entry is tracked per string or once for the system
type Scope int

const (
	ScopeSystem Scope = iota
	ScopeString
)

// Config describes one diagnosis entry.
type Config struct {
	ID          ID
	Description string
	Severity    Severity
	Scope       Scope

	// Threshold is the number of consecutive NotOK events needed to activate
	// the entry.
	Threshold uint16

	// Delay is the time a fatal entry may stay active before the state
	// machine opens the contactors.
	Delay time.Duration
}

var faultConfigs = map[ID]Config{
	IDCellVoltageOvervoltageMOL:  {IDCellVoltageOvervoltageMOL, "Cell overvoltage (operating limit)", SeverityInfo, ScopeString, 1, 0},
	IDCellVoltageOvervoltageRSL:  {IDCellVoltageOvervoltageRSL, "Cell overvoltage (recommended safety limit)", SeverityWarning, ScopeString, 1, 0},
	IDCellVoltageOvervoltageMSL:  {IDCellVoltageOvervoltageMSL, "Cell overvoltage (maximum safety limit)", SeverityFatal, ScopeString, 1, 200 * time.Millisecond},
	IDCellVoltageUndervoltageMOL: {IDCellVoltageUndervoltageMOL, "Cell undervoltage (operating limit)", SeverityInfo, ScopeString, 1, 0},
	IDCellVoltageUndervoltageRSL: {IDCellVoltageUndervoltageRSL, "Cell undervoltage (recommended safety limit)", SeverityWarning, ScopeString, 1, 0},
	IDCellVoltageUndervoltageMSL: {IDCellVoltageUndervoltageMSL, "Cell undervoltage (maximum safety limit)", SeverityFatal, ScopeString, 1, 200 * time.Millisecond},
	IDDeepDischargeDetected:      {IDDeepDischargeDetected, "Deep discharge detected", SeverityFatal, ScopeString, 1, 0},

	IDTemperatureOvertemperatureChargeMOL:     {IDTemperatureOvertemperatureChargeMOL, "Overtemperature during charge (operating limit)", SeverityInfo, ScopeString, 1, 0},
	IDTemperatureOvertemperatureChargeRSL:     {IDTemperatureOvertemperatureChargeRSL, "Overtemperature during charge (recommended safety limit)", SeverityWarning, ScopeString, 1, 0},
	IDTemperatureOvertemperatureChargeMSL:     {IDTemperatureOvertemperatureChargeMSL, "Overtemperature during charge (maximum safety limit)", SeverityFatal, ScopeString, 1, time.Second},
	IDTemperatureOvertemperatureDischargeMOL:  {IDTemperatureOvertemperatureDischargeMOL, "Overtemperature during discharge (operating limit)", SeverityInfo, ScopeString, 1, 0},
	IDTemperatureOvertemperatureDischargeRSL:  {IDTemperatureOvertemperatureDischargeRSL, "Overtemperature during discharge (recommended safety limit)", SeverityWarning, ScopeString, 1, 0},
	IDTemperatureOvertemperatureDischargeMSL:  {IDTemperatureOvertemperatureDischargeMSL, "Overtemperature during discharge (maximum safety limit)", SeverityFatal, ScopeString, 1, time.Second},
	IDTemperatureUndertemperatureChargeMOL:    {IDTemperatureUndertemperatureChargeMOL, "Undertemperature during charge (operating limit)", SeverityInfo, ScopeString, 1, 0},
	IDTemperatureUndertemperatureChargeRSL:    {IDTemperatureUndertemperatureChargeRSL, "Undertemperature during charge (recommended safety limit)", SeverityWarning, ScopeString, 1, 0},
	IDTemperatureUndertemperatureChargeMSL:    {IDTemperatureUndertemperatureChargeMSL, "Undertemperature during charge (maximum safety limit)", SeverityFatal, ScopeString, 1, time.Second},
	IDTemperatureUndertemperatureDischargeMOL: {IDTemperatureUndertemperatureDischargeMOL, "Undertemperature during discharge (operating limit)", SeverityInfo, ScopeString, 1, 0},
	IDTemperatureUndertemperatureDischargeRSL: {IDTemperatureUndertemperatureDischargeRSL, "Undertemperature during discharge (recommended safety limit)", SeverityWarning, ScopeString, 1, 0},
	IDTemperatureUndertemperatureDischargeMSL: {IDTemperatureUndertemperatureDischargeMSL, "Undertemperature during discharge (maximum safety limit)", SeverityFatal, ScopeString, 1, time.Second},

	IDCellOvercurrentChargeMSL:      {IDCellOvercurrentChargeMSL, "Cell overcurrent during charge", SeverityFatal, ScopeString, 1, 0},
	IDCellOvercurrentDischargeMSL:   {IDCellOvercurrentDischargeMSL, "Cell overcurrent during discharge", SeverityFatal, ScopeString, 1, 0},
	IDStringOvercurrentChargeMSL:    {IDStringOvercurrentChargeMSL, "String overcurrent during charge", SeverityFatal, ScopeString, 1, 0},
	IDStringOvercurrentDischargeMSL: {IDStringOvercurrentDischargeMSL, "String overcurrent during discharge", SeverityFatal, ScopeString, 1, 0},
	IDPackOvercurrentChargeMSL:      {IDPackOvercurrentChargeMSL, "Pack overcurrent during charge", SeverityFatal, ScopeSystem, 1, 0},
	IDPackOvercurrentDischargeMSL:   {IDPackOvercurrentDischargeMSL, "Pack overcurrent during discharge", SeverityFatal, ScopeSystem, 1, 0},
	IDCurrentOnOpenString:           {IDCurrentOnOpenString, "Current flowing on open string", SeverityFatal, ScopeString, 1, 100 * time.Millisecond},

	IDOpenWire:          {IDOpenWire, "Cell voltage sense wire open", SeverityFatal, ScopeString, 3, 5 * time.Second},
	IDContactorFeedback: {IDContactorFeedback, "Contactor feedback does not follow command", SeverityFatal, ScopeString, 1, 0},
	IDPrechargeAbort:    {IDPrechargeAbort, "Precharge failed", SeverityWarning, ScopeString, 1, 0},
	IDAlertMode:         {IDAlertMode, "Contactor opened above rated break current", SeverityWarning, ScopeString, 1, 0},

	IDMeasurementTimeout: {IDMeasurementTimeout, "Measurements not updated", SeverityFatal, ScopeSystem, 1, 0},
}

// GetFaultConfig returns the registry entry for an ID.
func GetFaultConfig(id ID) (Config, bool) {
	config, ok := faultConfigs[id]
	return config, ok
}

// DefaultConfigs returns a copy of the built-in registry.
func DefaultConfigs() map[ID]Config {
	configs := make(map[ID]Config, len(faultConfigs))
	for id, c := range faultConfigs {
		configs[id] = c
	}
	return configs
}
