package battery

// CurrentFlowDirection classifies a current reading. Readings within
// RestCurrent of zero are at rest; the thresholds themselves count as flow.
func (c *Config) CurrentFlowDirection(current int32) CurrentFlow {
	if c.PositiveDischargeCurrent {
		if current >= c.RestCurrent {
			return FlowDischarging
		}
		if current <= -c.RestCurrent {
			return FlowCharging
		}
		return FlowAtRest
	}

	if current <= -c.RestCurrent {
		return FlowDischarging
	}
	if current >= c.RestCurrent {
		return FlowCharging
	}
	return FlowAtRest
}

// Abs returns the magnitude of a measurement.
func Abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
