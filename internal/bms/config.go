package bms

import "time"

// Config holds the timing and sequencing parameters of the state machine.
// All durations are converted to ticks of Tick when the machine is built.
type Config struct {
	Tick time.Duration

	// ShortWait is the default pause between two substates.
	ShortWait time.Duration

	// OscillationTimeout is the minimum time spent in standby before a new
	// precharge may start.
	OscillationTimeout time.Duration

	StringCloseTimeout time.Duration
	StringOpenTimeout  time.Duration

	// CommandRetries is how often a contactor command is re-issued after
	// its confirmation timed out before the machine gives up.
	CommandRetries int

	PrechargeTries            int
	PrechargeTime             time.Duration
	PrechargeRetryCooldown    time.Duration
	PrechargeVoltageThreshold int32 // mV
	PrechargeCurrentThreshold int32 // mA

	// NextStringDelay is the pause between connecting two strings in normal
	// operation.
	NextStringDelay           time.Duration
	NextStringVoltageLimit    int32 // mV
	AverageStringCurrentLimit int32 // mA

	// MainContactorBreakCurrent is the rated breaking current of the plus
	// and minus contactors (mA).
	MainContactorBreakCurrent int32

	// FuseTriggerDuration is how long the machine waits for the string fuse
	// to clear before opening a contactor above its break current.
	FuseTriggerDuration time.Duration

	// MeasurementTimeout is the largest tolerated age of the pack snapshot
	// once measurements have started. Zero disables the check.
	MeasurementTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tick:                      10 * time.Millisecond,
		ShortWait:                 10 * time.Millisecond,
		OscillationTimeout:        time.Second,
		StringCloseTimeout:        500 * time.Millisecond,
		StringOpenTimeout:         500 * time.Millisecond,
		CommandRetries:            1,
		PrechargeTries:            3,
		PrechargeTime:             time.Second,
		PrechargeRetryCooldown:    5 * time.Second,
		PrechargeVoltageThreshold: 2000,
		PrechargeCurrentThreshold: 500,
		NextStringDelay:           3 * time.Second,
		NextStringVoltageLimit:    3000,
		AverageStringCurrentLimit: 10000,
		MainContactorBreakCurrent: 30000,
		FuseTriggerDuration:       100 * time.Millisecond,
		MeasurementTimeout:        500 * time.Millisecond,
	}
}

// ticks converts d to a number of skipped trigger calls.
func (c Config) ticks(d time.Duration) int {
	return int(d / c.Tick)
}
