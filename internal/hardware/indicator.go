package hardware

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/librescoot/bms-service/internal/bms"
)

// blinkStep is the base period of the indicator; a slow blink toggles every
// fourth step.
const blinkStep = 125 * time.Millisecond

// Indicator blinks the status LED according to the BMS state
type Indicator struct {
	driver  Driver
	logger  *log.Logger
	pattern atomic.Int32
	lit     bool
	steps   int
}

// NewIndicator creates a new status indicator
func NewIndicator(driver Driver, logger *log.Logger) *Indicator {
	return &Indicator{
		driver: driver,
		logger: logger,
	}
}

// SetIndicator selects the blink pattern. Safe to call from any goroutine.
func (ind *Indicator) SetIndicator(pattern bms.IndicatorPattern) {
	if bms.IndicatorPattern(ind.pattern.Swap(int32(pattern))) != pattern {
		ind.logger.Printf("Status indicator: %s", pattern)
	}
}

// Pattern returns the active blink pattern
func (ind *Indicator) Pattern() bms.IndicatorPattern {
	return bms.IndicatorPattern(ind.pattern.Load())
}

// Run drives the LED until ctx is cancelled
func (ind *Indicator) Run(ctx context.Context) {
	ticker := time.NewTicker(blinkStep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ind.set(false)
			return
		case <-ticker.C:
			ind.step()
		}
	}
}

func (ind *Indicator) step() {
	ind.steps++

	switch ind.Pattern() {
	case bms.IndicatorFastBlink:
		ind.set(!ind.lit)
	case bms.IndicatorSlowBlink:
		if ind.steps%4 == 0 {
			ind.set(!ind.lit)
		}
	default:
		ind.set(false)
	}
}

func (ind *Indicator) set(on bool) {
	if on == ind.lit {
		return
	}
	if err := ind.driver.SetLED(on); err != nil {
		ind.logger.Printf("Failed to set status LED: %v", err)
		return
	}
	ind.lit = on
}
