package hardware

import (
	"fmt"
	"log"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/warthog618/go-gpiocdev"
)

// ContactorID addresses one contactor of the pack
type ContactorID struct {
	String int
	Type   battery.ContactorType
}

func (id ContactorID) Name() string {
	return fmt.Sprintf("%d:%s", id.String, id.Type)
}

// Pins are the GPIO offsets of a contactor. Feedback is -1 for contactors
// without an auxiliary contact.
type Pins struct {
	Coil     int
	Feedback int
}

// DefaultPinout returns the line offsets of the reference harness.
// Coils sit on bank 3, auxiliary contacts on bank 4 (32 lines per bank).
func DefaultPinout() map[ContactorID]Pins {
	pins := make(map[ContactorID]Pins)
	for s := 0; s < battery.NumStrings; s++ {
		pins[ContactorID{s, battery.ContactorPlus}] = Pins{Coil: 96 + 2*s, Feedback: 128 + 2*s}
		pins[ContactorID{s, battery.ContactorMinus}] = Pins{Coil: 97 + 2*s, Feedback: 129 + 2*s}
	}
	pins[ContactorID{0, battery.ContactorPrecharge}] = Pins{Coil: 104, Feedback: -1}
	return pins
}

// StatusLEDLine is the offset of the status indicator LED (GPIO 3:12)
const StatusLEDLine = 108

// Driver is the low level access to coils, feedback inputs and the LED.
type Driver interface {
	SetCoil(id ContactorID, energized bool) error
	ReadFeedback(id ContactorID) (closed bool, err error)
	SetLED(on bool) error
}

// GPIOManager handles GPIO operations for contactor control
type GPIOManager struct {
	chip   *gpiocdev.Chip
	lines  map[string]*gpiocdev.Line
	pins   map[ContactorID]Pins
	logger *log.Logger
	dryRun bool

	// dry run: feedback follows the coil
	simulated map[ContactorID]bool
}

// NewGPIOManager creates a new GPIO manager
func NewGPIOManager(logger *log.Logger, chipName string, pins map[ContactorID]Pins, dryRun bool) (*GPIOManager, error) {
	gm := &GPIOManager{
		lines:     make(map[string]*gpiocdev.Line),
		pins:      pins,
		logger:    logger,
		dryRun:    dryRun,
		simulated: make(map[ContactorID]bool),
	}

	if !dryRun {
		chip, err := gpiocdev.NewChip(chipName)
		if err != nil {
			return nil, fmt.Errorf("failed to open GPIO chip: %w", err)
		}
		gm.chip = chip

		if err := gm.initializeLines(); err != nil {
			gm.Close()
			return nil, fmt.Errorf("failed to initialize contactor GPIO lines: %w", err)
		}
	}

	return gm, nil
}

func coilName(id ContactorID) string     { return "coil-" + id.Name() }
func feedbackName(id ContactorID) string { return "feedback-" + id.Name() }

// initializeLines requests all coils de-energized so every contactor starts open
func (gm *GPIOManager) initializeLines() error {
	for id, p := range gm.pins {
		coil, err := gm.chip.RequestLine(p.Coil, gpiocdev.AsOutput(0))
		if err != nil {
			return fmt.Errorf("failed to request coil GPIO %d for %s: %w", p.Coil, id.Name(), err)
		}
		gm.lines[coilName(id)] = coil

		if p.Feedback < 0 {
			continue
		}
		fb, err := gm.chip.RequestLine(p.Feedback, gpiocdev.AsInput, gpiocdev.WithPullDown)
		if err != nil {
			return fmt.Errorf("failed to request feedback GPIO %d for %s: %w", p.Feedback, id.Name(), err)
		}
		gm.lines[feedbackName(id)] = fb
	}

	led, err := gm.chip.RequestLine(StatusLEDLine, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("failed to request status LED GPIO: %w", err)
	}
	gm.lines["status-led"] = led

	gm.logger.Printf("Initialized %d contactor GPIO lines", len(gm.lines))
	return nil
}

// SetCoil energizes or releases a contactor coil
func (gm *GPIOManager) SetCoil(id ContactorID, energized bool) error {
	if gm.dryRun {
		gm.logger.Printf("DRY RUN: Would set coil %s to %v", id.Name(), energized)
		gm.simulated[id] = energized
		return nil
	}

	line, exists := gm.lines[coilName(id)]
	if !exists {
		return fmt.Errorf("coil GPIO line for %s not initialized", id.Name())
	}

	value := 0
	if energized {
		value = 1
	}

	if err := line.SetValue(value); err != nil {
		return fmt.Errorf("failed to set coil GPIO for %s: %w", id.Name(), err)
	}
	return nil
}

// ReadFeedback samples the auxiliary contact of a contactor
func (gm *GPIOManager) ReadFeedback(id ContactorID) (bool, error) {
	if gm.dryRun {
		return gm.simulated[id], nil
	}

	line, exists := gm.lines[feedbackName(id)]
	if !exists {
		return false, fmt.Errorf("feedback GPIO line for %s not initialized", id.Name())
	}

	value, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("failed to read feedback GPIO for %s: %w", id.Name(), err)
	}
	return value == 1, nil
}

// SetLED switches the status indicator
func (gm *GPIOManager) SetLED(on bool) error {
	if gm.dryRun {
		return nil
	}

	line, exists := gm.lines["status-led"]
	if !exists {
		return fmt.Errorf("status LED GPIO line not initialized")
	}

	value := 0
	if on {
		value = 1
	}
	return line.SetValue(value)
}

// Close releases all GPIO resources
func (gm *GPIOManager) Close() error {
	if gm.dryRun {
		return nil
	}

	var lastErr error

	// Close all lines
	for name, line := range gm.lines {
		if err := line.Close(); err != nil {
			gm.logger.Printf("Failed to close GPIO line %s: %v", name, err)
			lastErr = err
		}
	}

	// Close chip
	if gm.chip != nil {
		if err := gm.chip.Close(); err != nil {
			gm.logger.Printf("Failed to close GPIO chip: %v", err)
			lastErr = err
		}
	}

	gm.logger.Printf("Closed GPIO manager")
	return lastErr
}
