package hardware

import (
	"sync"
)

// FakeDriver is a test double for Driver. Feedback follows the coil unless
// a contactor is marked stuck.
type FakeDriver struct {
	mu sync.Mutex

	// Coils holds the last commanded coil state per contactor
	Coils map[ContactorID]bool

	// Stuck contactors report the given feedback regardless of the coil
	Stuck map[ContactorID]bool

	// FeedbackError, if set, is returned by ReadFeedback
	FeedbackError error

	// CoilError, if set, is returned by SetCoil
	CoilError error

	// LEDToggles counts LED changes
	LEDToggles int
	LED        bool
}

// NewFakeDriver creates a FakeDriver with all coils released.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Coils: make(map[ContactorID]bool),
		Stuck: make(map[ContactorID]bool),
	}
}

func (f *FakeDriver) SetCoil(id ContactorID, energized bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CoilError != nil {
		return f.CoilError
	}
	f.Coils[id] = energized
	return nil
}

func (f *FakeDriver) ReadFeedback(id ContactorID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FeedbackError != nil {
		return false, f.FeedbackError
	}
	if v, ok := f.Stuck[id]; ok {
		return v, nil
	}
	return f.Coils[id], nil
}

func (f *FakeDriver) SetLED(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on != f.LED {
		f.LEDToggles++
	}
	f.LED = on
	return nil
}

// Toggles returns the LED toggle count
func (f *FakeDriver) Toggles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LEDToggles
}
