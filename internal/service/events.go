package service

// EventType represents the type of event in the system
type EventType int

const (
	EventModeRequest EventType = iota
	EventMeasurementsReady
)

// Event represents an event in the system
type Event struct {
	Type EventType
	Data interface{}
}

// ModeRequestData contains data for mode request events
type ModeRequestData struct {
	Request string
}
