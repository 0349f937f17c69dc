// Package mqtt publishes BMS state and fault events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"log"
	"time"

	"github.com/librescoot/bms-service/internal/diag"
)

// TopicState is the MQTT topic for BMS state changes.
const TopicState = "bms/state"

// TopicFaults is the MQTT topic for fault edges.
const TopicFaults = "bms/faults"

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishState sends a state snapshot to the broker.
	// Returns error if publishing fails (should not stop the control loop).
	PublishState(event StateEvent) error

	// PublishFault sends a fault set/clear edge.
	PublishFault(fault diag.Fault) error

	// Close disconnects from the broker.
	Close() error
}

// StateEvent is a BMS state snapshot.
type StateEvent struct {
	Timestamp     time.Time
	Session       string // changes on every service start
	State         string
	Substate      string
	CANState      string
	Flow          string
	ClosedStrings []int
	Request       string
}

// StatePayload represents the MQTT message payload for state events.
type StatePayload struct {
	BMS BMSPayload `json:"bms"`
}

// BMSPayload contains the state details.
type BMSPayload struct {
	Timestamp     string `json:"timestamp"`
	Session       string `json:"session"`
	State         string `json:"state"`
	Substate      string `json:"substate"`
	CANState      string `json:"can_state"`
	Flow          string `json:"flow"`
	ClosedStrings []int  `json:"closed_strings"`
	Request       string `json:"request,omitempty"`
}

// FormatStatePayload creates the JSON payload for a state event.
func FormatStatePayload(event StateEvent) ([]byte, error) {
	closed := event.ClosedStrings
	if closed == nil {
		closed = []int{}
	}
	payload := StatePayload{
		BMS: BMSPayload{
			Timestamp:     event.Timestamp.UTC().Format(time.RFC3339),
			Session:       event.Session,
			State:         event.State,
			Substate:      event.Substate,
			CANState:      event.CANState,
			Flow:          event.Flow,
			ClosedStrings: closed,
			Request:       event.Request,
		},
	}
	return json.Marshal(payload)
}

// FaultPayload represents the MQTT message payload for fault edges.
type FaultPayload struct {
	Fault FaultPayloadInner `json:"fault"`
}

// FaultPayloadInner contains the fault details.
type FaultPayloadInner struct {
	Timestamp   string `json:"timestamp"`
	Code        int    `json:"code"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	String      *int   `json:"string,omitempty"`
	Active      bool   `json:"active"`
}

// FormatFaultPayload creates the JSON payload for a fault edge.
func FormatFaultPayload(f diag.Fault) ([]byte, error) {
	inner := FaultPayloadInner{
		Timestamp:   f.Time.UTC().Format(time.RFC3339),
		Code:        int(f.ID),
		Description: f.Description,
		Severity:    f.Severity.String(),
		Active:      f.Active,
	}
	if f.Scope == diag.ScopeString {
		s := f.String
		inner.String = &s
	}
	return json.Marshal(FaultPayload{Fault: inner})
}

// FaultReporter forwards fault edges to a Publisher. It blocks on the
// broker, so wrap it in a diag.AsyncReporter.
type FaultReporter struct {
	pub    Publisher
	logger *log.Logger
}

// NewFaultReporter creates a diag.Reporter publishing to pub.
func NewFaultReporter(pub Publisher, logger *log.Logger) *FaultReporter {
	return &FaultReporter{pub: pub, logger: logger}
}

// ReportFault implements diag.Reporter.
func (r *FaultReporter) ReportFault(f diag.Fault) {
	if err := r.pub.PublishFault(f); err != nil {
		r.logger.Printf("Failed to publish fault to MQTT: %v", err)
	}
}
