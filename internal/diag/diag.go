// Package diag keeps the state of every diagnosis entry and forwards
// activation and clearing edges to reporters.
package diag

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/librescoot/bms-service/internal/battery"
)

// Event is the outcome of one check
type Event int

const (
	EventOK Event = iota
	EventNotOK
)

// Fault is one activation or clearing edge of a diagnosis entry.
type Fault struct {
	ID          ID
	Description string
	Severity    Severity
	Scope       Scope
	String      int
	Active      bool
	Time        time.Time
}

// Reporter receives every edge. Implementations must not block for long as
// they are called from the control loop; see AsyncReporter.
type Reporter interface {
	ReportFault(f Fault)
}

type entryKey struct {
	id     ID
	string int
}

type entry struct {
	counter uint16
	active  bool
}

// Manager is the fault sink shared by all checkers.
type Manager struct {
	logger    *log.Logger
	configs   map[ID]Config
	reporters []Reporter
	now       func() time.Time

	mu      sync.RWMutex
	entries map[entryKey]*entry
}

// NewManager creates a manager with the built-in registry.
func NewManager(logger *log.Logger, reporters ...Reporter) *Manager {
	return NewManagerWithConfigs(logger, DefaultConfigs(), reporters...)
}

// NewManagerWithConfigs creates a manager with a custom registry.
func NewManagerWithConfigs(logger *log.Logger, configs map[ID]Config, reporters ...Reporter) *Manager {
	return &Manager{
		logger:    logger,
		configs:   configs,
		reporters: reporters,
		now:       time.Now,
		entries:   make(map[entryKey]*entry),
	}
}

// AddReporter registers another edge consumer. Not safe to call while the
// control loop is running.
func (m *Manager) AddReporter(r Reporter) {
	m.reporters = append(m.reporters, r)
}

// Handler records the outcome of a check. NotOK events count up to the
// entry's threshold before the entry activates; a single OK event clears it.
// stringNumber is ignored for system scoped entries.
func (m *Manager) Handler(id ID, event Event, scope Scope, stringNumber int) error {
	config, ok := m.configs[id]
	if !ok {
		return fmt.Errorf("unknown diagnosis id %d", id)
	}
	if config.Scope != scope {
		return fmt.Errorf("diagnosis id %d reported with wrong scope", id)
	}
	if scope == ScopeSystem {
		stringNumber = 0
	} else if stringNumber < 0 || stringNumber >= battery.NumStrings {
		return fmt.Errorf("diagnosis id %d: string %d out of range", id, stringNumber)
	}

	key := entryKey{id: id, string: stringNumber}

	m.mu.Lock()
	e, exists := m.entries[key]
	if !exists {
		e = &entry{}
		m.entries[key] = e
	}

	var edge bool
	switch event {
	case EventNotOK:
		threshold := config.Threshold
		if threshold == 0 {
			threshold = 1
		}
		if e.counter < threshold {
			e.counter++
		}
		if e.counter >= threshold && !e.active {
			e.active = true
			edge = true
		}
	case EventOK:
		e.counter = 0
		if e.active {
			e.active = false
			edge = true
		}
	default:
		m.mu.Unlock()
		return fmt.Errorf("diagnosis id %d: unknown event %d", id, event)
	}
	active := e.active
	m.mu.Unlock()

	if !edge {
		return nil
	}

	if active {
		m.logger.Printf("Fault set: %s (string %d, %s)", config.Description, stringNumber, config.Severity)
	} else {
		m.logger.Printf("Fault cleared: %s (string %d)", config.Description, stringNumber)
	}

	f := Fault{
		ID:          id,
		Description: config.Description,
		Severity:    config.Severity,
		Scope:       config.Scope,
		String:      stringNumber,
		Active:      active,
		Time:        m.now(),
	}
	for _, r := range m.reporters {
		r.ReportFault(f)
	}
	return nil
}

// IsActive reports whether the entry is active on any string.
func (m *Manager) IsActive(id ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, e := range m.entries {
		if k.id == id && e.active {
			return true
		}
	}
	return false
}

// IsActiveForString reports whether the entry is active for one string.
func (m *Manager) IsActiveForString(id ID, stringNumber int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryKey{id: id, string: stringNumber}]
	return ok && e.active
}

// FatalFaults lists the registry entries of fatal severity, ordered by ID.
func (m *Manager) FatalFaults() []Config {
	var fatal []Config
	for _, c := range m.configs {
		if c.Severity == SeverityFatal {
			fatal = append(fatal, c)
		}
	}
	sort.Slice(fatal, func(i, j int) bool { return fatal[i].ID < fatal[j].ID })
	return fatal
}

// ActiveFaults returns the currently active entries ordered by ID and string.
func (m *Manager) ActiveFaults() []Fault {
	m.mu.RLock()
	var active []Fault
	for k, e := range m.entries {
		if !e.active {
			continue
		}
		c := m.configs[k.id]
		active = append(active, Fault{
			ID:          k.id,
			Description: c.Description,
			Severity:    c.Severity,
			Scope:       c.Scope,
			String:      k.string,
			Active:      true,
		})
	}
	m.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].ID != active[j].ID {
			return active[i].ID < active[j].ID
		}
		return active[i].String < active[j].String
	})
	return active
}
