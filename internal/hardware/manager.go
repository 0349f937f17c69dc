package hardware

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/redis/go-redis/v9"
)

// ErrNoSuchContactor is returned for a contactor missing from the wiring table.
var ErrNoSuchContactor = errors.New("no such contactor")

// DefaultFeedbackTolerance is how long an auxiliary contact may disagree
// with the coil before the feedback is reported invalid.
const DefaultFeedbackTolerance = 300 * time.Millisecond

// WearRecorder persists contactor operation counters
type WearRecorder interface {
	RecordOperation(stringNumber int, typ battery.ContactorType, closed bool) error
	RecordLoadBreak(stringNumber int, typ battery.ContactorType, current int32) error
}

// contactorEvent is a state change or load break waiting to be recorded
type contactorEvent struct {
	id        ContactorID
	state     battery.ContactorState
	loadBreak bool
	current   int32
}

// Manager drives the contactors of the pack and mirrors their state to Redis.
// Coil and feedback access is not safe for concurrent use; the service loop
// owns it. Wear recording and the Redis mirror run in Run.
type Manager struct {
	driver  Driver
	battery *battery.Config
	redis   *redis.Client
	wear    WearRecorder
	logger  *log.Logger
	ctx     context.Context
	now     func() time.Time
	events  chan contactorEvent

	FeedbackTolerance time.Duration

	commanded     map[ContactorID]battery.ContactorState
	sampled       map[ContactorID]battery.ContactorState
	mismatchSince map[ContactorID]time.Time
	readFailed    map[ContactorID]bool
}

// NewManager creates a new contactor manager. redisClient and wear may be nil.
func NewManager(ctx context.Context, driver Driver, batteryCfg *battery.Config, redisClient *redis.Client, wear WearRecorder, logger *log.Logger) *Manager {
	m := &Manager{
		driver:            driver,
		battery:           batteryCfg,
		redis:             redisClient,
		wear:              wear,
		logger:            logger,
		ctx:               ctx,
		now:               time.Now,
		FeedbackTolerance: DefaultFeedbackTolerance,
		commanded:         make(map[ContactorID]battery.ContactorState),
		sampled:           make(map[ContactorID]battery.ContactorState),
		mismatchSince:     make(map[ContactorID]time.Time),
		readFailed:        make(map[ContactorID]bool),
		events:            make(chan contactorEvent, 64),
	}

	// coils are requested de-energized
	for _, cc := range batteryCfg.Contactors {
		m.commanded[ContactorID{cc.String, cc.Type}] = battery.ContactorOff
	}

	return m
}

// OpenContactor releases the coil of a contactor
func (m *Manager) OpenContactor(stringNumber int, typ battery.ContactorType) error {
	return m.switchContactor(ContactorID{stringNumber, typ}, false)
}

// CloseContactor energizes the coil of a contactor
func (m *Manager) CloseContactor(stringNumber int, typ battery.ContactorType) error {
	return m.switchContactor(ContactorID{stringNumber, typ}, true)
}

// OpenPrecharge opens the precharge contactor of a string
func (m *Manager) OpenPrecharge(stringNumber int) error {
	return m.OpenContactor(stringNumber, battery.ContactorPrecharge)
}

// ClosePrecharge closes the precharge contactor of a string
func (m *Manager) ClosePrecharge(stringNumber int) error {
	return m.CloseContactor(stringNumber, battery.ContactorPrecharge)
}

// OpenAllPrechargeContactors opens every wired precharge contactor
func (m *Manager) OpenAllPrechargeContactors() error {
	var errs []error
	for s := 0; s < battery.NumStrings; s++ {
		if !m.battery.HasPrecharge(s) {
			continue
		}
		if err := m.OpenPrecharge(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) switchContactor(id ContactorID, closed bool) error {
	if _, ok := m.battery.Contactor(id.String, id.Type); !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchContactor, id.Name())
	}

	if err := m.driver.SetCoil(id, closed); err != nil {
		return err
	}

	state := battery.ContactorOff
	if closed {
		state = battery.ContactorOn
	}

	// retries re-drive the coil but do not move the contactor
	if m.commanded[id] == state {
		return nil
	}
	m.commanded[id] = state

	m.logger.Printf("Contactor %s %s", id.Name(), state)
	m.enqueue(contactorEvent{id: id, state: state})
	return nil
}

func (m *Manager) enqueue(ev contactorEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Printf("Warning: Contactor event queue full, dropping event for %s", ev.id.Name())
	}
}

// Run records queued contactor events until ctx is done, then flushes what
// is left.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.Flush()
			return
		case ev := <-m.events:
			m.record(ev)
		}
	}
}

// Flush records all queued events in the calling goroutine
func (m *Manager) Flush() {
	for {
		select {
		case ev := <-m.events:
			m.record(ev)
		default:
			return
		}
	}
}

func (m *Manager) record(ev contactorEvent) {
	if ev.loadBreak {
		m.recordLoadBreak(ev.id, ev.current)
		return
	}

	if m.wear != nil {
		if err := m.wear.RecordOperation(ev.id.String, ev.id.Type, ev.state == battery.ContactorOn); err != nil {
			m.logger.Printf("Warning: Failed to record contactor operation: %v", err)
		}
	}
	m.publish(ev.id, ev.state)
}

// publish updates the contactor state in Redis
func (m *Manager) publish(id ContactorID, state battery.ContactorState) {
	if m.redis == nil {
		return
	}

	pipe := m.redis.Pipeline()
	pipe.HSet(m.ctx, "bms:contactors", id.Name(), state.String())
	pipe.HIncrBy(m.ctx, "bms:contactor-ops", id.Name(), 1)
	pipe.Publish(m.ctx, "bms:contactors", id.Name())
	if _, err := pipe.Exec(m.ctx); err != nil {
		m.logger.Printf("Warning: Failed to update contactor state in Redis: %v", err)
	}
}

// OpenedUnderLoad counts a contactor opened above its break current
func (m *Manager) OpenedUnderLoad(stringNumber int, typ battery.ContactorType, current int32) {
	id := ContactorID{stringNumber, typ}
	m.logger.Printf("Contactor %s opened under load (%d mA)", id.Name(), current)
	m.enqueue(contactorEvent{id: id, loadBreak: true, current: current})
}

func (m *Manager) recordLoadBreak(id ContactorID, current int32) {
	if m.wear != nil {
		if err := m.wear.RecordLoadBreak(id.String, id.Type, current); err != nil {
			m.logger.Printf("Warning: Failed to record load break: %v", err)
		}
	}

	if m.redis == nil {
		return
	}
	pipe := m.redis.Pipeline()
	pipe.HIncrBy(m.ctx, "bms:contactor-load-breaks", id.Name(), 1)
	pipe.Publish(m.ctx, "bms:contactors", "load-break")
	if _, err := pipe.Exec(m.ctx); err != nil {
		m.logger.Printf("Warning: Failed to update load break counter in Redis: %v", err)
	}
}

// GetContactorState returns the sampled auxiliary contact state, or the
// commanded state for contactors without feedback.
func (m *Manager) GetContactorState(stringNumber int, typ battery.ContactorType) battery.ContactorState {
	cc, ok := m.battery.Contactor(stringNumber, typ)
	if !ok {
		return battery.ContactorUndefined
	}
	id := ContactorID{stringNumber, typ}
	if !cc.HasFeedback {
		return m.commanded[id]
	}
	return m.sampled[id]
}

// RefreshFeedback samples all auxiliary contacts
func (m *Manager) RefreshFeedback() {
	now := m.now()
	for _, cc := range m.battery.Contactors {
		if !cc.HasFeedback {
			continue
		}
		id := ContactorID{cc.String, cc.Type}

		closed, err := m.driver.ReadFeedback(id)
		if err != nil {
			if !m.readFailed[id] {
				m.logger.Printf("Failed to read feedback of %s: %v", id.Name(), err)
				m.readFailed[id] = true
			}
			m.sampled[id] = battery.ContactorUndefined
		} else {
			m.readFailed[id] = false
			m.sampled[id] = battery.ContactorOff
			if closed {
				m.sampled[id] = battery.ContactorOn
			}
		}

		if m.sampled[id] == m.commanded[id] {
			delete(m.mismatchSince, id)
		} else if _, ok := m.mismatchSince[id]; !ok {
			m.mismatchSince[id] = now
		}
	}
}

// FeedbackValid is false once the auxiliary contact has disagreed with the
// coil for longer than FeedbackTolerance.
func (m *Manager) FeedbackValid(stringNumber int, typ battery.ContactorType) bool {
	since, ok := m.mismatchSince[ContactorID{stringNumber, typ}]
	return !ok || m.now().Sub(since) < m.FeedbackTolerance
}

// ClosedStrings reports which strings have both main contactors commanded closed
func (m *Manager) ClosedStrings() [battery.NumStrings]bool {
	var closed [battery.NumStrings]bool
	for s := 0; s < battery.NumStrings; s++ {
		closed[s] = m.commanded[ContactorID{s, battery.ContactorPlus}] == battery.ContactorOn &&
			m.commanded[ContactorID{s, battery.ContactorMinus}] == battery.ContactorOn
	}
	return closed
}

// AnyClosed is true while any coil is energized
func (m *Manager) AnyClosed() bool {
	for _, st := range m.commanded {
		if st == battery.ContactorOn {
			return true
		}
	}
	return false
}

// InitializeRedisState publishes the startup state of all contactors
func (m *Manager) InitializeRedisState() error {
	if m.redis == nil {
		return nil
	}

	pipe := m.redis.Pipeline()
	for id, st := range m.commanded {
		pipe.HSet(m.ctx, "bms:contactors", id.Name(), st.String())
	}
	pipe.Publish(m.ctx, "bms:contactors", "init")

	if _, err := pipe.Exec(m.ctx); err != nil {
		return fmt.Errorf("failed to initialize Redis contactor state: %w", err)
	}

	m.logger.Printf("Initialized Redis contactor state for %d contactors", len(m.commanded))
	return nil
}
