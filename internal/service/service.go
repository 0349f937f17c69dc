package service

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/bms"
	"github.com/librescoot/bms-service/internal/config"
	"github.com/librescoot/bms-service/internal/diag"
	"github.com/librescoot/bms-service/internal/fsm"
	"github.com/librescoot/bms-service/internal/hardware"
	"github.com/librescoot/bms-service/internal/inhibitor"
	"github.com/librescoot/bms-service/internal/messaging"
	"github.com/librescoot/bms-service/internal/mqtt"
	"github.com/librescoot/bms-service/internal/soa"
	"github.com/librescoot/bms-service/internal/store"
	"github.com/librescoot/bms-service/internal/telemetry"
	"github.com/librescoot/librefsm"
	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"
)

// faultHistoryLimit is the number of fault events kept in the database
const faultHistoryLimit = 10000

const inhibitorInterval = 100 * time.Millisecond

// statePublisher is the redis-ipc side of the service
type statePublisher interface {
	PublishState(st bms.Status, request string, force bool) error
	PublishRequest(request string) error
}

type stateUpdate struct {
	status  bms.Status
	request string
	force   bool
}

type Service struct {
	config  *config.Config
	logger  *log.Logger
	battery battery.Config
	session string

	redis         *redis_ipc.Client
	standardRedis *redis.Client
	messaging     *messaging.Client
	publisher     statePublisher

	gpio       *hardware.GPIOManager
	contactors *hardware.Manager
	indicator  *hardware.Indicator
	listener   *hardware.RedisListener
	source     *telemetry.RedisSource

	faults    *diag.Manager
	reporters []*diag.AsyncReporter
	machine   *bms.Machine
	arbiter   *librefsm.Machine

	store     *store.Store
	mqtt      mqtt.Publisher
	mqttQueue chan mqtt.StateEvent
	inhibitor *inhibitor.SleepInhibitor

	events     chan Event
	stateQueue chan stateUpdate

	// written by arbiter callbacks, read by the machine
	mode           atomic.Int32
	request        atomic.Value
	allDeactivated atomic.Bool
	holdInhibitor  atomic.Bool

	initRequested bool
	lastStatus    bms.Status
	lastPublish   time.Time
}

func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	redisConfig := redis_ipc.Config{
		Address:       cfg.RedisHost,
		Port:          cfg.RedisPort,
		RetryInterval: 5 * time.Second,
		MaxRetries:    3,
	}

	redisClient, err := redis_ipc.New(redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %v", err)
	}

	// Standard Redis client for measurements, fault stream and contactor state
	ctx := context.Background()
	standardRedisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:   0,
	})

	service := &Service{
		config:        cfg,
		logger:        logger,
		battery:       battery.DefaultConfig(),
		session:       uuid.NewString(),
		redis:         redisClient,
		standardRedis: standardRedisClient,
		events:        make(chan Event, 100),
		stateQueue:    make(chan stateUpdate, 1),
	}
	service.request.Store("")

	if err := service.battery.Validate(); err != nil {
		return nil, fmt.Errorf("invalid battery configuration: %w", err)
	}

	service.messaging = messaging.New(redisClient, logger)
	service.publisher = service.messaging

	if cfg.DatabasePath != "" {
		st, err := store.Open(ctx, cfg.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		service.store = st
	}

	if cfg.MQTTBroker != "" {
		pub, err := mqtt.NewRealPublisher(cfg.MQTTBroker, "bms-service-"+service.session[:8])
		if err != nil {
			// telemetry only, keep running without it
			logger.Printf("Failed to connect to MQTT broker %s: %v", cfg.MQTTBroker, err)
		} else {
			service.mqtt = pub
			service.mqttQueue = make(chan mqtt.StateEvent, 16)
		}
	}

	gpio, err := hardware.NewGPIOManager(logger, cfg.GPIOChip, hardware.DefaultPinout(), cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create GPIO manager: %v", err)
	}
	service.gpio = gpio

	var wear hardware.WearRecorder
	if service.store != nil {
		wear = service.store
	}
	service.contactors = hardware.NewManager(ctx, gpio, &service.battery, standardRedisClient, wear, logger)
	service.indicator = hardware.NewIndicator(gpio, logger)
	service.source = telemetry.NewRedisSource(standardRedisClient, cfg.PollInterval, logger)
	service.source.MaxAge = cfg.MaxMeasurementAge

	service.faults = diag.NewManager(logger)
	service.addReporter(telemetry.NewStreamReporter(ctx, standardRedisClient, logger))
	if service.store != nil {
		service.addReporter(service.store)
	}
	if service.mqtt != nil {
		service.addReporter(mqtt.NewFaultReporter(service.mqtt, logger))
	}

	if cfg.InhibitSleep {
		service.inhibitor = inhibitor.New(logger, "bms-service", "battery strings connected")
	}

	if err := service.buildMachines(); err != nil {
		return nil, err
	}

	service.listener = hardware.NewRedisListener(ctx, standardRedisClient, service.machine, logger)

	return service, nil
}

func (s *Service) addReporter(r diag.Reporter) {
	async := diag.NewAsyncReporter(r, 64, s.logger)
	s.reporters = append(s.reporters, async)
	s.faults.AddReporter(async)
}

// buildMachines creates the BMS state machine and the mode arbiter
func (s *Service) buildMachines() error {
	checker := soa.New(&s.battery, s.faults, s.logger)

	bmsConfig := bms.DefaultConfig()
	bmsConfig.Tick = s.config.Tick
	bmsConfig.MeasurementTimeout = s.config.MaxMeasurementAge

	s.machine = bms.New(bmsConfig, &s.battery, bms.Dependencies{
		Data:       s.source,
		Contactors: s.contactors,
		IMD:        s.messaging,
		Balancing:  s.messaging,
		Indicator:  s.indicator,
		Mode:       s,
		Faults:     s.faults,
		SOA:        checker,
		LoadBreak:  s.contactors,
	}, s.logger)
	checker.SetStringStatus(s.machine)

	def := fsm.NewDefinition(s, s.config.RequestTimeout)
	arbiter, err := def.Build(
		librefsm.WithLogger(slog.New(slog.NewTextHandler(s.logger.Writer(), nil))),
		librefsm.WithStateChangeCallback(func(from, to librefsm.StateID) {
			s.logger.Printf("Mode request: %s -> %s", from, to)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to build mode arbiter: %w", err)
	}
	s.arbiter = arbiter
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.contactors.InitializeRedisState(); err != nil {
		s.logger.Printf("Warning: %v", err)
	}

	if s.store != nil {
		if n, err := s.store.PruneFaults(ctx, faultHistoryLimit); err != nil {
			s.logger.Printf("Warning: %v", err)
		} else if n > 0 {
			s.logger.Printf("Pruned %d old fault events", n)
		}
	}

	for _, r := range s.reporters {
		go r.Run(ctx)
	}

	if err := s.messaging.Start(s.onModeRequest); err != nil {
		return fmt.Errorf("failed to start messaging: %v", err)
	}

	if err := s.listener.Start(); err != nil {
		return fmt.Errorf("failed to start string command listener: %v", err)
	}

	if err := s.arbiter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mode arbiter: %v", err)
	}

	go s.source.Run(ctx)
	go s.indicator.Run(ctx)
	go s.contactors.Run(ctx)
	go s.messaging.Run(ctx)
	go s.runStatePublisher(ctx)
	go s.waitForMeasurements(ctx)
	if s.mqtt != nil {
		go s.runMQTT(ctx)
	}
	if s.inhibitor != nil {
		go s.runInhibitor(ctx)
	}

	// Run event loop
	s.eventLoop(ctx)

	s.shutdown()
	return nil
}

// waitForMeasurements posts EventMeasurementsReady once every string has
// reported, so the first SOA checks run on real data.
func (s *Service) waitForMeasurements(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.source.Ready() {
				s.send(ctx, Event{Type: EventMeasurementsReady})
				return
			}
		}
	}
}

// send queues an event for the event loop unless ctx ends first
func (s *Service) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) onModeRequest(request string) {
	s.events <- Event{
		Type: EventModeRequest,
		Data: ModeRequestData{Request: request},
	}
}

// eventLoop processes all events sequentially and triggers the BMS state
// machine every tick. It owns the machine.
func (s *Service) eventLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.events:
			s.handleEvent(evt)
		case <-ticker.C:
			s.tick()
		}
	}
}

// handleEvent dispatches events to appropriate handlers
func (s *Service) handleEvent(evt Event) {
	switch evt.Type {
	case EventModeRequest:
		data := evt.Data.(ModeRequestData)
		s.handleModeRequest(data.Request)
	case EventMeasurementsReady:
		s.handleMeasurementsReady()
	}
}

// handleModeRequest forwards a mode request to the arbiter
func (s *Service) handleModeRequest(request string) {
	ev, ok := fsm.EventForRequest(request)
	if !ok {
		s.logger.Printf("Unknown mode request: %s", request)
		return
	}
	s.arbiter.Send(librefsm.Event{ID: ev})
}

func (s *Service) handleMeasurementsReady() {
	if s.initRequested {
		return
	}
	s.initRequested = true

	result := s.machine.SetStateRequest(bms.RequestInit)
	s.logger.Printf("Measurements available, init request: %s", result)
}

// tick runs one machine cycle and mirrors the result
func (s *Service) tick() {
	s.machine.Trigger()
	st := s.machine.Status()

	all := true
	for _, d := range st.DeactivatedStrings {
		all = all && d
	}
	s.allDeactivated.Store(all)

	s.holdInhibitor.Store(s.contactors.AnyClosed())

	s.publishStatus(st, time.Now())
}

// runInhibitor follows the contactor state with the logind lock. The dbus
// calls stay out of the tick.
func (s *Service) runInhibitor(ctx context.Context) {
	ticker := time.NewTicker(inhibitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.inhibitor.Update(s.holdInhibitor.Load())
		}
	}
}

// publishStatus publishes on change, and at least every PublishInterval
func (s *Service) publishStatus(st bms.Status, now time.Time) {
	changed := st != s.lastStatus
	periodic := now.Sub(s.lastPublish) >= s.config.PublishInterval
	if !changed && !periodic {
		return
	}

	request, _ := s.request.Load().(string)
	s.queueState(stateUpdate{status: st, request: request, force: periodic})

	if s.mqttQueue != nil && (st.State != s.lastStatus.State || st.ClosedStrings != s.lastStatus.ClosedStrings) {
		select {
		case s.mqttQueue <- s.stateEvent(st, request, now):
		default:
			s.logger.Printf("MQTT queue full, dropping state event")
		}
	}

	s.lastStatus = st
	s.lastPublish = now
}

// queueState hands an update to runStatePublisher. Only the newest update
// is kept; a pending forced update stays forced.
func (s *Service) queueState(u stateUpdate) {
	select {
	case s.stateQueue <- u:
		return
	default:
	}

	select {
	case old := <-s.stateQueue:
		u.force = u.force || old.force
	default:
	}
	// the tick is the only sender, so there is room now
	s.stateQueue <- u
}

func (s *Service) runStatePublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.stateQueue:
			s.sendState(u)
		}
	}
}

func (s *Service) sendState(u stateUpdate) {
	if err := s.publisher.PublishState(u.status, u.request, u.force); err != nil {
		s.logger.Printf("Failed to publish BMS state: %v", err)
	}
}

func (s *Service) stateEvent(st bms.Status, request string, now time.Time) mqtt.StateEvent {
	var closed []int
	for i, c := range st.ClosedStrings {
		if c {
			closed = append(closed, i)
		}
	}
	return mqtt.StateEvent{
		Timestamp:     now,
		Session:       s.session,
		State:         st.State.String(),
		Substate:      st.Substate.String(),
		CANState:      st.CANState(),
		Flow:          st.CurrentFlow.String(),
		ClosedStrings: closed,
		Request:       request,
	}
}

func (s *Service) runMQTT(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.mqttQueue:
			if err := s.mqtt.PublishState(ev); err != nil {
				s.logger.Printf("Failed to publish state to MQTT: %v", err)
			}
		}
	}
}

// openAllContactors de-energizes every coil: precharge first, then per
// string the contactor rated for the present current direction.
func (s *Service) openAllContactors() {
	if err := s.contactors.OpenAllPrechargeContactors(); err != nil {
		s.logger.Printf("Failed to open precharge contactors: %v", err)
	}
	for str := 0; str < battery.NumStrings; str++ {
		first := s.machine.GetFirstContactorToBeOpened(str)
		second := s.machine.GetSecondContactorToBeOpened(str, first)
		for _, typ := range []battery.ContactorType{first, second} {
			if err := s.contactors.OpenContactor(str, typ); err != nil {
				s.logger.Printf("Failed to open %s contactor of string %d: %v", typ, str, err)
			}
		}
	}
}

func (s *Service) shutdown() {
	s.logger.Printf("Opening all contactors for shutdown")
	s.openAllContactors()
	// wear counters and load-break records of the final opens
	s.contactors.Flush()

	s.arbiter.Stop()
	s.listener.Stop()

	if s.inhibitor != nil {
		if err := s.inhibitor.Close(); err != nil {
			s.logger.Printf("Failed to release sleep inhibitor: %v", err)
		}
	}

	if err := s.gpio.Close(); err != nil {
		s.logger.Printf("Failed to close GPIO manager: %v", err)
	}

	if s.mqtt != nil {
		if err := s.mqtt.Close(); err != nil {
			s.logger.Printf("Failed to close MQTT publisher: %v", err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Printf("Failed to close database: %v", err)
		}
	}

	if err := s.standardRedis.Close(); err != nil {
		s.logger.Printf("Failed to close Redis client: %v", err)
	}

	if err := s.redis.Close(); err != nil {
		s.logger.Printf("Failed to close Redis client: %v", err)
	}
}
