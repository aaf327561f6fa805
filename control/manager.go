package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/actuator"
	"github.com/mjasion/balena-home/battery-guard/alert"
	"github.com/mjasion/balena-home/battery-guard/battery"
	"github.com/mjasion/balena-home/battery-guard/hoststat"
	"github.com/mjasion/balena-home/battery-guard/telemetry"
)

// Loop states reported by Status
const (
	StateStopped = "stopped"
	StateStarted = "started"
)

const (
	eventStart = "start"
	eventStop  = "stop"
)

// Dispatcher sends a power command to the actuator
type Dispatcher interface {
	Send(ctx context.Context, cmd battery.Command) (actuator.Result, error)
}

// Observer is notified about everything a tick does
type Observer interface {
	ObserveSample(state battery.State)
	ObserveTelemetryError(err error)
	ObserveAlert(percent float64, err error)
	ObserveDispatch(cmd battery.Command, result actuator.Result, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveSample(battery.State)                            {}
func (nopObserver) ObserveTelemetryError(error)                            {}
func (nopObserver) ObserveAlert(float64, error)                            {}
func (nopObserver) ObserveDispatch(battery.Command, actuator.Result, error) {}

// HostReader reports the stats of the machine running the loop
type HostReader interface {
	Read() hoststat.Stats
}

// Options tune a Manager
type Options struct {
	// CriticalPercent is the charge below which one alert per episode is sent
	CriticalPercent float64
	// LogEvery logs the battery status every N ticks, 1 logs every tick
	LogEvery int
	// DispatchTimeout bounds a single background dispatch
	DispatchTimeout time.Duration
	// AlertTimeout bounds a single background alert
	AlertTimeout time.Duration
	Observer     Observer
	// Host is optional, nil leaves host stats out of logs and snapshots
	Host HostReader
}

// Descriptor describes a running loop
type Descriptor struct {
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	IntervalMs int64   `json:"intervalMs"`
}

// DispatchRecord is the outcome of the latest dispatch
type DispatchRecord struct {
	Command   string    `json:"command"`
	Via       string    `json:"via,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Failures  string    `json:"failures,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is the loop status exposed over HTTP
type Snapshot struct {
	Interval     string          `json:"interval"`
	Config       *Descriptor     `json:"config,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	Ticks        uint64          `json:"ticks"`
	Battery      *battery.State  `json:"battery,omitempty"`
	LastDispatch *DispatchRecord `json:"lastDispatch,omitempty"`
	Host         *hoststat.Stats `json:"host,omitempty"`
}

// LoopHandle owns one running schedule
type LoopHandle struct {
	cfg       battery.ControlConfig
	scheduler *cron.Cron
	debouncer AlertDebouncer
	ticks     atomic.Uint64
	stopped   atomic.Bool
	startedAt time.Time
}

// Descriptor returns the effective loop parameters
func (h *LoopHandle) Descriptor() Descriptor {
	return Descriptor{
		Min:        h.cfg.MinPercent,
		Max:        h.cfg.MaxPercent,
		IntervalMs: h.cfg.PollInterval.Milliseconds(),
	}
}

// Ticks returns how many ticks this handle has run
func (h *LoopHandle) Ticks() uint64 {
	return h.ticks.Load()
}

// Manager runs at most one control loop at a time
type Manager struct {
	provider   battery.TelemetryProvider
	dispatcher Dispatcher
	sink       alert.Sink
	opts       Options
	logger     *zap.Logger

	mu        sync.Mutex
	state     *fsm.FSM
	handle    *LoopHandle
	lastState *battery.State
	lastSent  *DispatchRecord

	tasks sync.WaitGroup
}

// NewManager creates a stopped manager
func NewManager(provider battery.TelemetryProvider, dispatcher Dispatcher, sink alert.Sink, opts Options, logger *zap.Logger) *Manager {
	if sink == nil {
		sink = alert.Nop{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = 30 * time.Second
	}

	m := &Manager{
		provider:   provider,
		dispatcher: dispatcher,
		sink:       sink,
		opts:       opts,
		logger:     logger,
	}
	m.state = fsm.NewFSM(
		StateStopped,
		fsm.Events{
			{Name: eventStart, Src: []string{StateStopped, StateStarted}, Dst: StateStarted},
			{Name: eventStop, Src: []string{StateStarted}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_" + StateStarted: func(ctx context.Context, e *fsm.Event) {
				logger.Info("control loop started")
			},
			"enter_" + StateStopped: func(ctx context.Context, e *fsm.Event) {
				logger.Info("control loop stopped")
			},
		},
	)
	return m
}

// Start validates cfg and (re)starts the loop with it.
// Any running loop is stopped first and the alert state starts fresh.
func (m *Manager) Start(cfg battery.ControlConfig) (*LoopHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		m.logger.Info("replacing running control loop", zap.Any("previous", m.handle.Descriptor()))
		m.stopHandleLocked()
	}

	h := &LoopHandle{
		cfg: cfg,
		scheduler: cron.New(cron.WithChain(
			cron.Recover(cronLogger{m.logger}),
			cron.SkipIfStillRunning(cronLogger{m.logger}),
		)),
		startedAt: time.Now(),
	}
	h.scheduler.Schedule(cron.Every(cfg.PollInterval), cron.FuncJob(func() { m.tick(h) }))
	h.scheduler.Start()
	m.handle = h

	if err := m.state.Event(context.Background(), eventStart); isTransitionError(err) {
		m.logger.Error("control loop state transition failed", zap.Error(err))
	}

	m.logger.Info("starting battery check",
		zap.Duration("interval", cfg.PollInterval),
		zap.Float64("min", cfg.MinPercent),
		zap.Float64("max", cfg.MaxPercent),
	)
	return h, nil
}

// Stop halts the running loop. Calling it when stopped does nothing.
// Dispatches and alerts already in flight are left to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return
	}
	m.stopHandleLocked()
	if err := m.state.Event(context.Background(), eventStop); isTransitionError(err) {
		m.logger.Error("control loop state transition failed", zap.Error(err))
	}
}

func (m *Manager) stopHandleLocked() {
	m.handle.stopped.Store(true)
	m.handle.scheduler.Stop()
	m.handle = nil
}

// Status returns "started" or "stopped"
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Current()
}

// Snapshot returns the current loop status with the latest sample and dispatch
func (m *Manager) Snapshot() Snapshot {
	var host *hoststat.Stats
	if m.opts.Host != nil {
		stats := m.opts.Host.Read()
		host = &stats
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{Interval: m.state.Current(), Host: host}
	if m.handle != nil {
		d := m.handle.Descriptor()
		s.Config = &d
		startedAt := m.handle.startedAt
		s.StartedAt = &startedAt
		s.Ticks = m.handle.Ticks()
	}
	if m.lastState != nil {
		st := *m.lastState
		s.Battery = &st
	}
	if m.lastSent != nil {
		rec := *m.lastSent
		s.LastDispatch = &rec
	}
	return s
}

// Shutdown stops the loop and waits for background alerts and dispatches
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

func (m *Manager) tick(h *LoopHandle) {
	if h.stopped.Load() {
		return
	}

	ctx, span := otel.Tracer("battery-guard").Start(context.Background(), "control.tick")
	defer span.End()

	n := h.ticks.Add(1)
	span.SetAttributes(attribute.Int64("tick", int64(n)))

	state, err := m.provider.Sample(ctx)
	if err != nil {
		if !errors.Is(err, battery.ErrTelemetryUnavailable) {
			err = fmt.Errorf("%w: %v", battery.ErrTelemetryUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.ErrorWithTrace(ctx, m.logger, "battery sample failed, skipping tick", zap.Error(err))
		m.opts.Observer.ObserveTelemetryError(err)
		return
	}

	// the handle may have been replaced or stopped while sampling
	if h.stopped.Load() {
		m.logger.Debug("control loop stopped during sample, dropping tick", zap.Uint64("tick", n))
		return
	}

	m.mu.Lock()
	m.lastState = &state
	m.mu.Unlock()
	m.opts.Observer.ObserveSample(state)

	span.SetAttributes(
		attribute.Float64("battery.percent", state.Percent),
		attribute.Bool("battery.ac_connected", state.ACConnected),
	)

	if m.opts.LogEvery == 1 || (n-1)%uint64(m.opts.LogEvery) == 0 {
		fields := []zap.Field{
			zap.Float64("percent", state.Percent),
			zap.String("status", state.PowerStatus()),
			zap.Uint64("tick", n),
		}
		if m.opts.Host != nil {
			fields = append(fields, hostFields(m.opts.Host.Read())...)
		}
		telemetry.InfoWithTrace(ctx, m.logger, "battery status", fields...)
	}

	if h.debouncer.OnSample(state, m.opts.CriticalPercent) && !h.stopped.Load() {
		m.notifyCritical(state.Percent)
	}

	cmd, ok := Decide(state, h.cfg)
	if !ok || h.stopped.Load() {
		return
	}

	telemetry.InfoWithTrace(ctx, m.logger, "requesting ac power change",
		zap.Stringer("command", cmd),
		zap.Float64("percent", state.Percent),
		zap.Bool("has_battery", state.HasBattery),
		zap.Bool("ac_connected", state.ACConnected),
	)
	m.dispatch(cmd)
}

func hostFields(s hoststat.Stats) []zap.Field {
	fields := []zap.Field{
		zap.Float64("cpu_ghz", s.CPUMHz/1000),
		zap.Float64("load1", s.Load1),
		zap.Float64("ram_used_gb", float64(s.MemUsedBytes)/(1<<30)),
		zap.Float64("ram_total_gb", float64(s.MemTotal)/(1<<30)),
	}
	if s.TemperatureC != nil {
		fields = append(fields, zap.Float64("cpu_temp_c", *s.TemperatureC))
	}
	return fields
}

func (m *Manager) notifyCritical(percent float64) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.AlertTimeout)
		defer cancel()

		err := m.sink.NotifyCritical(ctx, percent)
		if err != nil {
			m.logger.Error("failed to send critical battery alert", zap.Float64("percent", percent), zap.Error(err))
		}
		m.opts.Observer.ObserveAlert(percent, err)
	}()
}

func (m *Manager) dispatch(cmd battery.Command) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DispatchTimeout)
		defer cancel()

		result, err := m.dispatcher.Send(ctx, cmd)

		rec := &DispatchRecord{
			Command:   cmd.String(),
			Via:       string(result.Via),
			Transport: result.Transport,
			Failures:  result.FailureDetail(),
			At:        time.Now(),
		}
		if err != nil {
			rec.Error = err.Error()
			m.logger.Error("failed to switch ac power", zap.Stringer("command", cmd), zap.Error(err))
		} else {
			m.logger.Info("switched ac power",
				zap.Stringer("command", cmd),
				zap.String("via", string(result.Via)),
				zap.String("transport", result.Transport),
				zap.Duration("duration", result.Duration),
			)
		}

		m.mu.Lock()
		m.lastSent = rec
		m.mu.Unlock()
		m.opts.Observer.ObserveDispatch(cmd, result, err)
	}()
}

// isTransitionError ignores the non-errors looplab/fsm reports for self transitions
func isTransitionError(err error) bool {
	if err == nil {
		return false
	}
	var noTransition fsm.NoTransitionError
	var canceled fsm.CanceledError
	return !errors.As(err, &noTransition) && !errors.As(err, &canceled)
}

// cronLogger routes robfig/cron logs to zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
