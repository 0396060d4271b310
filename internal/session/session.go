// Package session owns the projector, simulator and transport for one
// monitored bioreactor and serializes every event that touches them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/logging"
	"bioreactor-monitor/internal/metrics"
	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/sim"
	"bioreactor-monitor/internal/sink"
	"bioreactor-monitor/internal/telemetry"
	"bioreactor-monitor/internal/transport"
)

const sinkQueue = 256

// Options carries the session's collaborators. Zero values select defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Dialer overrides the transport built from the device config.
	Dialer  transport.Dialer
	Records sink.RecordWriter
	Alarms  sink.AlarmWriter
	Rand    *rand.Rand
	Now     func() time.Time
}

// LogEntry is one line of the network log.
type LogEntry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), e.Level, e.Message)
}

type sinkItem struct {
	record *telemetry.Record
	alarm  *safety.Alarm
}

// Session is the process-wide monitor. Subscriber callbacks run while the
// session lock is held and must not call back into the session.
type Session struct {
	ID string

	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	address string

	records sink.RecordWriter
	alarms  sink.AlarmWriter
	sinkCh  chan sinkItem
	sinkWG  sync.WaitGroup

	sim     *sim.Simulator
	adapter *transport.Adapter

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	proj      *projector.Projector
	connState transport.State
	demo      bool
	muted     bool
	started   bool
	closed    bool

	onRecord subscribers[projector.Result]
	onAlarm  subscribers[[]safety.Alarm]
	onState  subscribers[projector.UIState]
	onConn   subscribers[transport.Event]
	onLog    subscribers[LogEntry]
}

// New wires a session from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		ID:      uuid.NewString(),
		cfg:     cfg,
		metrics: opts.Metrics,
		now:     now,
		records: opts.Records,
		alarms:  opts.Alarms,
		proj:    projector.New(cfg.Thresholds, cfg.History.Capacity),
		demo:    cfg.DemoMode,
		ctx:     context.Background(),
	}
	s.log = log.With("session", s.ID)

	s.sim = sim.NewSimulator(nil, cfg.SampleInterval(), s.onSimRecord, opts.Rand, now)
	s.sim.SetExcursion(cfg.Simulator.Excursion)

	dialer, address := opts.Dialer, cfg.Device.URL
	if cfg.Device.Transport == config.TransportMQTT {
		address = cfg.Device.MQTT.Broker
		if dialer == nil {
			m := cfg.Device.MQTT
			dialer = transport.MQTTDialer{
				Broker:         m.Broker,
				ClientID:       m.ClientID,
				Username:       m.Username,
				Password:       m.Password,
				TelemetryTopic: m.TelemetryTopic,
				CommandTopic:   m.CommandTopic,
				QoS:            byte(m.QoS),
			}
		}
	}
	if dialer == nil {
		dialer = transport.WebSocketDialer{}
	}
	s.address = address
	s.adapter = transport.NewAdapter(dialer, transport.Options{
		AutoReconnect: true,
		InitialDelay:  cfg.Device.ReconnectInitial(),
		MaxDelay:      cfg.Device.ReconnectMax(),
	}, s.onFrame, s.onTransportEvent, s.log.With("component", "transport"))

	if s.records != nil || s.alarms != nil {
		s.sinkCh = make(chan sinkItem, sinkQueue)
		s.sinkWG.Add(1)
		go s.drainSinks()
	}
	return s
}

// Start begins demo mode and, when configured, connects to the device.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(logging.NewContext(ctx, s.log.With("component", "simulator")))
	if s.demo {
		s.sim.Start(s.ctx)
		s.netlog(slog.LevelInfo, "demo mode started", "interval", s.sim.Interval())
	}
	s.mu.Unlock()

	if s.cfg.Device.AutoConnect {
		s.Connect("")
	}
}

// Shutdown stops the simulator, closes the transport and drains the sinks.
// It is safe to call more than once.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.sim.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if s.sinkCh != nil {
		close(s.sinkCh)
	}
	s.mu.Unlock()

	s.adapter.Close()
	s.sinkWG.Wait()
	s.log.Info("session closed")
}

// OnRecord subscribes to projected records. The returned func unsubscribes.
func (s *Session) OnRecord(fn func(projector.Result)) func() {
	return subscribe(s, &s.onRecord, fn)
}

// OnAlarm subscribes to raised alarms.
func (s *Session) OnAlarm(fn func([]safety.Alarm)) func() {
	return subscribe(s, &s.onAlarm, fn)
}

// OnState subscribes to every UI state change, including those not caused by
// a record (emergency stop, network info).
func (s *Session) OnState(fn func(projector.UIState)) func() {
	return subscribe(s, &s.onState, fn)
}

// OnConnectionChange subscribes to transport state transitions.
func (s *Session) OnConnectionChange(fn func(transport.Event)) func() {
	return subscribe(s, &s.onConn, fn)
}

// OnLog subscribes to the network log.
func (s *Session) OnLog(fn func(LogEntry)) func() {
	return subscribe(s, &s.onLog, fn)
}

func subscribe[T any](s *Session, l *subscribers[T], fn func(T)) func() {
	s.mu.Lock()
	id := l.add(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		l.remove(id)
		s.mu.Unlock()
	}
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

type subscribers[T any] struct {
	next int
	list []subscriber[T]
}

func (l *subscribers[T]) add(fn func(T)) int {
	l.next++
	l.list = append(l.list, subscriber[T]{id: l.next, fn: fn})
	return l.next
}

func (l *subscribers[T]) remove(id int) {
	for i, sub := range l.list {
		if sub.id == id {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return
		}
	}
}

func (l *subscribers[T]) emit(v T) {
	for _, sub := range l.list {
		sub.fn(v)
	}
}

// netlog writes to the process log and the operator-visible network log.
// Callers hold s.mu.
func (s *Session) netlog(level slog.Level, msg string, args ...any) {
	s.log.Log(context.Background(), level, msg, args...)
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	s.onLog.emit(LogEntry{Time: s.now(), Level: level, Message: b.String()})
}

func (s *Session) enqueue(it sinkItem) {
	if s.sinkCh == nil || s.closed {
		return
	}
	select {
	case s.sinkCh <- it:
	default:
		s.metrics.RecordDropped("sink_backpressure")
	}
}

func (s *Session) drainSinks() {
	defer s.sinkWG.Done()
	for it := range s.sinkCh {
		switch {
		case it.record != nil && s.records != nil:
			if err := s.records.Write(*it.record); err != nil {
				s.log.Warn("record sink write failed", "err", err)
			}
		case it.alarm != nil && s.alarms != nil:
			if err := s.alarms.WriteAlarm(*it.alarm); err != nil {
				s.log.Warn("alarm sink write failed", "err", err)
			}
		}
	}
}
