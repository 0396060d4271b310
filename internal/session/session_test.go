package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/logging"
	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
	"bioreactor-monitor/internal/transport"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type collectSink struct {
	mu     sync.Mutex
	rows   []telemetry.Record
	alarms []safety.Alarm
}

func (c *collectSink) Write(r telemetry.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, r)
	return nil
}

func (c *collectSink) WriteAlarm(a safety.Alarm) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarms = append(c.alarms, a)
	return nil
}

func testConfig(demo bool) *config.Config {
	cfg := config.Default()
	cfg.DemoMode = demo
	cfg.SampleIntervalMS = 20
	cfg.Device.URL = "ws://device.test/"
	cfg.Device.ReconnectInitialMS = 10
	cfg.Device.ReconnectMaxMS = 20
	return cfg
}

func newTestSession(t *testing.T, demo bool, d transport.Dialer, opts Options) *Session {
	t.Helper()
	opts.Logger = logging.Discard()
	opts.Dialer = d
	opts.Rand = rand.New(rand.NewSource(1))
	s := New(testConfig(demo), opts)
	t.Cleanup(s.Shutdown)
	return s
}

// listen buffers callback values without ever blocking the session.
func listen[T any](subscribe func(func(T)) func()) chan T {
	ch := make(chan T, 256)
	subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			var zero T
			return zero
		}
	}
}

func connectedSession(t *testing.T, demo bool) (*Session, *fakeDialer, chan transport.Event) {
	t.Helper()
	d := &fakeDialer{}
	s := newTestSession(t, demo, d, Options{})
	events := listen(s.OnConnectionChange)
	s.Start(context.Background())
	s.Connect("")
	waitFor(t, events, func(ev transport.Event) bool { return ev.State == transport.Connected })
	return s, d, events
}

func TestDemoModeEmitsSimulatedRecords(t *testing.T) {
	s := newTestSession(t, true, &fakeDialer{}, Options{})
	records := listen(s.OnRecord)
	s.Start(context.Background())

	res := waitFor(t, records, func(projector.Result) bool { return true })
	if res.Record.Source != telemetry.SourceSimulated {
		t.Fatalf("source = %s", res.Record.Source)
	}
	if res.State.Readouts.Temp == projector.Placeholder {
		t.Fatalf("readout not projected: %+v", res.State.Readouts)
	}
}

func TestConnectStopsSimulatorAndDropResumesIt(t *testing.T) {
	s, d, events := connectedSession(t, true)
	if s.SimulatorRunning() {
		t.Fatal("simulator still running while connected")
	}
	if got := d.last().Written(); len(got) == 0 || got[0] != `{"cmd":"get","target":"status"}` {
		t.Fatalf("expected status request after connect, got %q", got)
	}

	records := listen(s.OnRecord)
	d.last().frames <- []byte(`{"temp":37.5,"heater":true}`)
	res := waitFor(t, records, func(projector.Result) bool { return true })
	if res.Record.Source != telemetry.SourceLive || res.State.Readouts.Temp != "37.5" {
		t.Fatalf("unexpected live result: %+v", res)
	}

	d.setErr(errors.New("refused"))
	d.last().Close()
	ev := waitFor(t, events, func(ev transport.Event) bool { return ev.State == transport.Disconnected })
	if !ev.Fallback {
		t.Fatalf("expected fallback disconnect, got %+v", ev)
	}
	if !s.SimulatorRunning() {
		t.Fatal("simulator did not resume after drop")
	}
	waitFor(t, records, func(r projector.Result) bool { return r.Record.Source == telemetry.SourceSimulated })
}

func TestSimulatedRecordDroppedWhileConnected(t *testing.T) {
	s, _, _ := connectedSession(t, false)
	before := len(s.History())
	s.onSimRecord(telemetry.Record{Timestamp: time.Now(), Source: telemetry.SourceSimulated, Temp: telemetry.Float(37)})
	if len(s.History()) != before {
		t.Fatal("simulated record applied while connected")
	}
}

func TestAlarmPublishedAndSentToDevice(t *testing.T) {
	s, d, _ := connectedSession(t, false)
	alarms := listen(s.OnAlarm)

	d.last().frames <- []byte(`{"temp":50,"ph":7.0}`)
	got := waitFor(t, alarms, func([]safety.Alarm) bool { return true })
	if len(got) != 1 {
		t.Fatalf("expected one alarm, got %+v", got)
	}
	if got[0].Channel != telemetry.ChannelTemp || got[0].Value != 50 || got[0].ID == "" {
		t.Fatalf("unexpected alarm: %+v", got[0])
	}
	if !strings.Contains(got[0].Message, "Temperature") {
		t.Fatalf("message = %s", got[0].Message)
	}

	want := `{"cmd":"alarm","value":["Temperature out of range: 50.0 °C"]}`
	found := false
	for _, w := range d.last().Written() {
		if w == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("alarm command not sent: %q", d.last().Written())
	}
}

func TestAlarmCommandLoggedWithoutConnection(t *testing.T) {
	hot := telemetry.Record{Timestamp: time.Now(), Source: telemetry.SourceSimulated, Temp: telemetry.Float(50)}
	for _, tc := range []struct {
		demo bool
		want string
	}{
		{true, "demo absorbed"},
		{false, "send failed"},
	} {
		s := newTestSession(t, tc.demo, &fakeDialer{}, Options{})
		logs := listen(s.OnLog)
		s.onSimRecord(hot)
		waitFor(t, logs, func(e LogEntry) bool {
			return strings.HasPrefix(e.Message, tc.want) && strings.Contains(e.Message, `"cmd":"alarm"`)
		})
	}
}

func TestApplyParamsRejectedNeverSends(t *testing.T) {
	s, d, _ := connectedSession(t, false)
	before := len(d.last().Written())

	err := s.ApplyParams(telemetry.Params{Temp: telemetry.Float(15)})
	var verr *safety.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Fatalf("message should name temperature: %v", err)
	}
	if len(d.last().Written()) != before {
		t.Fatalf("rejected params reached the transport: %q", d.last().Written())
	}

	if err := s.ApplyParamsInput("temp=37 rpm=300"); err != nil {
		t.Fatalf("valid params: %v", err)
	}
	w := d.last().Written()
	if last := w[len(w)-1]; last != `{"cmd":"set","target":"params","value":{"temp":37,"rpm":300}}` {
		t.Fatalf("params command = %s", last)
	}
}

func TestSendWithoutConnectionOrDemo(t *testing.T) {
	s := newTestSession(t, false, &fakeDialer{}, Options{})
	if err := s.ToggleActuator(telemetry.TargetHeater, true); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.ToggleActuator("pump", true); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestDemoAbsorbsCommands(t *testing.T) {
	s := newTestSession(t, true, &fakeDialer{}, Options{})
	if err := s.ToggleActuator(telemetry.TargetAll, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	r := s.sim.Tick()
	if *r.Heater || *r.Aeration || *r.Agitator || *r.RPM != 0 {
		t.Fatalf("simulator ignored command: %+v", r)
	}
}

func TestEmergencyAndStopModes(t *testing.T) {
	s := newTestSession(t, true, &fakeDialer{}, Options{})
	states := listen(s.OnState)

	if err := s.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	st := waitFor(t, states, func(projector.UIState) bool { return true })
	if st.Mode != projector.ModeEmergency || st.Heater || st.RotationPeriod != 0 {
		t.Fatalf("unexpected state after emergency stop: %+v", st)
	}

	s.onSimRecord(telemetry.Record{Timestamp: time.Now(), Source: telemetry.SourceSimulated, Heater: telemetry.Bool(true)})
	if s.State().Mode != projector.ModeRunning {
		t.Fatalf("next record should restore classification, got %s", s.State().Mode)
	}

	if err := s.StopRun(); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if s.State().Mode != projector.ModeStopped {
		t.Fatalf("mode = %s", s.State().Mode)
	}
}

func TestNetInfoOnlyFrame(t *testing.T) {
	s := newTestSession(t, false, &fakeDialer{}, Options{})
	states := listen(s.OnState)
	records := listen(s.OnRecord)

	s.onFrame([]byte(`{"netInfo":{"ssid":"lab","ip":"10.0.0.2","mac":"aa:bb"}}`))
	st := waitFor(t, states, func(projector.UIState) bool { return true })
	if st.NetInfo == nil || st.NetInfo.SSID != "lab" {
		t.Fatalf("net info not projected: %+v", st.NetInfo)
	}
	if len(s.History()) != 0 || len(records) != 0 {
		t.Fatal("net info frame treated as telemetry")
	}
}

func TestMalformedFrameLogged(t *testing.T) {
	s := newTestSession(t, false, &fakeDialer{}, Options{})
	logs := listen(s.OnLog)
	s.onFrame([]byte("not json"))
	entry := waitFor(t, logs, func(LogEntry) bool { return true })
	if !strings.Contains(entry.Message, "malformed") {
		t.Fatalf("log = %s", entry.Message)
	}
	if s.State().Readouts.Temp != projector.Placeholder {
		t.Fatal("malformed frame changed state")
	}
}

func TestExportCSV(t *testing.T) {
	s := newTestSession(t, false, &fakeDialer{}, Options{})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.onSimRecord(telemetry.Record{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Source:    telemetry.SourceSimulated,
			Temp:      telemetry.Float(37 + float64(i)),
		})
	}
	var buf bytes.Buffer
	if err := s.ExportCSV(&buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	rows, err := telemetry.ParseCSV(&buf)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if *rows[2].Temp != 39 || !rows[2].Timestamp.Equal(base.Add(2*time.Second)) {
		t.Fatalf("unexpected row: %+v", rows[2])
	}
}

func TestSinksDrainOnShutdown(t *testing.T) {
	c := &collectSink{}
	s := newTestSession(t, false, &fakeDialer{}, Options{Records: c, Alarms: c})
	s.onSimRecord(telemetry.Record{Timestamp: time.Now(), Source: telemetry.SourceSimulated, Temp: telemetry.Float(37)})
	s.onSimRecord(telemetry.Record{Timestamp: time.Now(), Source: telemetry.SourceSimulated, Temp: telemetry.Float(60)})
	s.Shutdown()
	s.Shutdown()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rows) != 2 || len(c.alarms) != 1 {
		t.Fatalf("sinks got %d rows and %d alarms", len(c.rows), len(c.alarms))
	}
	if c.alarms[0].ID == "" {
		t.Fatal("alarm written without ID")
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newTestSession(t, false, &fakeDialer{}, Options{})
	n := 0
	cancel := s.OnRecord(func(projector.Result) { n++ })
	s.onSimRecord(telemetry.Record{Timestamp: time.Now(), Temp: telemetry.Float(37)})
	cancel()
	s.onSimRecord(telemetry.Record{Timestamp: time.Now(), Temp: telemetry.Float(37)})
	if n != 1 {
		t.Fatalf("callback ran %d times", n)
	}
}

func TestMuteAndExcursion(t *testing.T) {
	s := newTestSession(t, true, &fakeDialer{}, Options{})
	s.SetMuted(true)
	if !s.Muted() {
		t.Fatal("mute not kept")
	}
	s.SetExcursion(true)
	if !s.Excursion() {
		t.Fatal("excursion not kept")
	}
}
