package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/logging"
	"bioreactor-monitor/internal/metrics"
	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/session"
	"bioreactor-monitor/internal/transport"
)

type refusingDialer struct{}

func (refusingDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	return nil, errors.New("connection refused")
}

func newTestServer(t *testing.T, demo bool) (*Server, *session.Session) {
	t.Helper()
	cfg := config.Default()
	cfg.DemoMode = demo
	cfg.SampleIntervalMS = 10
	sess := session.New(cfg, session.Options{
		Logger: logging.Discard(),
		Dialer: refusingDialer{},
		Rand:   rand.New(rand.NewSource(7)),
	})
	t.Cleanup(sess.Shutdown)
	return NewServer(sess, metrics.New(), logging.Discard()), sess
}

// withRecords runs demo mode until n records are buffered.
func withRecords(t *testing.T, sess *session.Session, n int) {
	t.Helper()
	got := make(chan struct{}, 64)
	unsub := sess.OnRecord(func(projector.Result) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	defer unsub()
	sess.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-got:
		case <-deadline:
			t.Fatalf("timed out after %d records", i)
		}
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIndexRenders(t *testing.T) {
	srv, sess := newTestServer(t, true)
	w := do(t, srv.Handler(), http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Bioreactor Monitor") || !strings.Contains(body, sess.ID) {
		t.Fatalf("unexpected index body: %s", body)
	}
}

func TestStateAndHealth(t *testing.T) {
	srv, sess := newTestServer(t, true)
	w := do(t, srv.Handler(), http.MethodGet, "/api/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.SessionID != sess.ID || !st.Demo || st.Connection != "disconnected" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.State.Readouts.Temp != projector.Placeholder {
		t.Fatalf("expected placeholder readout, got %q", st.State.Readouts.Temp)
	}

	w = do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestActuatorRoutes(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	if w := do(t, h, http.MethodPost, "/api/actuators/heater?on=true", ""); w.Code != http.StatusNoContent {
		t.Fatalf("heater on = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/api/actuators/pump?on=true", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown actuator = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/actuators/heater?on=maybe", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad on value = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/actuators/heater", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET actuator = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/state", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST state = %d", w.Code)
	}
}

func TestCommandsWithoutDeviceOrDemo(t *testing.T) {
	srv, _ := newTestServer(t, false)
	w := do(t, srv.Handler(), http.MethodPost, "/api/run/start", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("start run = %d", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodPost, "/api/run/pause", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown action = %d", w.Code)
	}
}

func TestEmergencyStopSetsMode(t *testing.T) {
	srv, sess := newTestServer(t, true)
	if w := do(t, srv.Handler(), http.MethodPost, "/api/estop", ""); w.Code != http.StatusNoContent {
		t.Fatalf("estop = %d", w.Code)
	}
	if sess.State().Mode != projector.ModeEmergency {
		t.Fatalf("mode = %s", sess.State().Mode)
	}
}

func TestParamsValidation(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/api/params", `{"temp":95,"duration":"1:30"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid params = %d", w.Code)
	}
	var resp struct {
		Violations []string `json:"violations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Violations) != 2 {
		t.Fatalf("violations = %v", resp.Violations)
	}

	if w := do(t, h, http.MethodPost, "/api/params", `{"temp":37,"duration":"01:30"}`); w.Code != http.StatusNoContent {
		t.Fatalf("valid params = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/api/params", `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body = %d", w.Code)
	}
}

func TestNetworkRequiresSSID(t *testing.T) {
	srv, _ := newTestServer(t, true)
	if w := do(t, srv.Handler(), http.MethodPost, "/api/network", `{"ssid":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty ssid = %d", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodPost, "/api/network", `{"ssid":"lab","pwd":"secret"}`); w.Code != http.StatusNoContent {
		t.Fatalf("netconnect = %d", w.Code)
	}
}

func TestHistoryExportAndChart(t *testing.T) {
	srv, sess := newTestServer(t, true)
	h := srv.Handler()

	if w := do(t, h, http.MethodGet, "/api/chart.png", ""); w.Code != http.StatusNoContent {
		t.Fatalf("chart without data = %d", w.Code)
	}

	withRecords(t, sess, 3)

	w := do(t, h, http.MethodGet, "/api/history?last=2", "")
	var recs []json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil || len(recs) != 2 {
		t.Fatalf("history last=2: %d records, err %v", len(recs), err)
	}
	if w := do(t, h, http.MethodGet, "/api/history?minutes=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative minutes = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/export.csv", "")
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "bioreactor_data.csv") {
		t.Fatalf("disposition = %q", w.Header().Get("Content-Disposition"))
	}
	if !strings.HasPrefix(w.Body.String(), "timestamp,temp,ph,do,rpm,level") {
		t.Fatalf("csv body = %q", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/chart.png?window=mini&channels=temp,ph&width=320&height=200", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("mini chart = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(w.Body.String(), "\x89PNG") {
		t.Fatal("chart body is not a PNG")
	}
	if w := do(t, h, http.MethodGet, "/api/chart.png?channels=pressure", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown channel = %d", w.Code)
	}
}

func TestExcursionAndMuteToggle(t *testing.T) {
	srv, sess := newTestServer(t, true)
	h := srv.Handler()

	do(t, h, http.MethodPost, "/api/excursion", "")
	if !sess.Excursion() {
		t.Fatal("expected excursion enabled by toggle")
	}
	do(t, h, http.MethodPost, "/api/excursion?on=false", "")
	if sess.Excursion() {
		t.Fatal("expected excursion disabled")
	}
	w := do(t, h, http.MethodPost, "/api/mute", "")
	if !sess.Muted() || !strings.Contains(w.Body.String(), `"muted":true`) {
		t.Fatalf("mute toggle: %s", w.Body.String())
	}
}

func TestConnectFailureReported(t *testing.T) {
	srv, sess := newTestServer(t, true)
	events := make(chan transport.Event, 16)
	sess.OnConnectionChange(func(ev transport.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if w := do(t, srv.Handler(), http.MethodPost, "/api/connect?address=ws://nowhere.test/", ""); w.Code != http.StatusAccepted {
		t.Fatalf("connect = %d", w.Code)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.State == transport.Disconnected && ev.Err != nil {
				do(t, srv.Handler(), http.MethodPost, "/api/disconnect", "")
				return
			}
		case <-deadline:
			t.Fatal("no disconnect event after failed dial")
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)
	w := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "bioreactor_decode_errors_total") {
		t.Fatalf("metrics = %d %s", w.Code, w.Body.String())
	}
}

func TestStreamPushesState(t *testing.T) {
	srv, sess := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var m streamMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Type != "state" || m.State == nil || m.State.Mode != projector.ModeIdle {
		t.Fatalf("first message = %+v", m)
	}

	sess.Start(context.Background())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		m = streamMessage{}
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if m.Type == "state" && m.State != nil && m.State.Readouts.Temp != projector.Placeholder {
			return
		}
	}
}
