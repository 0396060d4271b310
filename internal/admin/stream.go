package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/session"
	"bioreactor-monitor/internal/transport"
)

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
)

type streamMessage struct {
	Type       string             `json:"type"`
	State      *projector.UIState `json:"state,omitempty"`
	Alarms     []safety.Alarm     `json:"alarms,omitempty"`
	Connection string             `json:"connection,omitempty"`
	Fallback   bool               `json:"fallback,omitempty"`
	Log        string             `json:"log,omitempty"`
}

// handleStream pushes state, alarm, connection and log updates to a
// websocket client until it goes away. Slow clients lose messages.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	out := make(chan []byte, streamBuffer)
	push := func(m streamMessage) {
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		select {
		case out <- b:
		default:
			if s.Metrics != nil {
				s.Metrics.RecordDropped("stream_backpressure")
			}
		}
	}

	st := s.Session.State()
	push(streamMessage{Type: "state", State: &st})
	push(streamMessage{Type: "connection", Connection: s.Session.ConnectionState().String()})

	unsubs := []func(){
		s.Session.OnState(func(st projector.UIState) {
			push(streamMessage{Type: "state", State: &st})
		}),
		s.Session.OnAlarm(func(a []safety.Alarm) {
			push(streamMessage{Type: "alarm", Alarms: a})
		}),
		s.Session.OnConnectionChange(func(ev transport.Event) {
			push(streamMessage{Type: "connection", Connection: ev.State.String(), Fallback: ev.Fallback})
		}),
		s.Session.OnLog(func(e session.LogEntry) {
			push(streamMessage{Type: "log", Log: e.String()})
		}),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case b := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}
