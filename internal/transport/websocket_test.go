package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestWebSocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := WebSocketDialer{}.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage([]byte(`{"cmd":"get","target":"status"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != `{"cmd":"get","target":"status"}` {
		t.Fatalf("echo = %s", got)
	}
}

func TestWebSocketDialerRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	if _, err := (WebSocketDialer{}).Dial(context.Background(), url); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestMQTTDialerOptions(t *testing.T) {
	d := MQTTDialer{ClientID: "monitor-1", Username: "u", Password: "p"}
	opts := d.options("tcp://broker:1883")
	if len(opts.Servers) != 1 || opts.Servers[0].Host != "broker:1883" {
		t.Fatalf("servers = %v", opts.Servers)
	}
	if opts.ClientID != "monitor-1" || opts.Username != "u" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.AutoReconnect {
		t.Fatal("client reconnect should be disabled")
	}
}
