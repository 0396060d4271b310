package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeFrame(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	f, err := DecodeFrame([]byte(`{"temp":37.25,"ph":7.1,"rpm":300,"heater":true,"aeration":false}`), now)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	r := f.Record
	if r.Source != SourceLive || !r.Timestamp.Equal(now) {
		t.Fatalf("unexpected source/timestamp: %+v", r)
	}
	if r.Temp == nil || *r.Temp != 37.25 {
		t.Fatalf("temp = %v", r.Temp)
	}
	if r.DO != nil || r.Level != nil {
		t.Fatalf("absent channels must stay nil: %+v", r)
	}
	if r.Heater == nil || !*r.Heater || r.Aeration == nil || *r.Aeration || r.Agitator != nil {
		t.Fatalf("unexpected toggles: %+v", r)
	}
	if f.NetInfo != nil {
		t.Fatalf("unexpected net info")
	}
}

func TestDecodeFrameWrongTypesAreAbsent(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"temp":"hot","ph":null,"heater":1,"level":12}`), time.Now())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Record.Temp != nil || f.Record.PH != nil || f.Record.Heater != nil {
		t.Fatalf("expected mistyped fields to be absent: %+v", f.Record)
	}
	if v, ok := f.Record.Value(ChannelLevel); !ok || v != 12 {
		t.Fatalf("level = %v %v", v, ok)
	}
}

func TestDecodeFrameNetInfoOnly(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"netInfo":{"ssid":"lab","ip":"10.0.0.2","mac":"aa:bb"}}`), time.Now())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.NetInfo == nil || f.NetInfo.SSID != "lab" || f.NetInfo.IP != "10.0.0.2" {
		t.Fatalf("net info = %+v", f.NetInfo)
	}
	if f.Record.HasTelemetry() {
		t.Fatalf("net-only frame must not carry telemetry")
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"temp":`), time.Now()); err == nil {
		t.Fatalf("expected error for truncated json")
	}
	for _, in := range []string{`[1,2]`, `42`, `null`} {
		if _, err := DecodeFrame([]byte(in), time.Now()); !errors.Is(err, ErrNotObject) {
			t.Errorf("DecodeFrame(%s) err = %v, want ErrNotObject", in, err)
		}
	}
}
