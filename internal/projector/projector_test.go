package projector

import (
	"math"
	"testing"
	"time"

	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

func full(ts int64) telemetry.Record {
	return telemetry.Record{
		Timestamp: time.Unix(ts, 0),
		Source:    telemetry.SourceLive,
		Temp:      telemetry.Float(37.04),
		PH:        telemetry.Float(7.123),
		DO:        telemetry.Float(84.6),
		RPM:       telemetry.Float(300),
		Level:     telemetry.Float(65),
		Heater:    telemetry.Bool(true),
		Aeration:  telemetry.Bool(false),
		Agitator:  telemetry.Bool(true),
	}
}

func TestApplyFormatsReadouts(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	res := p.Apply(full(1))
	r := res.State.Readouts
	if r.Temp != "37.0" || r.PH != "7.12" || r.DO != "85" || r.RPM != "300" || r.Level != "65" {
		t.Fatalf("unexpected readouts: %+v", r)
	}
	if res.State.Mode != ModeRunning {
		t.Fatalf("mode = %s", res.State.Mode)
	}
	if len(res.Alarms) != 0 {
		t.Fatalf("unexpected alarms: %+v", res.Alarms)
	}
}

func TestApplyInitialPlaceholders(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	st := p.State()
	if st.Readouts.Temp != Placeholder || st.Mode != ModeIdle {
		t.Fatalf("unexpected initial state: %+v", st)
	}
}

func TestApplyAbsentFieldKeepsPrevious(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	p.Apply(full(1))
	res := p.Apply(telemetry.Record{Timestamp: time.Unix(2, 0), Temp: telemetry.Float(38)})
	if res.State.Readouts.PH != "7.12" {
		t.Fatalf("pH readout changed to %q", res.State.Readouts.PH)
	}
	if res.State.Readouts.Temp != "38.0" {
		t.Fatalf("temp readout = %q", res.State.Readouts.Temp)
	}
	if !res.State.Heater || !res.State.Agitator {
		t.Fatalf("toggles must keep prior state: %+v", res.State)
	}
	snap := p.Snapshot()
	if len(snap) != 2 || snap[1].PH != nil {
		t.Fatalf("buffer must hold the records as received: %+v", snap)
	}
}

func TestApplyAlarms(t *testing.T) {
	p := New(safety.ThresholdSet{
		telemetry.ChannelTemp: {Min: 20, Max: 45},
		telemetry.ChannelPH:   {Min: 5.5, Max: 8.5},
	}, 10)
	res := p.Apply(telemetry.Record{Timestamp: time.Unix(1, 0), Temp: telemetry.Float(50), PH: telemetry.Float(7)})
	if len(res.Alarms) != 1 || res.Alarms[0].Channel != telemetry.ChannelTemp || res.Alarms[0].Value != 50 {
		t.Fatalf("unexpected alarms: %+v", res.Alarms)
	}
	if len(res.State.Alarms) != 1 {
		t.Fatalf("state alarms = %v", res.State.Alarms)
	}
	if p.Len() != 1 {
		t.Fatalf("alarms must not add buffer entries, len = %d", p.Len())
	}
}

func TestRotationPeriod(t *testing.T) {
	cases := []struct {
		rpm  *float64
		want float64
	}{
		{nil, 2.0},
		{telemetry.Float(0), 2.0},
		{telemetry.Float(1), 2.0},
		{telemetry.Float(3600), 1.0},
		{telemetry.Float(7200), 0.5},
		{telemetry.Float(36000), 0.1},
		{telemetry.Float(72000), 0.1},
	}
	for _, tc := range cases {
		got := RotationPeriod(tc.rpm)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("RotationPeriod(%v) = %v, want %v", tc.rpm, got, tc.want)
		}
	}
}

func TestAgitatorOffStopsRotation(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	p.Apply(full(1))
	res := p.Apply(telemetry.Record{Timestamp: time.Unix(2, 0), Agitator: telemetry.Bool(false)})
	if res.State.RotationPeriod != 0 {
		t.Fatalf("rotation period = %v", res.State.RotationPeriod)
	}
}

func TestFillGeometry(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	res := p.Apply(telemetry.Record{Level: telemetry.Float(50)})
	if res.State.FillHeight != 90 || res.State.FillY != TankTop+90 {
		t.Fatalf("unexpected fill: %+v", res.State)
	}
	res = p.Apply(telemetry.Record{Level: telemetry.Float(140)})
	if res.State.FillPercent != 100 || res.State.FillY != TankTop {
		t.Fatalf("level must clamp to 100: %+v", res.State)
	}
	res = p.Apply(telemetry.Record{Level: telemetry.Float(-5)})
	if res.State.FillPercent != 0 || res.State.FillHeight != 0 {
		t.Fatalf("level must clamp to 0: %+v", res.State)
	}
}

func TestEmergencyStopUntilNextRecord(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	p.Apply(full(1))
	st := p.EmergencyStop()
	if st.Mode != ModeEmergency || st.Heater || st.Agitator || st.RotationPeriod != 0 {
		t.Fatalf("unexpected emergency state: %+v", st)
	}
	res := p.Apply(telemetry.Record{Timestamp: time.Unix(2, 0), Temp: telemetry.Float(37)})
	if res.State.Mode != ModeIdle {
		t.Fatalf("mode after record = %s, want Idle", res.State.Mode)
	}
	res = p.Apply(telemetry.Record{Timestamp: time.Unix(3, 0), Heater: telemetry.Bool(true)})
	if res.State.Mode != ModeRunning {
		t.Fatalf("mode = %s, want Running", res.State.Mode)
	}
}

func TestStopMode(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	p.Apply(full(1))
	if st := p.Stop(); st.Mode != ModeStopped || st.Heater {
		t.Fatalf("unexpected stopped state: %+v", st)
	}
}

func TestSetNetInfo(t *testing.T) {
	p := New(safety.DefaultThresholds(), 10)
	st := p.SetNetInfo(telemetry.NetInfo{SSID: "lab"})
	if st.NetInfo == nil || st.NetInfo.SSID != "lab" {
		t.Fatalf("net info not stored: %+v", st.NetInfo)
	}
}
