// Package projector turns telemetry records into operator-facing state.
package projector

import (
	"math"
	"strconv"
	"time"

	"bioreactor-monitor/internal/history"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

// Mode is the run state shown to the operator.
type Mode string

const (
	ModeRunning   Mode = "Running"
	ModeIdle      Mode = "Idle"
	ModeStopped   Mode = "Stopped"
	ModeEmergency Mode = "EMERGENCY STOP"
)

// Animation geometry.
const (
	DefaultRPM        = 300.0
	MinRotationPeriod = 0.1
	MaxRotationPeriod = 2.0
	TankTop           = 260.0
	TankHeight        = 180.0
)

// Placeholder shown before a channel has ever been reported.
const Placeholder = "--"

// Readouts are the formatted channel values.
type Readouts struct {
	Temp  string `json:"temp"`
	PH    string `json:"ph"`
	DO    string `json:"do"`
	RPM   string `json:"rpm"`
	Level string `json:"level"`
}

// UIState is everything a presentation surface needs to redraw.
type UIState struct {
	Readouts       Readouts           `json:"readouts"`
	Heater         bool               `json:"heater"`
	Aeration       bool               `json:"aeration"`
	Agitator       bool               `json:"agitator"`
	RotationPeriod float64            `json:"rotation_period_s"`
	FillPercent    float64            `json:"fill_percent"`
	FillHeight     float64            `json:"fill_height"`
	FillY          float64            `json:"fill_y"`
	Mode           Mode               `json:"mode"`
	Source         telemetry.Source   `json:"source,omitempty"`
	NetInfo        *telemetry.NetInfo `json:"net_info,omitempty"`
	Alarms         []string           `json:"alarms"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Result is the outcome of applying one record.
type Result struct {
	Record telemetry.Record `json:"record"`
	State  UIState          `json:"state"`
	Alarms []safety.Alarm   `json:"alarms,omitempty"`
}

// Projector owns the history buffer and the last-known merged reading. It is
// not safe for concurrent use.
type Projector struct {
	thresholds safety.ThresholdSet
	buf        *history.Buffer
	merged     telemetry.Record
	state      UIState
}

// New returns a projector evaluating records against th and buffering up to
// capacity records.
func New(th safety.ThresholdSet, capacity int) *Projector {
	p := &Projector{thresholds: th, buf: history.New(capacity)}
	p.state = UIState{
		Readouts: Readouts{Placeholder, Placeholder, Placeholder, Placeholder, Placeholder},
		Mode:     ModeIdle,
		FillY:    TankTop + TankHeight,
		Alarms:   []string{},
	}
	return p
}

// Apply merges r into the last-known state, buffers it and evaluates alarms.
func (p *Projector) Apply(r telemetry.Record) Result {
	p.merged = merge(p.merged, r)
	p.buf.Append(r)

	alarms := safety.Evaluate(p.merged, p.thresholds)

	st := p.state
	m := p.merged
	if m.Temp != nil {
		st.Readouts.Temp = strconv.FormatFloat(*m.Temp, 'f', 1, 64)
	}
	if m.PH != nil {
		st.Readouts.PH = strconv.FormatFloat(*m.PH, 'f', 2, 64)
	}
	if m.DO != nil {
		st.Readouts.DO = whole(*m.DO)
	}
	if m.RPM != nil {
		st.Readouts.RPM = whole(*m.RPM)
	}
	if m.Level != nil {
		st.Readouts.Level = whole(*m.Level)
		pct := clamp(*m.Level, 0, 100) / 100
		st.FillPercent = pct * 100
		st.FillHeight = pct * TankHeight
		st.FillY = TankTop + (1-pct)*TankHeight
	}
	st.Heater = m.Heater != nil && *m.Heater
	st.Aeration = m.Aeration != nil && *m.Aeration
	st.Agitator = m.Agitator != nil && *m.Agitator
	st.RotationPeriod = 0
	if st.Agitator {
		st.RotationPeriod = RotationPeriod(m.RPM)
	}
	st.Mode = ModeIdle
	if st.Heater || st.Aeration || st.Agitator {
		st.Mode = ModeRunning
	}
	st.Source = r.Source
	st.Alarms = safety.Messages(alarms)
	st.UpdatedAt = r.Timestamp
	p.state = st

	return Result{Record: m, State: st, Alarms: alarms}
}

// EmergencyStop switches every toggle off and holds the emergency mode until
// the next record is applied.
func (p *Projector) EmergencyStop() UIState {
	return p.halt(ModeEmergency)
}

// Stop marks the run as stopped until the next record is applied.
func (p *Projector) Stop() UIState {
	return p.halt(ModeStopped)
}

func (p *Projector) halt(mode Mode) UIState {
	p.state.Heater = false
	p.state.Aeration = false
	p.state.Agitator = false
	p.state.RotationPeriod = 0
	p.state.Mode = mode
	off := telemetry.Bool(false)
	p.merged.Heater, p.merged.Aeration, p.merged.Agitator = off, off, off
	return p.state
}

// SetNetInfo records the device network status.
func (p *Projector) SetNetInfo(ni telemetry.NetInfo) UIState {
	p.state.NetInfo = &ni
	return p.state
}

// State returns the current UI state.
func (p *Projector) State() UIState { return p.state }

// Snapshot returns the buffered records, oldest first.
func (p *Projector) Snapshot() []telemetry.Record { return p.buf.Snapshot() }

// Window returns buffered records newer than since.
func (p *Projector) Window(since time.Time) []telemetry.Record { return p.buf.Since(since) }

// Last returns up to n of the newest buffered records.
func (p *Projector) Last(n int) []telemetry.Record { return p.buf.Last(n) }

// Len returns the number of buffered records.
func (p *Projector) Len() int { return p.buf.Len() }

// RotationPeriod returns the agitator animation period in seconds for rpm,
// falling back to DefaultRPM when rpm is unknown or zero.
func RotationPeriod(rpm *float64) float64 {
	v := DefaultRPM
	if rpm != nil && *rpm > 0 {
		v = *rpm
	}
	return clamp(60/(v/60), MinRotationPeriod, MaxRotationPeriod)
}

func merge(prev, r telemetry.Record) telemetry.Record {
	out := prev
	out.Timestamp = r.Timestamp
	out.Source = r.Source
	if r.Temp != nil {
		out.Temp = r.Temp
	}
	if r.PH != nil {
		out.PH = r.PH
	}
	if r.DO != nil {
		out.DO = r.DO
	}
	if r.RPM != nil {
		out.RPM = r.RPM
	}
	if r.Level != nil {
		out.Level = r.Level
	}
	if r.Heater != nil {
		out.Heater = r.Heater
	}
	if r.Aeration != nil {
		out.Aeration = r.Aeration
	}
	if r.Agitator != nil {
		out.Agitator = r.Agitator
	}
	return out
}

func whole(v float64) string {
	return strconv.FormatFloat(math.Round(v), 'f', 0, 64)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
