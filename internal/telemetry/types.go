// Telemetry record model shared by the simulator, transport and projector.
package telemetry

import "time"

// Source tags where a record came from.
type Source string

const (
	SourceLive      Source = "live"
	SourceSimulated Source = "simulated"
)

// Channel names a numeric telemetry channel.
type Channel string

const (
	ChannelTemp  Channel = "temp"
	ChannelPH    Channel = "ph"
	ChannelDO    Channel = "do"
	ChannelRPM   Channel = "rpm"
	ChannelLevel Channel = "level"
)

// Channels lists every numeric channel in display order.
var Channels = []Channel{ChannelTemp, ChannelPH, ChannelDO, ChannelRPM, ChannelLevel}

// Record is one telemetry reading. Nil fields were not reported by the source.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source,omitempty"`
	Temp      *float64  `json:"temp,omitempty"`
	PH        *float64  `json:"ph,omitempty"`
	DO        *float64  `json:"do,omitempty"`
	RPM       *float64  `json:"rpm,omitempty"`
	Level     *float64  `json:"level,omitempty"`
	Heater    *bool     `json:"heater,omitempty"`
	Aeration  *bool     `json:"aeration,omitempty"`
	Agitator  *bool     `json:"agitator,omitempty"`
}

// Value returns the value of channel c and whether it was reported.
func (r Record) Value(c Channel) (float64, bool) {
	p := r.field(c)
	if p == nil {
		return 0, false
	}
	return *p, true
}

func (r Record) field(c Channel) *float64 {
	switch c {
	case ChannelTemp:
		return r.Temp
	case ChannelPH:
		return r.PH
	case ChannelDO:
		return r.DO
	case ChannelRPM:
		return r.RPM
	case ChannelLevel:
		return r.Level
	}
	return nil
}

// HasTelemetry reports whether any channel or actuator is present.
func (r Record) HasTelemetry() bool {
	for _, c := range Channels {
		if r.field(c) != nil {
			return true
		}
	}
	return r.Heater != nil || r.Aeration != nil || r.Agitator != nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// NetInfo is the network status block some devices attach to frames.
type NetInfo struct {
	SSID string `json:"ssid"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
}
