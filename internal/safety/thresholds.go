// Threshold evaluation for telemetry records.
package safety

import (
	"fmt"
	"strconv"
	"time"

	"bioreactor-monitor/internal/telemetry"
)

// Bound is an inclusive acceptable range. LowerOnly disables the upper check.
type Bound struct {
	Min       float64 `yaml:"min" json:"min"`
	Max       float64 `yaml:"max" json:"max"`
	LowerOnly bool    `yaml:"lower_only" json:"lower_only"`
}

// Violated reports whether v falls outside b.
func (b Bound) Violated(v float64) bool {
	if v < b.Min {
		return true
	}
	return !b.LowerOnly && v > b.Max
}

// ThresholdSet maps channels to their acceptable range. Channels without an
// entry are never flagged.
type ThresholdSet map[telemetry.Channel]Bound

// DefaultThresholds returns the stock threshold set.
func DefaultThresholds() ThresholdSet {
	return ThresholdSet{
		telemetry.ChannelTemp:  {Min: 20, Max: 45},
		telemetry.ChannelPH:    {Min: 5.5, Max: 8.5},
		telemetry.ChannelDO:    {Min: 20, Max: 120},
		telemetry.ChannelRPM:   {Min: 0, Max: 2000},
		telemetry.ChannelLevel: {Min: 5, Max: 100, LowerOnly: true},
	}
}

// Alarm is one threshold violation.
type Alarm struct {
	ID        string            `json:"id,omitempty"`
	Channel   telemetry.Channel `json:"channel"`
	Value     float64           `json:"value"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}

// Evaluate returns one alarm per present channel whose value violates its
// bound, in channel order.
func Evaluate(r telemetry.Record, th ThresholdSet) []Alarm {
	var alarms []Alarm
	for _, c := range telemetry.Channels {
		v, ok := r.Value(c)
		if !ok {
			continue
		}
		b, ok := th[c]
		if !ok || !b.Violated(v) {
			continue
		}
		alarms = append(alarms, Alarm{
			Channel:   c,
			Value:     v,
			Message:   message(c, v, v < b.Min),
			Timestamp: r.Timestamp,
		})
	}
	return alarms
}

// Messages extracts the alarm messages.
func Messages(alarms []Alarm) []string {
	out := make([]string, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, a.Message)
	}
	return out
}

func message(c telemetry.Channel, v float64, low bool) string {
	plain := strconv.FormatFloat(v, 'f', -1, 64)
	switch c {
	case telemetry.ChannelTemp:
		return fmt.Sprintf("Temperature out of range: %.1f °C", v)
	case telemetry.ChannelPH:
		return fmt.Sprintf("pH out of range: %.2f", v)
	case telemetry.ChannelDO:
		return "DO out of range: " + plain
	case telemetry.ChannelRPM:
		return "RPM out of range: " + plain
	case telemetry.ChannelLevel:
		if low {
			return "Liquid level critically low: " + plain + "%"
		}
		return "Liquid level out of range: " + plain + "%"
	}
	return fmt.Sprintf("%s out of range: %s", c, plain)
}
