// Package chart renders telemetry history as PNG line charts.
package chart

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"bioreactor-monitor/internal/telemetry"
)

// ErrNoData is returned when no selected channel has a value to plot.
var ErrNoData = errors.New("chart: no data")

const (
	DefaultWidth  = 900
	DefaultHeight = 360
)

var channelStyle = map[telemetry.Channel]struct {
	name      string
	color     string
	secondary bool
}{
	telemetry.ChannelTemp:  {"Temp (°C)", "e4572e", false},
	telemetry.ChannelPH:    {"pH", "29335c", false},
	telemetry.ChannelDO:    {"DO (%)", "17bebb", true},
	telemetry.ChannelRPM:   {"RPM", "76b041", true},
	telemetry.ChannelLevel: {"Level (%)", "ffc914", true},
}

// Options selects what Render draws. Zero values use every channel and the
// default size.
type Options struct {
	Title    string
	Channels []telemetry.Channel
	Width    int
	Height   int
}

type axisRange struct {
	min, max float64
	used     bool
}

func (r *axisRange) add(v float64) {
	if !r.used {
		r.min, r.max, r.used = v, v, true
		return
	}
	r.min = math.Min(r.min, v)
	r.max = math.Max(r.max, v)
}

func (r axisRange) padded() *chart.ContinuousRange {
	pad := (r.max - r.min) * 0.05
	if pad == 0 {
		pad = 1
	}
	return &chart.ContinuousRange{Min: r.min - pad, Max: r.max + pad}
}

// Render writes a PNG chart of records to w.
func Render(w io.Writer, records []telemetry.Record, opts Options) error {
	channels := opts.Channels
	if len(channels) == 0 {
		channels = telemetry.Channels
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}

	type line struct {
		c  telemetry.Channel
		xs []time.Time
		ys []float64
	}
	var lines []line
	hasPrimary := false
	for _, c := range channels {
		st, ok := channelStyle[c]
		if !ok {
			return fmt.Errorf("chart: unknown channel %q", c)
		}
		l := line{c: c}
		for _, r := range records {
			if v, ok := r.Value(c); ok {
				l.xs = append(l.xs, r.Timestamp)
				l.ys = append(l.ys, v)
			}
		}
		if len(l.xs) == 0 {
			continue
		}
		// go-chart needs at least two X values
		if len(l.xs) == 1 {
			l.xs = append(l.xs, l.xs[0].Add(time.Second))
			l.ys = append(l.ys, l.ys[0])
		}
		if !st.secondary {
			hasPrimary = true
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		return ErrNoData
	}

	var primary, secondary axisRange
	series := make([]chart.Series, 0, len(lines))
	for _, l := range lines {
		st := channelStyle[l.c]
		axis := chart.YAxisPrimary
		rng := &primary
		if st.secondary && hasPrimary {
			axis = chart.YAxisSecondary
			rng = &secondary
		}
		for _, v := range l.ys {
			rng.add(v)
		}
		series = append(series, chart.TimeSeries{
			Name:    st.name,
			XValues: l.xs,
			YValues: l.ys,
			YAxis:   axis,
			Style: chart.Style{
				StrokeColor: drawing.ColorFromHex(st.color),
				StrokeWidth: 2,
			},
		})
	}

	ch := chart.Chart{
		Title:      opts.Title,
		Width:      opts.Width,
		Height:     opts.Height,
		Background: chart.Style{Padding: chart.Box{Top: 20, Left: 16, Right: 12, Bottom: 12}},
		XAxis: chart.XAxis{
			Name:           "Time",
			ValueFormatter: chart.TimeValueFormatterWithFormat("15:04:05"),
		},
		YAxis:  chart.YAxis{Range: primary.padded()},
		Series: series,
	}
	if secondary.used {
		ch.YAxisSecondary = chart.YAxis{Range: secondary.padded()}
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// ParseChannels maps channel names to channels, rejecting unknown names.
func ParseChannels(names []string) ([]telemetry.Channel, error) {
	out := make([]telemetry.Channel, 0, len(names))
	for _, n := range names {
		c := telemetry.Channel(n)
		if _, ok := channelStyle[c]; !ok {
			return nil, fmt.Errorf("unknown channel %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}
