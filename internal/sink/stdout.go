package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

// JSONStdoutWriter prints records and alarms as JSON lines.
type JSONStdoutWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONStdoutWriter creates a JSONStdoutWriter writing to os.Stdout.
func NewJSONStdoutWriter() *JSONStdoutWriter {
	return &JSONStdoutWriter{out: os.Stdout}
}

// Write outputs a record in JSON format.
func (w *JSONStdoutWriter) Write(r telemetry.Record) error {
	return w.print(r)
}

// WriteAlarm outputs an alarm wrapped as {"alarm": ...}.
func (w *JSONStdoutWriter) WriteAlarm(a safety.Alarm) error {
	return w.print(struct {
		Alarm safety.Alarm `json:"alarm"`
	}{a})
}

func (w *JSONStdoutWriter) print(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintln(w.out, string(data))
	return err
}

const (
	colorReset   = "\x1b[0m"
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorGray    = "\x1b[90m"
)

var channelColors = map[telemetry.Channel]string{
	telemetry.ChannelTemp:  colorRed,
	telemetry.ChannelPH:    colorGreen,
	telemetry.ChannelDO:    colorCyan,
	telemetry.ChannelRPM:   colorMagenta,
	telemetry.ChannelLevel: colorBlue,
}

// ColorStdoutWriter prints human-friendly, colorized lines for a terminal
// without the TUI.
type ColorStdoutWriter struct {
	mu         sync.Mutex
	out        io.Writer
	thresholds safety.ThresholdSet
	once       sync.Once
}

// NewColorStdoutWriter creates a ColorStdoutWriter writing to os.Stdout.
func NewColorStdoutWriter(th safety.ThresholdSet) *ColorStdoutWriter {
	return &ColorStdoutWriter{out: os.Stdout, thresholds: th}
}

func (w *ColorStdoutWriter) printOverview() {
	if len(w.thresholds) == 0 {
		return
	}
	fmt.Fprintln(w.out, "Alarm thresholds:")
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Channel\tMin\tMax\n")
	chans := make([]string, 0, len(w.thresholds))
	for c := range w.thresholds {
		chans = append(chans, string(c))
	}
	sort.Strings(chans)
	for _, c := range chans {
		b := w.thresholds[telemetry.Channel(c)]
		max := fmt.Sprintf("%g", b.Max)
		if b.LowerOnly {
			max = "-"
		}
		fmt.Fprintf(tw, "%s%s%s\t%g\t%s\n", channelColors[telemetry.Channel(c)], c, colorReset, b.Min, max)
	}
	tw.Flush()
	fmt.Fprintln(w.out)
}

// Write outputs a record in colorized format.
func (w *ColorStdoutWriter) Write(r telemetry.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.once.Do(w.printOverview)

	fmt.Fprintf(w.out, "%s[%s]%s %s", colorGray, r.Timestamp.Format(time.RFC3339), colorReset, r.Source)
	for _, c := range telemetry.Channels {
		if v, ok := r.Value(c); ok {
			fmt.Fprintf(w.out, " %s%s=%g%s", channelColors[c], c, v, colorReset)
		}
	}
	printActuator(w.out, "heater", r.Heater)
	printActuator(w.out, "aeration", r.Aeration)
	printActuator(w.out, "agitator", r.Agitator)
	_, err := fmt.Fprintln(w.out)
	return err
}

func printActuator(out io.Writer, name string, on *bool) {
	if on == nil {
		return
	}
	if *on {
		fmt.Fprintf(out, " %s%s=on%s", colorYellow, name, colorReset)
		return
	}
	fmt.Fprintf(out, " %s%s=off%s", colorGray, name, colorReset)
}

// WriteAlarm prints an alarm line.
func (w *ColorStdoutWriter) WriteAlarm(a safety.Alarm) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.once.Do(w.printOverview)
	_, err := fmt.Fprintf(w.out, "%s[%s]%s %sALARM%s %s\n",
		colorGray, a.Timestamp.Format(time.RFC3339), colorReset,
		colorRed, colorReset, a.Message)
	return err
}
