// Package dashboard renders Grafana dashboards for the GreptimeDB tables.
package dashboard

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

//go:embed templates/*.tmpl
var templates embed.FS

// DatasourceEnv names the variable holding the GreptimeDB datasource UID.
const DatasourceEnv = "GREPTIMEDB_DATASOURCE_UID"

// Panel is one channel's time series panel.
type Panel struct {
	ID        int
	Title     string
	Column    string
	Unit      string
	GridX     int
	GridY     int
	Min       float64
	Max       float64
	LowerOnly bool
	HasBounds bool
}

// Data is what the templates are executed with.
type Data struct {
	Title      string
	Table      string
	AlarmTable string
	Panels     []Panel
	AlarmsY    int
}

var panelMeta = map[telemetry.Channel]struct{ title, unit string }{
	telemetry.ChannelTemp:  {"Temperature", "celsius"},
	telemetry.ChannelPH:    {"pH", "none"},
	telemetry.ChannelDO:    {"Dissolved oxygen", "percent"},
	telemetry.ChannelRPM:   {"Agitator speed", "rotrpm"},
	telemetry.ChannelLevel: {"Level", "percent"},
}

// NewData lays out one panel per channel, two per row, with threshold
// steps taken from th.
func NewData(table, alarmTable string, th safety.ThresholdSet) Data {
	d := Data{Title: "Bioreactor", Table: table, AlarmTable: alarmTable}
	for i, c := range telemetry.Channels {
		meta := panelMeta[c]
		p := Panel{
			ID:     i + 1,
			Title:  meta.title,
			Column: string(c),
			Unit:   meta.unit,
			GridX:  (i % 2) * 12,
			GridY:  (i / 2) * 8,
		}
		if b, ok := th[c]; ok {
			p.Min, p.Max, p.LowerOnly, p.HasBounds = b.Min, b.Max, b.LowerOnly, true
		}
		d.Panels = append(d.Panels, p)
	}
	d.AlarmsY = ((len(d.Panels) + 1) / 2) * 8
	return d
}

// Render executes every embedded template with d and writes the dashboards
// to outDir.
func Render(outDir string, d Data) error {
	funcMap := template.FuncMap{
		"env": func(key string) (string, error) {
			v := os.Getenv(key)
			if v == "" {
				return "", fmt.Errorf("environment variable %s not set", key)
			}
			return v, nil
		},
	}

	t, err := template.New("dashboards").Funcs(funcMap).ParseFS(templates, "templates/*.tmpl")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, tpl := range t.Templates() {
		name := tpl.Name()
		if !strings.HasSuffix(name, ".tmpl") {
			continue
		}
		outPath := filepath.Join(outDir, strings.TrimSuffix(name, ".tmpl"))
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		if err := tpl.Execute(f, d); err != nil {
			f.Close()
			return fmt.Errorf("render %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
