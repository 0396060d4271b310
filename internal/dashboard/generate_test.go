package dashboard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bioreactor-monitor/internal/safety"
)

func TestRenderMissingEnv(t *testing.T) {
	os.Unsetenv(DatasourceEnv)
	d := NewData("bioreactor_telemetry", "bioreactor_alarms", safety.DefaultThresholds())
	if err := Render(t.TempDir(), d); err == nil {
		t.Fatalf("expected error for missing env vars")
	}
}

func TestRenderSuccess(t *testing.T) {
	t.Setenv(DatasourceEnv, "uid1")

	dir := t.TempDir()
	d := NewData("bioreactor_telemetry", "bioreactor_alarms", safety.DefaultThresholds())
	if err := Render(dir, d); err != nil {
		t.Fatalf("render failed: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "grafana-dashboard.json"))
	if err != nil {
		t.Fatalf("read dashboard: %v", err)
	}
	if !strings.Contains(string(b), "uid1") {
		t.Fatalf("greptime uid not rendered")
	}
	var dash struct {
		Panels []struct {
			Title   string `json:"title"`
			Targets []struct {
				RawSQL string `json:"rawSql"`
			} `json:"targets"`
		} `json:"panels"`
	}
	if err := json.Unmarshal(b, &dash); err != nil {
		t.Fatalf("dashboard is not valid JSON: %v\n%s", err, b)
	}
	if len(dash.Panels) != 6 {
		t.Fatalf("expected 5 channel panels and the alarm table, got %d", len(dash.Panels))
	}
	if !strings.Contains(dash.Panels[0].Targets[0].RawSQL, "temp FROM bioreactor_telemetry") {
		t.Fatalf("unexpected query %q", dash.Panels[0].Targets[0].RawSQL)
	}
	if !strings.Contains(dash.Panels[5].Targets[0].RawSQL, "FROM bioreactor_alarms") {
		t.Fatalf("unexpected alarm query %q", dash.Panels[5].Targets[0].RawSQL)
	}
}

func TestNewDataLayout(t *testing.T) {
	th := safety.DefaultThresholds()
	d := NewData("t", "a", th)
	if len(d.Panels) != 5 || d.AlarmsY != 24 {
		t.Fatalf("layout = %d panels, alarms at y=%d", len(d.Panels), d.AlarmsY)
	}
	level := d.Panels[4]
	if level.Column != "level" || !level.LowerOnly || level.GridX != 0 || level.GridY != 16 {
		t.Fatalf("level panel = %+v", level)
	}
	if d.Panels[1].GridX != 12 {
		t.Fatalf("second panel should sit on the right, got x=%d", d.Panels[1].GridX)
	}
}
