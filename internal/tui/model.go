package tui

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
	"bioreactor-monitor/internal/transport"
)

type stateMsg struct{ projector.UIState }

type alarmMsg struct{ alarms []safety.Alarm }

type connMsg struct{ transport.Event }

type logMsg struct{ line string }

// resultMsg reports the outcome of an operator action run off the UI loop.
type resultMsg struct {
	action string
	err    error
}

const (
	maxLogLines = 1000
	gaugeWidth  = 20
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	alarmStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	titleStyle = lipgloss.NewStyle().Bold(true)
)

var channelLabels = []struct {
	c     telemetry.Channel
	label string
}{
	{telemetry.ChannelTemp, "Temp (°C)"},
	{telemetry.ChannelPH, "pH"},
	{telemetry.ChannelDO, "DO (%)"},
	{telemetry.ChannelRPM, "RPM"},
	{telemetry.ChannelLevel, "Level (%)"},
}

var actuatorKeys = map[string]string{
	"1": telemetry.TargetHeater,
	"2": telemetry.TargetAeration,
	"3": telemetry.TargetAgitator,
}

type model struct {
	ctrl  Controller
	opts  Options
	table table.Model
	vp    viewport.Model

	state  projector.UIState
	conn   transport.State
	lost   bool
	logs   []string
	status string
	failed bool

	muted        bool
	wrap         bool
	autoscroll   bool
	help         bool
	confirmEStop bool
	paramsDialog bool
	paramsInput  textinput.Model

	height int
}

func newModel(ctrl Controller, opts Options) model {
	cols := []table.Column{
		{Title: "Channel", Width: 12},
		{Title: "Value", Width: 8},
		{Title: "Min", Width: 8},
		{Title: "Max", Width: 8},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(len(channelLabels)+1))
	m := model{
		ctrl:       ctrl,
		opts:       opts,
		table:      t,
		vp:         viewport.New(0, 0),
		autoscroll: true,
		state:      projector.New(opts.Thresholds, 1).State(),
	}
	m.refreshTable()
	return m
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.vp.Width = msg.Width
		m.updateViewportHeight()
		m.refreshViewport()
	case tea.KeyMsg:
		return m.handleKey(msg)
	case stateMsg:
		m.state = msg.UIState
		m.refreshTable()
	case alarmMsg:
		for _, a := range msg.alarms {
			m.appendLog(alarmStyle.Render("ALARM " + a.Message))
		}
		if !m.muted && len(msg.alarms) > 0 {
			return m, m.bell()
		}
	case connMsg:
		m.conn = msg.State
		if msg.Address != "" {
			m.opts.Address = msg.Address
		}
		switch msg.State {
		case transport.Connected:
			m.lost = false
		case transport.Disconnected:
			m.lost = msg.Fallback
		}
	case logMsg:
		m.appendLog(msg.line)
	case resultMsg:
		m.failed = msg.err != nil
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.status = msg.action + " ok"
		}
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.paramsDialog {
		switch msg.Type {
		case tea.KeyEnter:
			input := m.paramsInput.Value()
			m.paramsDialog = false
			m.updateViewportHeight()
			return m, m.run("params", func() error { return m.ctrl.ApplyParamsInput(input) })
		case tea.KeyEsc:
			m.paramsDialog = false
			m.updateViewportHeight()
			return m, nil
		default:
			var cmd tea.Cmd
			m.paramsInput, cmd = m.paramsInput.Update(msg)
			return m, cmd
		}
	}
	if m.confirmEStop {
		m.confirmEStop = false
		switch msg.String() {
		case "y", "Y":
			return m, m.run("emergency stop", m.ctrl.EmergencyStop)
		}
		m.status = "emergency stop cancelled"
		m.failed = false
		return m, nil
	}
	if m.help {
		switch msg.String() {
		case "?", "h", "esc":
			m.help = false
		}
		return m, nil
	}

	switch key := msg.String(); key {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "1", "2", "3":
		target := actuatorKeys[key]
		on := !m.actuator(target)
		return m, m.run(fmt.Sprintf("%s %s", target, onOff(on)), func() error {
			return m.ctrl.ToggleActuator(target, on)
		})
	case "s":
		return m, m.run("start run", m.ctrl.StartRun)
	case "S":
		return m, m.run("stop run", m.ctrl.StopRun)
	case "x":
		m.confirmEStop = true
		return m, nil
	case "p":
		m.paramsInput = textinput.New()
		m.paramsInput.Placeholder = "temp=37 ph=7.2 rpm=300 do=40 duration=01:30"
		m.paramsInput.Focus()
		m.paramsDialog = true
		m.updateViewportHeight()
		return m, textinput.Blink
	case "c":
		if m.conn == transport.Disconnected {
			ctrl := m.ctrl
			return m, func() tea.Msg {
				ctrl.Connect("")
				return nil
			}
		}
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctrl.Disconnect()
			return nil
		}
	case "m":
		m.muted = !m.muted
		muted := m.muted
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctrl.SetMuted(muted)
			return nil
		}
	case "e":
		path := m.opts.ExportPath
		if path == "" {
			path = telemetry.DefaultCSVName
		}
		return m, m.run("export "+path, func() error { return exportCSV(m.ctrl, path) })
	case "w":
		m.wrap = !m.wrap
		m.refreshViewport()
		return m, nil
	case "a":
		m.autoscroll = !m.autoscroll
		if m.autoscroll {
			m.vp.GotoBottom()
		}
		return m, nil
	case "h", "?":
		m.help = true
		return m, nil
	}

	if !m.autoscroll {
		switch msg.String() {
		case "j", "down":
			m.vp.LineDown(1)
		case "k", "up":
			m.vp.LineUp(1)
		case "pgdown", "ctrl+n":
			m.vp.LineDown(10)
		case "pgup", "ctrl+p":
			m.vp.LineUp(10)
		default:
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

// run executes fn as a tea.Cmd so session calls never block the UI loop.
func (m model) run(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return resultMsg{action: action, err: fn()}
	}
}

func (m model) bell() tea.Cmd {
	out := m.opts.Bell
	return func() tea.Msg {
		if out != nil {
			fmt.Fprint(out, "\a")
		}
		return nil
	}
}

func exportCSV(ctrl Controller, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ctrl.ExportCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m model) actuator(target string) bool {
	switch target {
	case telemetry.TargetHeater:
		return m.state.Heater
	case telemetry.TargetAeration:
		return m.state.Aeration
	default:
		return m.state.Agitator
	}
}

func (m *model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
	m.refreshViewport()
}

func (m *model) refreshTable() {
	r := m.state.Readouts
	values := map[telemetry.Channel]string{
		telemetry.ChannelTemp:  r.Temp,
		telemetry.ChannelPH:    r.PH,
		telemetry.ChannelDO:    r.DO,
		telemetry.ChannelRPM:   r.RPM,
		telemetry.ChannelLevel: r.Level,
	}
	rows := make([]table.Row, 0, len(channelLabels))
	for _, cl := range channelLabels {
		lo, hi := "", ""
		if b, ok := m.opts.Thresholds[cl.c]; ok {
			lo = strconv.FormatFloat(b.Min, 'f', -1, 64)
			hi = strconv.FormatFloat(b.Max, 'f', -1, 64)
			if b.LowerOnly {
				hi = "-"
			}
		}
		rows = append(rows, table.Row{cl.label, values[cl.c], lo, hi})
	}
	m.table.SetRows(rows)
}

func (m *model) updateViewportHeight() {
	used := lipgloss.Height(m.renderHeader()) + lipgloss.Height(m.renderBottom()) + 2
	h := m.height - used
	if h < 0 {
		h = 0
	}
	m.vp.Height = h
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *model) refreshViewport() {
	lines := m.logs
	if m.wrap && m.vp.Width > 0 {
		lines = make([]string, len(m.logs))
		for i, l := range m.logs {
			lines[i] = wordwrap.String(l, m.vp.Width)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m model) View() string {
	if m.help {
		return renderHelp()
	}
	divider := strings.Repeat("─", m.vp.Width)
	return strings.Join([]string{
		m.renderHeader(),
		divider,
		m.vp.View(),
		divider,
		m.renderBottom(),
	}, "\n")
}

func (m model) renderHeader() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Bioreactor"))
	b.WriteString("  mode ")
	b.WriteString(m.renderMode())
	if m.state.Source != "" {
		b.WriteString("  source " + string(m.state.Source))
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("heater %s  aeration %s  agitator %s",
		indicator(m.state.Heater), indicator(m.state.Aeration), indicator(m.state.Agitator)))
	if m.state.Agitator && m.state.RotationPeriod > 0 {
		b.WriteString(fmt.Sprintf(" (%.2fs/rev)", m.state.RotationPeriod))
	}
	b.WriteString("\n")
	b.WriteString("level " + gauge(m.state.FillPercent))
	if ni := m.state.NetInfo; ni != nil {
		b.WriteString(fmt.Sprintf("\nwifi %s ip %s mac %s", ni.SSID, ni.IP, ni.MAC))
	}

	side := m.table.View()
	if len(m.state.Alarms) > 0 {
		lines := make([]string, len(m.state.Alarms))
		for i, a := range m.state.Alarms {
			lines[i] = alarmStyle.Render("! " + a)
		}
		side += "\n" + strings.Join(lines, "\n")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, b.String(), "   ", side)
}

func (m model) renderMode() string {
	switch m.state.Mode {
	case projector.ModeEmergency:
		return alarmStyle.Render(string(m.state.Mode))
	case projector.ModeRunning:
		return okStyle.Render(string(m.state.Mode))
	case projector.ModeStopped:
		return warnStyle.Render(string(m.state.Mode))
	default:
		return string(m.state.Mode)
	}
}

func (m model) renderBottom() string {
	conn := m.conn.String()
	switch {
	case m.conn == transport.Connected:
		conn = okStyle.Render(conn)
	case m.lost:
		conn = alarmStyle.Render("connection lost")
	}
	if m.opts.Address != "" {
		conn += " " + m.opts.Address
	}
	if m.opts.Demo && m.conn != transport.Connected {
		conn += " (demo)"
	}
	line := fmt.Sprintf("%s | Mute %s | Wrap %s | Scroll %s | h help",
		conn, flag(m.muted), flag(m.wrap), flag(m.autoscroll))

	var extra string
	switch {
	case m.confirmEStop:
		extra = alarmStyle.Render("Emergency stop? y/n")
	case m.paramsDialog:
		extra = "Params: " + m.paramsInput.View()
	case m.status != "":
		extra = m.status
		if m.failed {
			extra = warnStyle.Render(extra)
		}
	}
	if extra != "" {
		return extra + "\n" + line
	}
	return line
}

func renderHelp() string {
	lines := []string{
		"Key Bindings:",
		" 1/2/3  toggle heater / aeration / agitator",
		" s      start run",
		" S      stop run",
		" x      emergency stop (confirm with y)",
		" p      send setpoints (temp=37 ph=7.2 duration=01:30)",
		" c      connect / disconnect device",
		" m      mute alarm bell",
		" e      export history to CSV",
		" w      toggle log wrap",
		" a      toggle auto-scroll",
		" h/?    toggle this help view",
		" q      quit",
		"",
		"When auto-scroll is disabled:",
		" j/k or up/down    scroll one line",
		" pgdown/pgup       scroll a page",
	}
	return strings.Join(lines, "\n")
}

func indicator(on bool) string {
	if on {
		return okStyle.Render("ON")
	}
	return offStyle.Render("off")
}

func flag(on bool) string {
	if on {
		return okStyle.Render("●")
	}
	return alarmStyle.UnsetBold().Render("●")
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func gauge(pct float64) string {
	filled := int(pct/100*gaugeWidth + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > gaugeWidth {
		filled = gaugeWidth
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("·", gaugeWidth-filled) + "]" +
		fmt.Sprintf(" %.0f%%", pct)
}
