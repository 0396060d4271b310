// Package tui is the terminal operator console.
package tui

import (
	"io"
	"os"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/session"
	"bioreactor-monitor/internal/transport"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// Controller is the set of operator operations the console drives.
// *session.Session satisfies it.
type Controller interface {
	ToggleActuator(target string, on bool) error
	StartRun() error
	StopRun() error
	EmergencyStop() error
	ApplyParamsInput(input string) error
	Connect(address string)
	Disconnect()
	SetMuted(muted bool)
	ExportCSV(w io.Writer) error
}

// Options configures the console.
type Options struct {
	ExportPath string
	Demo       bool
	Address    string
	Thresholds safety.ThresholdSet
	// Bell receives the terminal bell on alarms. Defaults to os.Stderr.
	Bell io.Writer
}

// Console runs the bubbletea program and feeds it session events.
type Console struct {
	program    teaProgram
	done       chan struct{}
	sendSignal atomic.Bool
	unsubs     []func()
}

// New starts the console for sess. Quitting the console interrupts the
// process so the caller's signal handling shuts everything down.
func New(sess *session.Session, opts Options) *Console {
	if opts.Bell == nil {
		opts.Bell = os.Stderr
	}
	if opts.Thresholds == nil {
		opts.Thresholds = sess.Thresholds()
	}
	opts.Demo = opts.Demo || sess.DemoMode()
	if opts.Address == "" {
		opts.Address = sess.Address()
	}
	m := newModel(sess, opts)
	m.state = sess.State()
	m.conn = sess.ConnectionState()
	m.muted = sess.Muted()

	c := &Console{done: make(chan struct{})}
	c.sendSignal.Store(true)
	p := tea.NewProgram(m, tea.WithAltScreen())
	c.program = p
	go func() {
		_, _ = p.Run()
		close(c.done)
		if c.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()

	c.unsubs = []func(){
		sess.OnState(c.State),
		sess.OnAlarm(c.Alarm),
		sess.OnConnectionChange(c.Connection),
		sess.OnLog(c.Log),
	}
	return c
}

// State forwards a UI state update.
func (c *Console) State(st projector.UIState) {
	c.program.Send(stateMsg{st})
}

// Alarm forwards newly raised alarms.
func (c *Console) Alarm(alarms []safety.Alarm) {
	c.program.Send(alarmMsg{alarms})
}

// Connection forwards a transport state change.
func (c *Console) Connection(ev transport.Event) {
	c.program.Send(connMsg{ev})
}

// Log forwards a network log line.
func (c *Console) Log(e session.LogEntry) {
	c.program.Send(logMsg{line: e.String()})
}

// Close unsubscribes from the session, stops the program and waits for the
// terminal to be restored.
func (c *Console) Close() error {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
	c.sendSignal.Store(false)
	if c.program != nil {
		c.program.Send(tea.Quit())
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}
