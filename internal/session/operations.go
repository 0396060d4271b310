package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
	"bioreactor-monitor/internal/transport"
)

// ErrUnknownTarget is returned for actuator names the device does not know.
var ErrUnknownTarget = errors.New("unknown actuator")

// SendCommand sends cmd to the device, or to the simulator in demo mode.
func (s *Session) SendCommand(cmd telemetry.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(cmd)
}

// ToggleActuator switches heater, aeration, agitator or all of them.
func (s *Session) ToggleActuator(target string, on bool) error {
	if !telemetry.IsActuator(target) {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return s.SendCommand(telemetry.SetActuator(target, on))
}

// StartRun asks the device to start the run.
func (s *Session) StartRun() error {
	return s.SendCommand(telemetry.SetRun(true))
}

// StopRun asks the device to stop and shows the stopped mode until the next
// reading arrives.
func (s *Session) StopRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.sendLocked(telemetry.SetRun(false))
	s.onState.emit(s.proj.Stop())
	return err
}

// EmergencyStop halts every actuator. The UI shows the emergency mode even
// when the command could not be delivered.
func (s *Session) EmergencyStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.sendLocked(telemetry.EmergencyStop())
	s.netlog(slog.LevelWarn, "emergency stop requested")
	s.onState.emit(s.proj.EmergencyStop())
	return err
}

// ApplyParams validates setpoints against the configured limits and sends
// them. A *safety.ValidationError is returned without sending anything.
func (s *Session) ApplyParams(p telemetry.Params) error {
	if err := safety.ValidateParams(p, s.cfg.SetpointLimits); err != nil {
		s.mu.Lock()
		s.metrics.Command(telemetry.CmdSet, "rejected")
		s.netlog(slog.LevelWarn, "params rejected", "err", err)
		s.mu.Unlock()
		return err
	}
	return s.SendCommand(telemetry.SetParams(p))
}

// ApplyParamsInput parses "temp=37 ph=7.1 duration=02:30" style input and
// applies it.
func (s *Session) ApplyParamsInput(input string) error {
	p, err := safety.ParseParams(input)
	if err != nil {
		return err
	}
	return s.ApplyParams(p)
}

// NetConnect asks the device to join a Wi-Fi network.
func (s *Session) NetConnect(ssid, pwd string) error {
	if ssid == "" {
		return &safety.ValidationError{Violations: []string{"ssid is required"}}
	}
	return s.SendCommand(telemetry.NetConnect(ssid, pwd))
}

// Connect dials address, or the configured device address when empty.
func (s *Session) Connect(address string) {
	if address == "" {
		address = s.address
	}
	s.mu.Lock()
	ctx, closed := s.ctx, s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.adapter.Connect(ctx, address)
}

// Disconnect closes the live connection.
func (s *Session) Disconnect() {
	s.adapter.Close()
}

// ConnectionState returns the transport state.
func (s *Session) ConnectionState() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// Address returns the configured device address.
func (s *Session) Address() string {
	return s.address
}

// State returns the current UI state.
func (s *Session) State() projector.UIState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj.State()
}

// History returns every buffered record, oldest first.
func (s *Session) History() []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj.Snapshot()
}

// Window returns buffered records from the last d.
func (s *Session) Window(d time.Duration) []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj.Window(s.now().Add(-d))
}

// Last returns up to n of the newest buffered records.
func (s *Session) Last(n int) []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj.Last(n)
}

// ExportCSV writes the buffered history as CSV.
func (s *Session) ExportCSV(w io.Writer) error {
	records := s.History()
	if err := telemetry.WriteCSV(w, records); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	s.mu.Lock()
	s.netlog(slog.LevelInfo, "exported history", "records", len(records))
	s.mu.Unlock()
	return nil
}

// SetMuted silences or re-enables the audible alarm.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted reports whether the audible alarm is silenced.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetExcursion widens the simulated walk so alarms can be exercised.
func (s *Session) SetExcursion(on bool) {
	s.sim.SetExcursion(on)
	s.mu.Lock()
	s.netlog(slog.LevelInfo, "simulator excursion", "on", on)
	s.mu.Unlock()
}

// Excursion reports whether the simulator runs in excursion mode.
func (s *Session) Excursion() bool {
	return s.sim.Excursion()
}

// DemoMode reports whether the simulator stands in for a missing device.
func (s *Session) DemoMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demo
}

// SimulatorRunning reports whether simulated records are being produced.
func (s *Session) SimulatorRunning() bool {
	return s.sim.Running()
}

// Thresholds returns the configured alarm bounds.
func (s *Session) Thresholds() safety.ThresholdSet {
	return s.cfg.Thresholds
}

// Config returns the session configuration.
func (s *Session) Config() *config.Config {
	return s.cfg
}
