package session

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"bioreactor-monitor/internal/telemetry"
	"bioreactor-monitor/internal/transport"
)

// onSimRecord receives simulator ticks. Ticks that race a live connection
// are dropped.
func (s *Session) onSimRecord(r telemetry.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.connState == transport.Connected {
		s.metrics.RecordDropped("simulated_while_connected")
		return
	}
	s.applyLocked(r)
}

// onFrame receives raw frames from the transport.
func (s *Session) onFrame(data []byte) {
	f, err := telemetry.DecodeFrame(data, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		s.metrics.DecodeError()
		s.netlog(slog.LevelWarn, "dropped malformed frame", "err", err)
		return
	}
	if f.NetInfo != nil {
		st := s.proj.SetNetInfo(*f.NetInfo)
		s.netlog(slog.LevelInfo, "device network", "ssid", f.NetInfo.SSID, "ip", f.NetInfo.IP)
		if !f.Record.HasTelemetry() {
			s.onState.emit(st)
		}
	}
	if f.Record.HasTelemetry() {
		s.applyLocked(f.Record)
	}
}

// applyLocked projects r and fans the result out.
func (s *Session) applyLocked(r telemetry.Record) {
	res := s.proj.Apply(r)
	s.metrics.RecordIngested(string(r.Source))
	s.metrics.BufferLength(s.proj.Len())
	s.enqueue(sinkItem{record: &r})

	for i := range res.Alarms {
		res.Alarms[i].ID = uuid.NewString()
		s.metrics.Alarm(string(res.Alarms[i].Channel))
		a := res.Alarms[i]
		s.enqueue(sinkItem{alarm: &a})
	}

	s.onRecord.emit(res)
	s.onState.emit(res.State)
	if len(res.Alarms) == 0 {
		return
	}
	s.sendLocked(telemetry.Alarm(res.State.Alarms))
	s.onAlarm.emit(res.Alarms)
}

// onTransportEvent reacts to adapter state changes: a live connection
// silences the simulator and losing it brings demo mode back.
func (s *Session) onTransportEvent(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connState = ev.State
	s.metrics.ConnectionState(int(ev.State))

	switch ev.State {
	case transport.Connecting:
		s.netlog(slog.LevelInfo, "connecting", "address", ev.Address)
	case transport.Connected:
		s.netlog(slog.LevelInfo, "connected", "address", ev.Address)
		s.sim.Stop()
		s.sendLocked(telemetry.GetStatus())
	case transport.Disconnected:
		args := []any{"address", ev.Address}
		if ev.Err != nil {
			args = append(args, "err", ev.Err)
		}
		if ev.RetryIn > 0 {
			args = append(args, "retry_in", ev.RetryIn)
		}
		if ev.Fallback {
			s.netlog(slog.LevelWarn, "connection lost", args...)
		} else {
			s.netlog(slog.LevelInfo, "disconnected", args...)
		}
		if s.demo && s.started && !s.closed {
			s.sim.Start(s.ctx)
		}
	}
	s.onConn.emit(ev)
}

// sendLocked sends cmd to the device. Without a connection the simulator
// absorbs it in demo mode; otherwise ErrNotConnected is returned.
func (s *Session) sendLocked(cmd telemetry.Command) error {
	err := s.adapter.Send(cmd)
	switch {
	case err == nil:
		s.metrics.Command(cmd.Cmd, "sent")
		s.netlog(slog.LevelInfo, "sent", "cmd", cmd.String())
		return nil
	case errors.Is(err, transport.ErrNotConnected) && s.demo:
		s.sim.ApplyCommand(cmd)
		s.metrics.Command(cmd.Cmd, "absorbed")
		s.netlog(slog.LevelDebug, "demo absorbed", "cmd", cmd.String())
		return nil
	default:
		s.metrics.Command(cmd.Cmd, "failed")
		s.netlog(slog.LevelWarn, "send failed", "cmd", cmd.String(), "err", err)
		return err
	}
}
