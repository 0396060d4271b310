package sim

import (
	"context"
	"time"

	"bioreactor-monitor/internal/logging"
	"bioreactor-monitor/internal/telemetry"
)

// Run emits a record every interval until ctx is done or the generation gen
// is superseded by Stop/Start.
func (s *Simulator) Run(ctx context.Context, gen uint64) {
	log := logging.FromContext(ctx)
	log.Info("starting simulator", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r, ok := s.tick(gen)
			if !ok {
				log.Info("stopping simulator")
				return
			}
			if s.emit != nil {
				s.emit(r)
			}
		case <-ctx.Done():
			log.Info("stopping simulator")
			return
		}
	}
}

// tick computes a record unless the loop for gen has been stopped.
func (s *Simulator) tick(gen uint64) (telemetry.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != gen {
		return telemetry.Record{}, false
	}
	return s.step(), true
}
