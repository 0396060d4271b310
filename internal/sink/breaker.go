package sink

import (
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

// BreakerWriter guards a remote sink with a circuit breaker so an
// unreachable database does not stall every record. While open, writes fail
// fast with gobreaker.ErrOpenState.
type BreakerWriter struct {
	cb      *gobreaker.CircuitBreaker
	records RecordWriter
	alarms  AlarmWriter
}

// NewBreakerWriter wraps records and alarms (either may be nil). The breaker
// opens after maxFailures consecutive failures and half-opens after openFor.
func NewBreakerWriter(name string, records RecordWriter, alarms AlarmWriter, maxFailures int, openFor time.Duration, log *slog.Logger) *BreakerWriter {
	if log == nil {
		log = slog.Default()
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Minute,
		Timeout:  openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("sink breaker state change", "sink", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerWriter{cb: cb, records: records, alarms: alarms}
}

// State returns the breaker state.
func (b *BreakerWriter) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerWriter) Write(r telemetry.Record) error {
	if b.records == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.records.Write(r)
	})
	return err
}

func (b *BreakerWriter) WriteAlarm(a safety.Alarm) error {
	if b.alarms == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.alarms.WriteAlarm(a)
	})
	return err
}

// Close closes the wrapped writers.
func (b *BreakerWriter) Close() error {
	var first error
	ws := []any{b.records}
	if any(b.alarms) != any(b.records) {
		ws = append(ws, b.alarms)
	}
	for _, w := range ws {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
