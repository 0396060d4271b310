package sink

import (
	"fmt"
	"log/slog"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// InfluxWriter writes records and alarms as points through the non-blocking
// write API. Write errors arrive asynchronously; the next Write or WriteAlarm
// returns the latest one so breakers and metrics see the failure.
type InfluxWriter struct {
	client      influxdb2.Client
	api         pointWriter
	measurement string
	log         *slog.Logger

	mu      sync.Mutex
	pending error
}

// NewInfluxWriter creates a client for url and writes into org/bucket.
func NewInfluxWriter(url, token, org, bucket, measurement string, log *slog.Logger) *InfluxWriter {
	opts := influxdb2.DefaultOptions().
		SetBatchSize(50).
		SetFlushInterval(1000)
	client := influxdb2.NewClientWithOptions(url, token, opts)
	w := newInfluxWriter(client.WriteAPI(org, bucket), measurement, log)
	w.client = client
	return w
}

func newInfluxWriter(api pointWriter, measurement string, log *slog.Logger) *InfluxWriter {
	if log == nil {
		log = slog.Default()
	}
	w := &InfluxWriter{api: api, measurement: measurement, log: log}
	go func() {
		for err := range api.Errors() {
			if err == nil {
				continue
			}
			w.mu.Lock()
			w.pending = err
			w.mu.Unlock()
			w.log.Error("influx write error", "err", err)
		}
	}()
	return w
}

// Write queues a record point.
func (w *InfluxWriter) Write(r telemetry.Record) error {
	err := w.takeErr()
	fields := map[string]interface{}{}
	for _, c := range telemetry.Channels {
		if v, ok := r.Value(c); ok {
			fields[string(c)] = v
		}
	}
	addBool(fields, "heater", r.Heater)
	addBool(fields, "aeration", r.Aeration)
	addBool(fields, "agitator", r.Agitator)
	if len(fields) > 0 {
		tags := map[string]string{"source": string(r.Source)}
		w.api.WritePoint(influxdb2.NewPoint(w.measurement, tags, fields, r.Timestamp))
	}
	return err
}

func addBool(fields map[string]interface{}, name string, v *bool) {
	if v != nil {
		fields[name] = *v
	}
}

// WriteAlarm queues an alarm point in the <measurement>_alarms measurement.
func (w *InfluxWriter) WriteAlarm(a safety.Alarm) error {
	err := w.takeErr()
	tags := map[string]string{"channel": string(a.Channel)}
	fields := map[string]interface{}{
		"id":      a.ID,
		"value":   a.Value,
		"message": a.Message,
	}
	w.api.WritePoint(influxdb2.NewPoint(w.measurement+"_alarms", tags, fields, a.Timestamp))
	return err
}

// takeErr returns the asynchronous error not yet reported, if any, and
// clears it.
func (w *InfluxWriter) takeErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.pending
	w.pending = nil
	if err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (w *InfluxWriter) Close() error {
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
