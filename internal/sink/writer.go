// Package sink persists and forwards telemetry records and alarms.
package sink

import (
	"errors"
	"io"
	"time"

	"bioreactor-monitor/internal/metrics"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

// RecordWriter accepts projected telemetry records.
type RecordWriter interface {
	Write(telemetry.Record) error
}

// AlarmWriter accepts raised alarms.
type AlarmWriter interface {
	WriteAlarm(safety.Alarm) error
}

type batchWriter interface {
	WriteBatch([]telemetry.Record) error
}

// MultiWriter fans records and alarms out to several writers. A failing
// writer does not stop the others; their errors are joined.
type MultiWriter struct {
	records []RecordWriter
	alarms  []AlarmWriter
}

// NewMultiWriter creates a new MultiWriter.
func NewMultiWriter(rws []RecordWriter, aws []AlarmWriter) *MultiWriter {
	return &MultiWriter{records: rws, alarms: aws}
}

// Write sends a record to all record writers.
func (mw *MultiWriter) Write(r telemetry.Record) error {
	var errs []error
	for _, w := range mw.records {
		if err := w.Write(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteBatch sends records to all writers, using batch writes where supported.
func (mw *MultiWriter) WriteBatch(rows []telemetry.Record) error {
	var errs []error
	for _, w := range mw.records {
		if bw, ok := w.(batchWriter); ok {
			if err := bw.WriteBatch(rows); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, r := range rows {
			if err := w.Write(r); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}

// WriteAlarm sends an alarm to all alarm writers.
func (mw *MultiWriter) WriteAlarm(a safety.Alarm) error {
	var errs []error
	for _, w := range mw.alarms {
		if err := w.WriteAlarm(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer that is an io.Closer, once each.
func (mw *MultiWriter) Close() error {
	seen := map[any]bool{}
	var errs []error
	closeOne := func(w any) {
		c, ok := w.(io.Closer)
		if !ok || seen[w] {
			return
		}
		seen[w] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range mw.records {
		closeOne(w)
	}
	for _, w := range mw.alarms {
		closeOne(w)
	}
	return errors.Join(errs...)
}

// Instrumented times writes of a named sink into the sink latency histogram.
type Instrumented struct {
	Name    string
	Records RecordWriter
	Alarms  AlarmWriter
	Metrics *metrics.Metrics
}

func (i *Instrumented) Write(r telemetry.Record) error {
	if i.Records == nil {
		return nil
	}
	start := time.Now()
	err := i.Records.Write(r)
	i.Metrics.ObserveSink(i.Name, time.Since(start).Seconds())
	return err
}

func (i *Instrumented) WriteAlarm(a safety.Alarm) error {
	if i.Alarms == nil {
		return nil
	}
	start := time.Now()
	err := i.Alarms.WriteAlarm(a)
	i.Metrics.ObserveSink(i.Name, time.Since(start).Seconds())
	return err
}

// Close closes the wrapped writers.
func (i *Instrumented) Close() error {
	return NewMultiWriter([]RecordWriter{i.Records}, []AlarmWriter{i.Alarms}).Close()
}
