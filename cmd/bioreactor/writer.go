package main

import (
	"log/slog"
	"time"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/metrics"
	"bioreactor-monitor/internal/sink"
)

// writers is the record/alarm fan-out built from configuration. Records and
// Alarms are nil when no sink is enabled.
type writers struct {
	Records sink.RecordWriter
	Alarms  sink.AlarmWriter
	Names   []string
	cleanup func()
}

func (w *writers) Close() {
	if w.cleanup != nil {
		w.cleanup()
	}
}

// newWriters sets up record and alarm writers from cfg and flags.
// Remote time-series sinks are skipped in print-only mode and are each
// guarded by a circuit breaker. STDOUT is used when stdout is true and
// nothing remote is configured, or when printOnly is set.
func newWriters(cfg *config.Config, printOnly, stdout, color bool, m *metrics.Metrics, log *slog.Logger) (*writers, error) {
	if log == nil {
		log = slog.Default()
	}
	var (
		rws   []sink.RecordWriter
		aws   []sink.AlarmWriter
		names []string
	)
	add := func(name string, rw sink.RecordWriter, aw sink.AlarmWriter) {
		inst := &sink.Instrumented{Name: name, Records: rw, Alarms: aw, Metrics: m}
		rws = append(rws, inst)
		aws = append(aws, inst)
		names = append(names, name)
	}
	openFor := time.Duration(cfg.Sinks.Breaker.OpenTimeoutMS) * time.Millisecond
	guarded := func(name string, rw sink.RecordWriter, aw sink.AlarmWriter) {
		b := sink.NewBreakerWriter(name, rw, aw, cfg.Sinks.Breaker.MaxFailures, openFor, log)
		add(name, b, b)
	}

	if !printOnly {
		if g := cfg.Sinks.Greptime; g.Host != "" {
			gw, err := sink.NewGreptimeDBWriter(g.Host, g.Port, g.Database, g.Table, g.AlarmTable, log)
			if err != nil {
				return nil, err
			}
			guarded("greptime", gw, gw)
		}
		if in := cfg.Sinks.Influx; in.URL != "" {
			iw := sink.NewInfluxWriter(in.URL, in.Token, in.Org, in.Bucket, in.Measurement, log)
			guarded("influx", iw, iw)
		}
	}

	if stdout && (printOnly || len(names) == 0) {
		if color {
			cw := sink.NewColorStdoutWriter(cfg.Thresholds)
			add("stdout", cw, cw)
		} else {
			jw := sink.NewJSONStdoutWriter()
			add("stdout", jw, jw)
		}
	}

	if path := cfg.Sinks.LogFile; path != "" {
		fw, err := sink.NewFileWriter(path, sink.AlarmPath(path))
		if err != nil {
			sink.NewMultiWriter(rws, aws).Close()
			return nil, err
		}
		add("file", fw, fw)
	}

	w := &writers{Names: names, cleanup: func() {}}
	if len(names) == 0 {
		return w, nil
	}
	mw := sink.NewMultiWriter(rws, aws)
	w.Records, w.Alarms = mw, mw
	w.cleanup = func() {
		if err := mw.Close(); err != nil {
			log.Warn("closing sinks", "err", err)
		}
	}
	log.Info("sinks ready", "sinks", names)
	return w, nil
}
