package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/sink"
	"bioreactor-monitor/internal/telemetry"
)

var (
	replayInput      string
	replaySpeed      float64
	replayPrintOnly  bool
	replayConfigPath string
	replaySchemaPath string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded telemetry log",
	Long:  "replay feeds records from a JSONL log back through threshold evaluation into the configured sinks or STDOUT.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return fmt.Errorf("input file required")
		}
		cfg, err := config.Load(replayConfigPath, replaySchemaPath)
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer closeLog()

		w, err := newWriters(cfg, replayPrintOnly, true, false, nil, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := newPipeline(cfg, w.Records, w.Alarms)
		if err := sink.ReplayLogFile(ctx, replayInput, p, replaySpeed); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("replay finished", "records", p.records, "alarms", p.alarmCount)
		return nil
	},
}

// pipeline projects replayed records the way a live session does, so the
// sinks see the same alarms.
type pipeline struct {
	proj       *projector.Projector
	out        sink.RecordWriter
	alarms     sink.AlarmWriter
	records    int
	alarmCount int
}

func newPipeline(cfg *config.Config, out sink.RecordWriter, alarms sink.AlarmWriter) *pipeline {
	return &pipeline{proj: projector.New(cfg.Thresholds, cfg.History.Capacity), out: out, alarms: alarms}
}

func (p *pipeline) Write(r telemetry.Record) error {
	res := p.proj.Apply(r)
	p.records++
	var errs []error
	if p.out != nil {
		errs = append(errs, p.out.Write(r))
	}
	for _, a := range res.Alarms {
		a.ID = uuid.NewString()
		p.alarmCount++
		if p.alarms != nil {
			errs = append(errs, p.alarms.WriteAlarm(a))
		}
	}
	return errors.Join(errs...)
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to JSONL telemetry log")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "Playback speed multiplier (0 replays without delay)")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print records to STDOUT instead of writing to time-series databases")
	replayCmd.Flags().StringVar(&replayConfigPath, "config", "", "Path to monitor configuration YAML")
	replayCmd.Flags().StringVar(&replaySchemaPath, "schema", "", "Path to CUE schema file")
	replayCmd.MarkFlagRequired("input")
}
