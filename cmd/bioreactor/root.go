package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "bioreactor",
	Short: "Bioreactor telemetry monitor",
	Long:  "bioreactor monitors and controls a lab bioreactor over WebSocket or MQTT, with a demo simulator when no device is reachable.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(grafanaCmd)
}

// newLogger builds the process logger. A configured log file wins over out.
func newLogger(lc config.LogConfig, out io.Writer) (*slog.Logger, func(), error) {
	cleanup := func() {}
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		cleanup = func() { f.Close() }
	}
	l := logging.New(logging.Options{Level: lc.Level, Format: lc.Format, Output: out})
	slog.SetDefault(l)
	return l, cleanup, nil
}
