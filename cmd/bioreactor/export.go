package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"bioreactor-monitor/internal/sink"
	"bioreactor-monitor/internal/telemetry"
)

var (
	exportInput  string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Convert a JSONL telemetry log to CSV",
	Long:  "export writes the records of a JSONL log in the monitor's CSV export format.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(exportInput, exportOutput, cmd.OutOrStdout())
	},
}

type collector struct{ rows []telemetry.Record }

func (c *collector) Write(r telemetry.Record) error {
	c.rows = append(c.rows, r)
	return nil
}

// runExport converts the JSONL log at in to CSV at out. An output of "-"
// writes to stdout.
func runExport(in, out string, stdout io.Writer) error {
	var c collector
	if err := sink.ReplayLogFile(context.Background(), in, &c, 0); err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	if out == "-" {
		return telemetry.WriteCSV(stdout, c.rows)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := telemetry.WriteCSV(f, c.rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	exportCmd.Flags().StringVar(&exportInput, "input", "", "Path to JSONL telemetry log")
	exportCmd.Flags().StringVar(&exportOutput, "output", telemetry.DefaultCSVName, `CSV output path ("-" for STDOUT)`)
	exportCmd.MarkFlagRequired("input")
}
