package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"bioreactor-monitor/internal/admin"
	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/metrics"
	"bioreactor-monitor/internal/session"
	"bioreactor-monitor/internal/tui"
)

var (
	monConfigPath string
	monSchemaPath string
	monPrintOnly  bool
	monLogFile    string
	monProcessLog string
	monURL        string
	monDemo       bool
	monConnect    bool
	monExcursion  bool
	monNoTUI      bool
	monAddr       string
	monExportPath string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor and control the bioreactor",
	Long:  "monitor connects to the bioreactor, shows live readings in a terminal console and serves the HTTP control surface. Demo mode simulates readings while no device is connected.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(monConfigPath, monSchemaPath)
		if err != nil {
			return err
		}
		if monURL != "" {
			cfg.Device.URL = monURL
		}
		if cmd.Flags().Changed("demo") {
			cfg.DemoMode = monDemo
		}
		if cmd.Flags().Changed("connect") {
			cfg.Device.AutoConnect = monConnect
		}
		if cmd.Flags().Changed("excursion") {
			cfg.Simulator.Excursion = monExcursion
		}
		if monAddr != "" {
			cfg.Admin.Addr = monAddr
		}
		if monLogFile != "" {
			cfg.Sinks.LogFile = monLogFile
		}
		if monProcessLog != "" {
			cfg.Log.File = monProcessLog
		}

		isTTY := term.IsTerminal(int(os.Stdout.Fd()))
		useTUI := !monNoTUI && isTTY

		var logOut io.Writer = os.Stdout
		if useTUI {
			logOut = io.Discard
		}
		logger, closeLog, err := newLogger(cfg.Log, logOut)
		if err != nil {
			return err
		}
		defer closeLog()

		m := metrics.New()
		w, err := newWriters(cfg, monPrintOnly, !useTUI, isTTY, m, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		sess := session.New(cfg, session.Options{
			Logger:  logger,
			Metrics: m,
			Records: w.Records,
			Alarms:  w.Alarms,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := admin.NewServer(sess, m, logger)
		go func() {
			if err := srv.Start(ctx, cfg.Admin.Addr); err != nil {
				logger.Error("admin server failed", "err", err)
			}
		}()

		sess.Start(ctx)

		var console *tui.Console
		if useTUI {
			console = tui.New(sess, tui.Options{ExportPath: monExportPath})
		}

		<-ctx.Done()
		if console != nil {
			console.Close()
		}
		sess.Shutdown()
		logger.Info("bioreactor monitor stopped")
		return nil
	},
}

func init() {
	f := monitorCmd.Flags()
	f.StringVar(&monConfigPath, "config", "", "Path to monitor configuration YAML (built-in defaults when empty)")
	f.StringVar(&monSchemaPath, "schema", "", "Path to CUE schema file (built-in schema when empty)")
	f.BoolVar(&monPrintOnly, "print-only", false, "Print records to STDOUT instead of writing to time-series databases")
	f.StringVar(&monLogFile, "log-file", "", "Path to export records (JSONL); alarms go to <path>.alarms")
	f.StringVar(&monProcessLog, "process-log", "", "Path for process logs (overrides config)")
	f.StringVar(&monURL, "url", "", "Device WebSocket URL (overrides config)")
	f.BoolVar(&monDemo, "demo", true, "Simulate readings while no device is connected")
	f.BoolVar(&monConnect, "connect", false, "Connect to the device on startup")
	f.BoolVar(&monExcursion, "excursion", false, "Let simulated readings drift out of range")
	f.BoolVar(&monNoTUI, "no-tui", false, "Disable the terminal console even on a TTY")
	f.StringVar(&monAddr, "addr", "", "Admin HTTP listen address (overrides config)")
	f.StringVar(&monExportPath, "export-path", "bioreactor_data.csv", "CSV path written by the console export key")
}
