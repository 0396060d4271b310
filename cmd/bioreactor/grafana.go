package main

import (
	"github.com/spf13/cobra"

	"bioreactor-monitor/internal/config"
	"bioreactor-monitor/internal/dashboard"
)

var (
	grafanaOut        string
	grafanaConfigPath string
	grafanaSchemaPath string
)

var grafanaCmd = &cobra.Command{
	Use:   "grafana",
	Short: "Render Grafana dashboards for the GreptimeDB tables",
	Long:  "grafana renders dashboard JSON for the configured GreptimeDB tables. GREPTIMEDB_DATASOURCE_UID must be set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(grafanaConfigPath, grafanaSchemaPath)
		if err != nil {
			return err
		}
		g := cfg.Sinks.Greptime
		return dashboard.Render(grafanaOut, dashboard.NewData(g.Table, g.AlarmTable, cfg.Thresholds))
	},
}

func init() {
	grafanaCmd.Flags().StringVar(&grafanaOut, "out", "build", "Output directory")
	grafanaCmd.Flags().StringVar(&grafanaConfigPath, "config", "", "Path to monitor configuration YAML")
	grafanaCmd.Flags().StringVar(&grafanaSchemaPath, "schema", "", "Path to CUE schema file")
}
