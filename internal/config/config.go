// YAML config loader with CUE validation integration
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bioreactor-monitor/internal/history"
	"bioreactor-monitor/internal/safety"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

const (
	DefaultURL              = "ws://192.168.4.1:81/"
	DefaultSampleIntervalMS = 1000
	DefaultChartWindowMin   = 30
	DefaultMiniChartPoints  = 60
	DefaultAdminAddr        = ":8080"
	DefaultGreptimePort     = 4001
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TelemetryTopic string `yaml:"telemetry_topic"`
	CommandTopic   string `yaml:"command_topic"`
	QoS            int    `yaml:"qos"`
}

// DeviceConfig describes how to reach the bioreactor.
type DeviceConfig struct {
	Transport          string     `yaml:"transport"`
	URL                string     `yaml:"url"`
	AutoConnect        bool       `yaml:"auto_connect"`
	ReconnectInitialMS int        `yaml:"reconnect_initial_ms"`
	ReconnectMaxMS     int        `yaml:"reconnect_max_ms"`
	MQTT               MQTTConfig `yaml:"mqtt"`
}

// HistoryConfig sizes the in-memory history and chart windows.
type HistoryConfig struct {
	Capacity           int `yaml:"capacity"`
	ChartWindowMinutes int `yaml:"chart_window_minutes"`
	MiniChartPoints    int `yaml:"mini_chart_points"`
}

// SimulatorConfig tunes demo mode.
type SimulatorConfig struct {
	Excursion bool `yaml:"excursion"`
}

// AdminConfig configures the HTTP control surface.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// GreptimeConfig enables the GreptimeDB sink when Host is set.
type GreptimeConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Database   string `yaml:"database"`
	Table      string `yaml:"table"`
	AlarmTable string `yaml:"alarm_table"`
}

// InfluxConfig enables the InfluxDB sink when URL is set.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// BreakerConfig guards remote sinks.
type BreakerConfig struct {
	MaxFailures   int `yaml:"max_failures"`
	OpenTimeoutMS int `yaml:"open_timeout_ms"`
}

// SinksConfig selects record and alarm writers.
type SinksConfig struct {
	LogFile  string         `yaml:"log_file"`
	Greptime GreptimeConfig `yaml:"greptime"`
	Influx   InfluxConfig   `yaml:"influx"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Config is the root configuration.
type Config struct {
	DemoMode         bool                `yaml:"demo_mode"`
	SampleIntervalMS int                 `yaml:"sample_interval_ms"`
	Device           DeviceConfig        `yaml:"device"`
	Thresholds       safety.ThresholdSet `yaml:"thresholds"`
	SetpointLimits   safety.Limits       `yaml:"setpoint_limits"`
	History          HistoryConfig       `yaml:"history"`
	Simulator        SimulatorConfig     `yaml:"simulator"`
	Admin            AdminConfig         `yaml:"admin"`
	Sinks            SinksConfig         `yaml:"sinks"`
	Log              LogConfig           `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DemoMode:         true,
		SampleIntervalMS: DefaultSampleIntervalMS,
		Device: DeviceConfig{
			Transport:          TransportWebSocket,
			URL:                DefaultURL,
			ReconnectInitialMS: 1000,
			ReconnectMaxMS:     30000,
			MQTT: MQTTConfig{
				ClientID:       "bioreactor-monitor",
				TelemetryTopic: "bioreactor/telemetry",
				CommandTopic:   "bioreactor/commands",
			},
		},
		Thresholds:     safety.DefaultThresholds(),
		SetpointLimits: safety.DefaultLimits(),
		History: HistoryConfig{
			Capacity:           history.DefaultCapacity,
			ChartWindowMinutes: DefaultChartWindowMin,
			MiniChartPoints:    DefaultMiniChartPoints,
		},
		Admin: AdminConfig{Addr: DefaultAdminAddr},
		Sinks: SinksConfig{
			Greptime: GreptimeConfig{Port: DefaultGreptimePort, Database: "public", Table: "bioreactor_telemetry", AlarmTable: "bioreactor_alarms"},
			Influx:   InfluxConfig{Measurement: "bioreactor"},
			Breaker:  BreakerConfig{MaxFailures: 5, OpenTimeoutMS: 30000},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configPath, validates it against the CUE schema and overlays it
// on Default. An empty configPath yields the defaults. Environment overrides
// are applied last.
func Load(configPath, cueSchemaPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Validate with CUE first
		if err := ValidateWithCue(data, cueSchemaPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot unmarshal YAML config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BIOREACTOR_URL"); v != "" {
		c.Device.URL = v
	}
	if v := os.Getenv("BIOREACTOR_DEMO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BIOREACTOR_DEMO: %w", err)
		}
		c.DemoMode = b
	}
	if v := os.Getenv("SAMPLE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SAMPLE_INTERVAL: %w", err)
		}
		c.SampleIntervalMS = int(d.Milliseconds())
	}
	if v := os.Getenv("GREPTIMEDB_ENDPOINT"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			c.Sinks.Greptime.Host = v
		} else {
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid GREPTIMEDB_ENDPOINT port: %w", err)
			}
			c.Sinks.Greptime.Host = host
			c.Sinks.Greptime.Port = p
		}
	}
	if v := os.Getenv("GREPTIMEDB_DATABASE"); v != "" {
		c.Sinks.Greptime.Database = v
	}
	if v := os.Getenv("GREPTIMEDB_TABLE"); v != "" {
		c.Sinks.Greptime.Table = v
	}
	if v := os.Getenv("INFLUX_URL"); v != "" {
		c.Sinks.Influx.URL = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		c.Sinks.Influx.Token = v
	}
	if v := os.Getenv("INFLUX_ORG"); v != "" {
		c.Sinks.Influx.Org = v
	}
	if v := os.Getenv("INFLUX_BUCKET"); v != "" {
		c.Sinks.Influx.Bucket = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.SampleIntervalMS <= 0 {
		c.SampleIntervalMS = d.SampleIntervalMS
	}
	if c.Device.Transport == "" {
		c.Device.Transport = d.Device.Transport
	}
	if c.Device.ReconnectInitialMS <= 0 {
		c.Device.ReconnectInitialMS = d.Device.ReconnectInitialMS
	}
	if c.Device.ReconnectMaxMS <= 0 {
		c.Device.ReconnectMaxMS = d.Device.ReconnectMaxMS
	}
	if c.Thresholds == nil {
		c.Thresholds = d.Thresholds
	}
	if c.History.Capacity <= 0 {
		c.History.Capacity = d.History.Capacity
	}
	if c.History.ChartWindowMinutes <= 0 {
		c.History.ChartWindowMinutes = d.History.ChartWindowMinutes
	}
	if c.History.MiniChartPoints <= 0 {
		c.History.MiniChartPoints = d.History.MiniChartPoints
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = d.Admin.Addr
	}
	if c.Sinks.Greptime.Port <= 0 {
		c.Sinks.Greptime.Port = d.Sinks.Greptime.Port
	}
	if c.Sinks.Breaker.MaxFailures <= 0 {
		c.Sinks.Breaker.MaxFailures = d.Sinks.Breaker.MaxFailures
	}
	if c.Sinks.Breaker.OpenTimeoutMS <= 0 {
		c.Sinks.Breaker.OpenTimeoutMS = d.Sinks.Breaker.OpenTimeoutMS
	}
}

func (c *Config) validate() error {
	var problems []string
	switch c.Device.Transport {
	case TransportWebSocket:
	case TransportMQTT:
		if c.Device.MQTT.Broker == "" {
			problems = append(problems, "device.mqtt.broker is required for the mqtt transport")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", c.Device.Transport))
	}
	for ch, b := range c.Thresholds {
		if !b.LowerOnly && b.Min > b.Max {
			problems = append(problems, fmt.Sprintf("thresholds.%s: min %v > max %v", ch, b.Min, b.Max))
		}
	}
	if c.Device.ReconnectMaxMS < c.Device.ReconnectInitialMS {
		problems = append(problems, "device.reconnect_max_ms must be >= reconnect_initial_ms")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SampleInterval returns the simulator tick interval.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMS) * time.Millisecond
}

// ChartWindow returns the main chart time window.
func (c *Config) ChartWindow() time.Duration {
	return time.Duration(c.History.ChartWindowMinutes) * time.Minute
}

// ReconnectInitial returns the first reconnect delay.
func (d DeviceConfig) ReconnectInitial() time.Duration {
	return time.Duration(d.ReconnectInitialMS) * time.Millisecond
}

// ReconnectMax returns the reconnect delay ceiling.
func (d DeviceConfig) ReconnectMax() time.Duration {
	return time.Duration(d.ReconnectMaxMS) * time.Millisecond
}
