// Package config provides YAML-based configuration loading for the
// measurement gateway daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the service instance
	AppName string `mapstructure:"app_name"`

	// Mode selects the device backend: "real" or "mock"
	Mode string `mapstructure:"mode"`

	// Listen is the TCP address the client gateway binds
	Listen string `mapstructure:"listen"`

	// Instrument holds the reflectometer connection settings
	Instrument InstrumentConfig `mapstructure:"instrument"`

	// Switch holds the optical switch serial settings
	Switch SwitchConfig `mapstructure:"switch"`

	// Measure holds measurement defaults applied when a task omits them
	Measure MeasureConfig `mapstructure:"measure"`

	// Results controls retention of finished task results
	Results ResultsConfig `mapstructure:"results"`

	// Queue bounds the pending task backlog; 0 means unbounded
	Queue QueueConfig `mapstructure:"queue"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// InstrumentConfig addresses the reflectometer unit.
type InstrumentConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMS    int    `mapstructure:"read_timeout_ms"`
	DeviceID         string `mapstructure:"device_id"`
	SerialNumber     string `mapstructure:"serial_number"`
}

// SwitchConfig addresses the optical switch on its serial line.
type SwitchConfig struct {
	Device    string `mapstructure:"device"`
	Baud      int    `mapstructure:"baud"`
	Index     int    `mapstructure:"index"`
	Input     int    `mapstructure:"input"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// MeasureConfig carries measurement defaults.
type MeasureConfig struct {
	DefaultZeroLengthM float64 `mapstructure:"default_zero_length_m"`
	ScanRange          string  `mapstructure:"scan_range"`
	GainCode           int     `mapstructure:"gain_code"`
}

// ResultsConfig controls the result store.
type ResultsConfig struct {
	RetentionMin     int `mapstructure:"retention_min"`
	SweepIntervalMin int `mapstructure:"sweep_interval_min"`
}

// QueueConfig bounds the task queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Retention reports the result retention as a duration.
func (r ResultsConfig) Retention() time.Duration {
	return time.Duration(r.RetentionMin) * time.Minute
}

// SweepInterval reports the expiry sweep period as a duration.
func (r ResultsConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMin) * time.Minute
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "ofdrgated",
		Mode:    "real",
		Listen:  ":9300",
		Instrument: InstrumentConfig{
			Host:             "192.168.1.100",
			Port:             5000,
			ConnectTimeoutMS: 5000,
			ReadTimeoutMS:    5000,
			DeviceID:         "1",
			SerialNumber:     "FLA-0000",
		},
		Switch: SwitchConfig{
			Device:    "/dev/ttyUSB0",
			Baud:      9600,
			Index:     1,
			Input:     1,
			TimeoutMS: 1000,
		},
		Measure: MeasureConfig{
			DefaultZeroLengthM: 150,
			ScanRange:          "FULL",
			GainCode:           1,
		},
		Results: ResultsConfig{RetentionMin: 10, SweepIntervalMin: 10},
		Queue:   QueueConfig{Capacity: 0},
		Metrics: MetricsConfig{Enable: false, Listen: ":9301"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/ofdrgated.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix OFDRGATE and `.`/`-` are replaced
// with `_`. Example: OFDRGATE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OFDRGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("instrument.host", cfg.Instrument.Host)
	v.SetDefault("instrument.port", cfg.Instrument.Port)
	v.SetDefault("instrument.connect_timeout_ms", cfg.Instrument.ConnectTimeoutMS)
	v.SetDefault("instrument.read_timeout_ms", cfg.Instrument.ReadTimeoutMS)
	v.SetDefault("instrument.device_id", cfg.Instrument.DeviceID)
	v.SetDefault("instrument.serial_number", cfg.Instrument.SerialNumber)
	v.SetDefault("switch.device", cfg.Switch.Device)
	v.SetDefault("switch.baud", cfg.Switch.Baud)
	v.SetDefault("switch.index", cfg.Switch.Index)
	v.SetDefault("switch.input", cfg.Switch.Input)
	v.SetDefault("switch.timeout_ms", cfg.Switch.TimeoutMS)
	v.SetDefault("measure.default_zero_length_m", cfg.Measure.DefaultZeroLengthM)
	v.SetDefault("measure.scan_range", cfg.Measure.ScanRange)
	v.SetDefault("measure.gain_code", cfg.Measure.GainCode)
	v.SetDefault("results.retention_min", cfg.Results.RetentionMin)
	v.SetDefault("results.sweep_interval_min", cfg.Results.SweepIntervalMin)
	v.SetDefault("queue.capacity", cfg.Queue.Capacity)
	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("OFDRGATE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `ofdrgate`
		v.SetConfigName("ofdrgate")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ofdrgate"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	switch mode {
	case "real", "mock":
		c.Mode = mode
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}

	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen address must not be empty")
	}
	if c.Mode == "real" {
		if strings.TrimSpace(c.Instrument.Host) == "" {
			return errors.New("instrument.host must not be empty")
		}
		if c.Instrument.Port <= 0 || c.Instrument.Port > 65535 {
			return fmt.Errorf("invalid instrument.port: %d", c.Instrument.Port)
		}
		if strings.TrimSpace(c.Switch.Device) == "" {
			return errors.New("switch.device must not be empty")
		}
	}
	if c.Results.RetentionMin <= 0 {
		c.Results.RetentionMin = 10
	}
	if c.Results.SweepIntervalMin <= 0 {
		c.Results.SweepIntervalMin = c.Results.RetentionMin
	}
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("invalid queue.capacity: %d", c.Queue.Capacity)
	}

	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
