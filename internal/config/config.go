// Package config handles daemon configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/export"
	"firestige.xyz/flowcap/internal/session"
)

// GlobalConfig is the daemon configuration. Maps to the `flowcap:` root key
// in YAML.
type GlobalConfig struct {
	Capture session.Config       `mapstructure:"capture" yaml:"capture"`
	Flow    session.FlowConfig   `mapstructure:"flow" yaml:"flow"`
	Netflow NetflowConfig        `mapstructure:"netflow" yaml:"netflow"`
	Crypto  session.CryptoConfig `mapstructure:"crypto" yaml:"crypto"`
	Metrics MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig            `mapstructure:"log" yaml:"log"`
	Control ControlConfig        `mapstructure:"control" yaml:"control"`
}

// NetflowConfig enables flow export.
type NetflowConfig struct {
	Enabled       bool `mapstructure:"enabled" yaml:"enabled"`
	export.Config `mapstructure:",squash" yaml:",inline"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket" yaml:"socket"`
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool       `mapstructure:"enabled" yaml:"enabled"`
	Listen  string     `mapstructure:"listen" yaml:"listen"`
	Path    string     `mapstructure:"path" yaml:"path"`
	OTLP    OTLPConfig `mapstructure:"otlp" yaml:"otlp"`
}

// OTLPConfig pushes the same counters to an OpenTelemetry collector.
type OTLPConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"` // host:port of the gRPC receiver
	Insecure bool          `mapstructure:"insecure" yaml:"insecure"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `flowcap: ...`.
type configRoot struct {
	Flowcap GlobalConfig `mapstructure:"flowcap"`
}

// Load loads configuration from file.
// Env vars override file values: key "flowcap.capture.interface" maps to
// FLOWCAP_CAPTURE_INTERFACE.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Flowcap

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "flowcap." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Capture defaults
	v.SetDefault("flowcap.capture.interface", "")
	v.SetDefault("flowcap.capture.backend", "auto")
	v.SetDefault("flowcap.capture.buffer_size_bytes", session.DefaultBufferSize)
	v.SetDefault("flowcap.capture.snap_len", session.DefaultSnapLen)
	v.SetDefault("flowcap.capture.timestamp_source", "monotonic")
	v.SetDefault("flowcap.capture.filter", "")
	v.SetDefault("flowcap.capture.promiscuous", true)

	// Flow defaults
	v.SetDefault("flowcap.flow.enabled", false)
	v.SetDefault("flowcap.flow.table_size", 1<<16)
	v.SetDefault("flowcap.flow.idle_timeout", "30s")
	v.SetDefault("flowcap.flow.export_interval", "1s")
	v.SetDefault("flowcap.flow.track_bidirectional", false)
	v.SetDefault("flowcap.flow.close_grace", "5s")
	v.SetDefault("flowcap.flow.scan_interval", "1s")

	// Export defaults
	v.SetDefault("flowcap.netflow.enabled", false)
	v.SetDefault("flowcap.netflow.collector", "")
	v.SetDefault("flowcap.netflow.format", string(export.FormatNetflow9))
	v.SetDefault("flowcap.netflow.profile", string(export.ProfileDual))
	v.SetDefault("flowcap.netflow.max_datagram_bytes", export.DefaultMaxDatagramBytes)
	v.SetDefault("flowcap.netflow.queue_capacity", export.DefaultQueueCapacity)
	v.SetDefault("flowcap.netflow.kafka.enabled", false)
	v.SetDefault("flowcap.netflow.kafka.compression", "snappy")

	// Crypto defaults
	v.SetDefault("flowcap.crypto.enabled", false)
	v.SetDefault("flowcap.crypto.key_handle", "")

	// Control defaults
	v.SetDefault("flowcap.control.pid_file", "/var/run/flowcap.pid")
	v.SetDefault("flowcap.control.socket", "/var/run/flowcap.sock")

	// Log defaults
	v.SetDefault("flowcap.log.level", "info")
	v.SetDefault("flowcap.log.format", "json")
	v.SetDefault("flowcap.log.outputs.file.enabled", false)
	v.SetDefault("flowcap.log.outputs.file.path", "/var/log/flowcap/flowcap.log")
	v.SetDefault("flowcap.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("flowcap.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("flowcap.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("flowcap.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("flowcap.metrics.enabled", true)
	v.SetDefault("flowcap.metrics.listen", ":9091")
	v.SetDefault("flowcap.metrics.path", "/metrics")
	v.SetDefault("flowcap.metrics.otlp.enabled", false)
	v.SetDefault("flowcap.metrics.otlp.insecure", false)
	v.SetDefault("flowcap.metrics.otlp.interval", "15s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled: %w", core.ErrConfigInvalid)
	}

	// ── Capture ──
	if err := cfg.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	// ── Flow & export ──
	if cfg.Flow.Enabled {
		if err := cfg.Flow.Validate(); err != nil {
			return fmt.Errorf("flow: %w", err)
		}
	}
	if cfg.Netflow.Enabled {
		if !cfg.Flow.Enabled {
			return fmt.Errorf("netflow.enabled requires flow.enabled: %w", core.ErrFlowDisabled)
		}
		if cfg.Netflow.Interval <= 0 {
			cfg.Netflow.Interval = cfg.Flow.ExportInterval
		}
		if err := cfg.Netflow.Validate(); err != nil {
			return fmt.Errorf("netflow: %w", err)
		}
	}

	// ── Crypto ──
	if cfg.Crypto.Enabled && cfg.Crypto.KeyHandle == "" {
		return fmt.Errorf("crypto.key_handle is required when crypto.enabled=true: %w", core.ErrConfigInvalid)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen %q: %w", cfg.Metrics.Listen, core.ErrConfigInvalid)
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/': %w", core.ErrConfigInvalid)
		}
	}
	if cfg.Metrics.OTLP.Enabled {
		if cfg.Metrics.OTLP.Endpoint == "" {
			return fmt.Errorf("metrics.otlp.endpoint is required when otlp is enabled: %w", core.ErrConfigInvalid)
		}
		if cfg.Metrics.OTLP.Interval <= 0 {
			cfg.Metrics.OTLP.Interval = 15 * time.Second
		}
	}

	// ── Control ──
	if cfg.Control.Socket == "" {
		return fmt.Errorf("control.socket is required: %w", core.ErrConfigInvalid)
	}
	return nil
}
