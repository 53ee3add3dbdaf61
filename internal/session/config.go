package session

import (
	"fmt"
	"strings"
	"time"

	"firestige.xyz/flowcap/internal/backend"
	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/flow"
)

const (
	MinBufferSize     = 64 << 20
	MaxBufferSize     = 2 << 30
	DefaultBufferSize = MinBufferSize

	MinSnapLen     = 64
	MaxSnapLen     = 65535
	DefaultSnapLen = 2048

	DefaultScanInterval = time.Second
	DefaultIdleTimeout  = 30 * time.Second
)

// Config is the capture configuration. It is immutable once a session is
// created.
type Config struct {
	Interface       string `mapstructure:"interface" yaml:"interface"`
	Backend         string `mapstructure:"backend" yaml:"backend"`
	BufferSizeBytes int    `mapstructure:"buffer_size_bytes" yaml:"buffer_size_bytes"`
	SnapLen         int    `mapstructure:"snap_len" yaml:"snap_len"`
	TimestampSource string `mapstructure:"timestamp_source" yaml:"timestamp_source"`
	Filter          string `mapstructure:"filter" yaml:"filter"`
	Promiscuous     bool   `mapstructure:"promiscuous" yaml:"promiscuous"`
	HugePages       bool   `mapstructure:"huge_pages" yaml:"huge_pages"`

	// BackendOptions are keyed by backend name.
	BackendOptions map[string]any `mapstructure:"backend_options" yaml:"backend_options,omitempty"`

	// DriverImages are verified against TrustAnchor before the named
	// backend is opened.
	DriverImages map[string]DriverImage `mapstructure:"driver_images" yaml:"driver_images,omitempty"`
	TrustAnchor  string                 `mapstructure:"trust_anchor" yaml:"trust_anchor,omitempty"`
}

// DriverImage is a signed driver or firmware blob.
type DriverImage struct {
	Image     string `mapstructure:"image" yaml:"image"`
	Signature string `mapstructure:"signature" yaml:"signature"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("capture interface is required: %w", core.ErrConfigInvalid)
	}

	switch c.Backend {
	case "":
		c.Backend = backend.Auto
	case backend.Auto, backend.NameDPDK, backend.NameXDP, backend.NamePFRing,
		backend.NameAFPacket, backend.NameLibpcap:
	default:
		return fmt.Errorf("capture backend %q: %w", c.Backend, core.ErrConfigInvalid)
	}
	if strings.HasPrefix(c.Interface, backend.FilePrefix) &&
		c.Backend != backend.Auto && c.Backend != backend.NameLibpcap {
		return fmt.Errorf("capture file replay needs the libpcap backend, not %s: %w",
			c.Backend, core.ErrConfigInvalid)
	}

	if c.BufferSizeBytes == 0 {
		c.BufferSizeBytes = DefaultBufferSize
	}
	if c.BufferSizeBytes < MinBufferSize || c.BufferSizeBytes > MaxBufferSize {
		return fmt.Errorf("buffer size %d not in [%d, %d]: %w",
			c.BufferSizeBytes, MinBufferSize, MaxBufferSize, core.ErrConfigInvalid)
	}

	if c.SnapLen == 0 {
		c.SnapLen = DefaultSnapLen
	}
	if c.SnapLen < MinSnapLen || c.SnapLen > MaxSnapLen {
		return fmt.Errorf("snap length %d not in [%d, %d]: %w",
			c.SnapLen, MinSnapLen, MaxSnapLen, core.ErrConfigInvalid)
	}

	for name, img := range c.DriverImages {
		if img.Image == "" || img.Signature == "" {
			return fmt.Errorf("driver image for %s needs image and signature: %w", name, core.ErrConfigInvalid)
		}
	}
	return nil
}

// FlowConfig enables flow metering.
type FlowConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	TableSize          int           `mapstructure:"table_size" yaml:"table_size"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ExportInterval     time.Duration `mapstructure:"export_interval" yaml:"export_interval"`
	TrackBidirectional bool          `mapstructure:"track_bidirectional" yaml:"track_bidirectional"`
	CloseGrace         time.Duration `mapstructure:"close_grace" yaml:"close_grace"`
	ScanInterval       time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
}

// Validate checks the configuration and fills defaults.
func (c *FlowConfig) Validate() error {
	if c.TableSize == 0 {
		c.TableSize = 1 << 16
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = flow.DefaultCloseGrace
	}
	tc := c.table()
	return tc.Validate()
}

func (c FlowConfig) table() flow.Config {
	return flow.Config{
		TableSize:     c.TableSize,
		IdleTimeout:   c.IdleTimeout,
		CloseGrace:    c.CloseGrace,
		Bidirectional: c.TrackBidirectional,
	}
}

// CryptoConfig enables slot encryption. The cipher suite is fixed to
// AES-256-GCM.
type CryptoConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	KeyHandle string `mapstructure:"key_handle" yaml:"key_handle"`
}
