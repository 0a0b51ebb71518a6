// Package config loads the detlink daemon configuration.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/detlink/internal/letterbox"
	"github.com/banshee-data/detlink/internal/serialmux"
	"github.com/banshee-data/detlink/internal/telemetry"
)

// ExampleConfigPath is the checked-in example configuration.
const ExampleConfigPath = "config/detlink.example.json"

// Defaults for values omitted from the configuration file.
const (
	DefaultFrameWidth    = 720
	DefaultFrameHeight   = 480
	DefaultModelWidth    = 640
	DefaultModelHeight   = 640
	DefaultProbeMessage  = "UART success!"
	DefaultDebugListen   = "localhost:8090"
	DefaultStatsInterval = 30 * time.Second
)

// Config represents the daemon configuration. Pointer fields distinguish
// "unset" from zero; use the Get* methods to read them with defaults applied.
type Config struct {
	// Serial link
	SerialPort    *string `json:"serial_port,omitempty"`
	BaudRate      *int    `json:"baud_rate,omitempty"`
	DataBits      *int    `json:"data_bits,omitempty"`
	StopBits      *int    `json:"stop_bits,omitempty"`
	Parity        *string `json:"parity,omitempty"`
	DisableSerial *bool   `json:"disable_serial,omitempty"`
	ProbeMessage  *string `json:"probe_message,omitempty"` // empty string disables the probe

	// Frame identity
	SystemID    *int `json:"system_id,omitempty"`
	ComponentID *int `json:"component_id,omitempty"`

	// Geometry
	FrameWidth   *int  `json:"frame_width,omitempty"`
	FrameHeight  *int  `json:"frame_height,omitempty"`
	ModelWidth   *int  `json:"model_width,omitempty"`
	ModelHeight  *int  `json:"model_height,omitempty"`
	ClampToFrame *bool `json:"clamp_to_frame,omitempty"`

	// Journal and diagnostics
	JournalPath   *string `json:"journal_path,omitempty"`
	DebugListen   *string `json:"debug_listen,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "30s"
	DebugLogging  *bool   `json:"debug_logging,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	return &Config{
		SerialPort:    ptrString(serialmux.DefaultPortPath),
		BaudRate:      ptrInt(serialmux.DefaultBaudRate),
		DataBits:      ptrInt(8),
		StopBits:      ptrInt(1),
		Parity:        ptrString("N"),
		DisableSerial: ptrBool(false),
		ProbeMessage:  ptrString(DefaultProbeMessage),
		SystemID:      ptrInt(int(telemetry.DefaultSystemID)),
		ComponentID:   ptrInt(int(telemetry.DefaultComponentID)),
		FrameWidth:    ptrInt(DefaultFrameWidth),
		FrameHeight:   ptrInt(DefaultFrameHeight),
		ModelWidth:    ptrInt(DefaultModelWidth),
		ModelHeight:   ptrInt(DefaultModelHeight),
		ClampToFrame:  ptrBool(false),
		JournalPath:   ptrString(""),
		DebugListen:   ptrString(DefaultDebugListen),
		StatsInterval: ptrString(DefaultStatsInterval.String()),
		DebugLogging:  ptrBool(false),
	}
}

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to their defaults through the
// Get* methods, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if _, err := c.GetPortOptions().Normalise(); err != nil {
		return err
	}

	for name, v := range map[string]*int{"system_id": c.SystemID, "component_id": c.ComponentID} {
		if v != nil && (*v < 0 || *v > 255) {
			return fmt.Errorf("%s must be between 0 and 255, got %d", name, *v)
		}
	}

	dims := []struct {
		name string
		v    *int
	}{
		{"frame_width", c.FrameWidth},
		{"frame_height", c.FrameHeight},
		{"model_width", c.ModelWidth},
		{"model_height", c.ModelHeight},
	}
	for _, d := range dims {
		if d.v != nil && (*d.v < 1 || *d.v > math.MaxInt32) {
			return fmt.Errorf("%s must be between 1 and %d, got %d", d.name, math.MaxInt32, *d.v)
		}
	}

	if _, err := letterbox.Compute(c.GetGeometry()); err != nil {
		return err
	}

	if c.StatsInterval != nil && *c.StatsInterval != "" {
		d, err := time.ParseDuration(*c.StatsInterval)
		if err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
		if d < 0 {
			return fmt.Errorf("stats_interval must be non-negative, got %s", d)
		}
	}

	return nil
}

// GetSerialPort returns the serial device path or the default.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return serialmux.DefaultPortPath
	}
	return *c.SerialPort
}

// GetPortOptions returns the line settings. Unset fields are left zero so
// PortOptions.Normalise fills in 115200 8N1.
func (c *Config) GetPortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetDisableSerial reports whether frames should be discarded instead of
// written to a port.
func (c *Config) GetDisableSerial() bool {
	if c.DisableSerial == nil {
		return false
	}
	return *c.DisableSerial
}

// GetProbeMessage returns the line written once the port is open.
func (c *Config) GetProbeMessage() string {
	if c.ProbeMessage == nil {
		return DefaultProbeMessage
	}
	return *c.ProbeMessage
}

// GetSystemID returns the MAVLink system id.
func (c *Config) GetSystemID() uint8 {
	if c.SystemID == nil {
		return telemetry.DefaultSystemID
	}
	return uint8(*c.SystemID)
}

// GetComponentID returns the MAVLink component id.
func (c *Config) GetComponentID() uint8 {
	if c.ComponentID == nil {
		return telemetry.DefaultComponentID
	}
	return uint8(*c.ComponentID)
}

func intOr(v *int, def int) int32 {
	if v == nil {
		return int32(def)
	}
	return int32(*v)
}

// GetGeometry returns the default camera and model geometry. Per-frame
// records may override it.
func (c *Config) GetGeometry() letterbox.Geometry {
	return letterbox.Geometry{
		SourceWidth:  intOr(c.FrameWidth, DefaultFrameWidth),
		SourceHeight: intOr(c.FrameHeight, DefaultFrameHeight),
		DestWidth:    intOr(c.ModelWidth, DefaultModelWidth),
		DestHeight:   intOr(c.ModelHeight, DefaultModelHeight),
	}
}

// GetClampToFrame reports whether mapped boxes are clamped to the frame.
func (c *Config) GetClampToFrame() bool {
	if c.ClampToFrame == nil {
		return false
	}
	return *c.ClampToFrame
}

// GetJournalPath returns the sqlite journal path; empty disables journalling.
func (c *Config) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

// GetDebugListen returns the debug HTTP listen address; empty disables it.
func (c *Config) GetDebugListen() string {
	if c.DebugListen == nil {
		return DefaultDebugListen
	}
	return *c.DebugListen
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
// Zero disables periodic stats logging.
func (c *Config) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return DefaultStatsInterval
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil {
		return DefaultStatsInterval
	}
	return d
}

// GetDebugLogging reports whether per-detection debug lines are enabled.
func (c *Config) GetDebugLogging() bool {
	if c.DebugLogging == nil {
		return false
	}
	return *c.DebugLogging
}
