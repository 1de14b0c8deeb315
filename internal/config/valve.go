package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/vici/internal/serialmux"
	"github.com/banshee-data/vici/internal/valve"
)

// ValveConfig is the JSON file describing one valve connection. Every field
// is optional; command line flags override whatever the file sets.
//
//	{
//	  "port": "/dev/ttyUSB0",
//	  "valve_type": "Vici low pressure multiport",
//	  "baud": 9600,
//	  "read_timeout": "500ms",
//	  "port_labels": {"sample": 3, "waste": 6},
//	  "serial": {"parity": "N"},
//	  "listen": ":8080",
//	  "db": "vici.db"
//	}
type ValveConfig struct {
	Port        *string        `json:"port,omitempty"`
	ValveType   *string        `json:"valve_type,omitempty"`
	Baud        *int           `json:"baud,omitempty"`
	ReadTimeout *string        `json:"read_timeout,omitempty"` // duration string like "500ms"
	PortLabels  map[string]int `json:"port_labels,omitempty"`

	// Serial line settings. A top-level baud overrides serial.baud_rate.
	Serial *serialmux.PortOptions `json:"serial,omitempty"`

	// Server mode
	Listen   *string `json:"listen,omitempty"`
	Database *string `json:"db,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// maxFileSize bounds the config files LoadValveConfig accepts.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoadValveConfig loads a ValveConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadValveConfig(path string) (*ValveConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ValveConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ValveConfig) Validate() error {
	if c.ValveType != nil {
		if _, err := valve.ParseModel(*c.ValveType); err != nil {
			return err
		}
	}

	if c.Baud != nil && *c.Baud < 0 {
		return fmt.Errorf("baud must be non-negative, got %d", *c.Baud)
	}

	if c.ReadTimeout != nil && *c.ReadTimeout != "" {
		d, err := time.ParseDuration(*c.ReadTimeout)
		if err != nil {
			return fmt.Errorf("invalid read_timeout '%s': %w", *c.ReadTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("read_timeout must be positive, got %s", d)
		}
	}

	if c.PortLabels != nil {
		if _, err := valve.NewLabels(c.PortLabels); err != nil {
			return err
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial settings: %w", err)
		}
	}
	if _, err := c.GetPortOptions().Normalize(); err != nil {
		return fmt.Errorf("invalid serial settings: %w", err)
	}
	return nil
}

// GetPort returns the serial device path, or "" if unset.
func (c *ValveConfig) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

// GetModel returns the valve model or the low pressure multiport default.
func (c *ValveConfig) GetModel() valve.Model {
	if c.ValveType == nil {
		return valve.LowPressureMultiport
	}
	m, err := valve.ParseModel(*c.ValveType)
	if err != nil {
		return valve.LowPressureMultiport
	}
	return m
}

// GetBaud returns the baud rate tried first: baud, then serial.baud_rate,
// then the default.
func (c *ValveConfig) GetBaud() int {
	if c.Baud != nil && *c.Baud != 0 {
		return *c.Baud
	}
	if c.Serial != nil && c.Serial.BaudRate > 0 {
		return c.Serial.BaudRate
	}
	return valve.DefaultBaud
}

// GetReadTimeout parses and returns the ReadTimeout as a time.Duration.
func (c *ValveConfig) GetReadTimeout() time.Duration {
	if c.ReadTimeout == nil || *c.ReadTimeout == "" {
		return valve.DefaultReadTimeout
	}
	d, err := time.ParseDuration(*c.ReadTimeout)
	if err != nil || d <= 0 {
		return valve.DefaultReadTimeout
	}
	return d
}

// GetPortOptions returns the serial line settings with the configured baud.
func (c *ValveConfig) GetPortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	return opts.WithBaudRate(c.GetBaud())
}

// GetListen returns the HTTP listen address, or "" when server mode is off.
func (c *ValveConfig) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}

// GetDatabase returns the journal database path, or "" when journaling is off.
func (c *ValveConfig) GetDatabase() string {
	if c.Database == nil {
		return ""
	}
	return *c.Database
}

// DriverConfig converts the file into the driver's configuration.
func (c *ValveConfig) DriverConfig() valve.Config {
	var labels map[string]int
	if c.PortLabels != nil {
		labels = make(map[string]int, len(c.PortLabels))
		for k, v := range c.PortLabels {
			labels[k] = v
		}
	}
	return valve.Config{
		Port:        c.GetPort(),
		Model:       c.GetModel(),
		Baud:        c.GetBaud(),
		Labels:      labels,
		ReadTimeout: c.GetReadTimeout(),
	}
}

// The setters apply command line flags on top of a loaded file.

func (c *ValveConfig) SetPort(port string) { c.Port = ptrString(port) }

func (c *ValveConfig) SetValveType(name string) { c.ValveType = ptrString(name) }

func (c *ValveConfig) SetBaud(baud int) { c.Baud = ptrInt(baud) }

func (c *ValveConfig) SetListen(addr string) { c.Listen = ptrString(addr) }

func (c *ValveConfig) SetDatabase(path string) { c.Database = ptrString(path) }

func (c *ValveConfig) SetPortLabels(labels map[string]int) { c.PortLabels = labels }

func (c *ValveConfig) SetReadTimeout(d time.Duration) { c.ReadTimeout = ptrString(d.String()) }
