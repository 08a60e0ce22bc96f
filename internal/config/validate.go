package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break the ring geometry are clamped to safe
// defaults. Other validation errors are logged as warnings but do not prevent
// startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.ChannelName == "" {
		errs = append(errs, fmt.Errorf("channel_name must not be empty, using default"))
		c.ChannelName = Default().ChannelName
	}

	// The ring sacrifices one slot to distinguish full from empty, so fewer
	// than two slots cannot hold any frame at all.
	if c.SlotCount < 2 {
		errs = append(errs, fmt.Errorf("slot_count %d is below minimum 2, clamping", c.SlotCount))
		c.SlotCount = 2
	} else if c.SlotCount > 64 {
		errs = append(errs, fmt.Errorf("slot_count %d exceeds maximum 64, clamping", c.SlotCount))
		c.SlotCount = 64
	}

	if c.SlotDataBytes < 4096 {
		errs = append(errs, fmt.Errorf("slot_data_bytes %d is below minimum 4096, clamping", c.SlotDataBytes))
		c.SlotDataBytes = 4096
	} else if c.SlotDataBytes > 64*1024*1024 {
		errs = append(errs, fmt.Errorf("slot_data_bytes %d exceeds maximum 64MiB, clamping", c.SlotDataBytes))
		c.SlotDataBytes = 64 * 1024 * 1024
	}

	if c.CaptureFPS < 1 {
		errs = append(errs, fmt.Errorf("capture_fps %d is below minimum 1, clamping", c.CaptureFPS))
		c.CaptureFPS = 1
	} else if c.CaptureFPS > 240 {
		errs = append(errs, fmt.Errorf("capture_fps %d exceeds maximum 240, clamping", c.CaptureFPS))
		c.CaptureFPS = 240
	}

	if c.DisplayIndex < 0 {
		errs = append(errs, fmt.Errorf("display_index %d is negative, clamping to 0", c.DisplayIndex))
		c.DisplayIndex = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
