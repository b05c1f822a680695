package logger

import (
	"io"
	"os"
	"strings"
)

// Config holds logger configuration.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // output destination, overrides stdout/file selection
	ServiceName string    // service name for log tagging

	// File enables rotated file output when Path is set.
	File FileConfig
}

// FileConfig configures rotated file output.
type FileConfig struct {
	Path       string
	Only       bool // write only to the file, not stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stdout,
		ServiceName: "caseboard",
		File: FileConfig{
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

func (c *Config) textFormat() bool {
	return strings.EqualFold(c.Format, "text")
}
