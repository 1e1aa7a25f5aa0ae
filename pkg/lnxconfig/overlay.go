package lnxconfig

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"iptcp/pkg/logging"
)

// Overlay carries the settings the lnx format has no syntax for.
type Overlay struct {
	Logging LoggingConfig `yaml:"logging"`
	TCP     TCPConfig     `yaml:"tcp"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path. Empty logs to stderr only.
	File string `yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `yaml:"maxAge"`
}

// TCPConfig tunes the TCP engine. Zero values keep the engine defaults.
type TCPConfig struct {
	BufferSize int     `yaml:"bufferSize"`
	MSS        int     `yaml:"mss"`
	MaxRetries int     `yaml:"maxRetries"`
	RTTAlpha   float64 `yaml:"rttAlpha"`
	Protocol   uint8   `yaml:"protocol"`
}

// DefaultOverlay returns the overlay applied when no YAML file is given.
func DefaultOverlay() Overlay {
	return Overlay{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadOverlay merges a YAML overlay file into cfg.
func LoadOverlay(path string, cfg *IPConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read overlay")
	}
	if err := yaml.Unmarshal(data, &cfg.Overlay); err != nil {
		return errors.Wrap(err, "parse overlay")
	}
	if cfg.Overlay.TCP.RTTAlpha < 0 || cfg.Overlay.TCP.RTTAlpha >= 1 {
		return errors.Errorf("tcp.rttAlpha must be in [0, 1), got %v", cfg.Overlay.TCP.RTTAlpha)
	}
	return nil
}

// LoadFromEnv applies IPTCP_* environment overrides.
func LoadFromEnv(cfg *IPConfig) {
	if val := os.Getenv("IPTCP_LOG_LEVEL"); val != "" {
		cfg.Overlay.Logging.Level = val
	}
	if val := os.Getenv("IPTCP_LOG_FILE"); val != "" {
		cfg.Overlay.Logging.File = val
	}
	if val := os.Getenv("IPTCP_TCP_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Overlay.TCP.MaxRetries = n
		}
	}
}

// Load parses an lnx file and applies the optional overlay and the
// environment, in that order.
func Load(path, overlayPath string) (*IPConfig, error) {
	cfg, err := ParseConfig(path)
	if err != nil {
		return nil, err
	}
	if overlayPath != "" {
		if err := LoadOverlay(overlayPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "%s", overlayPath)
		}
	}
	LoadFromEnv(cfg)
	return cfg, nil
}

// Apply configures the process-wide logger.
func (c LoggingConfig) Apply() error {
	logging.SetLevel(logging.ParseLevel(c.Level))
	if c.File == "" {
		return nil
	}
	dir, file := filepath.Split(c.File)
	if dir == "" {
		dir = "."
	}
	return logging.EnableFileLogging(dir, file, c.MaxSize, c.MaxBackups, c.MaxAge, false)
}
