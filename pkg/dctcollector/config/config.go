// Package config provides YAML configuration loading for the DCT Collector.
//
// The collector takes no positional arguments; everything comes from a single
// YAML file whose location is taken from the environment (or a -config flag
// override in the binary):
//
//	DCT_COLLECTOR_CONFIG_PATH → /etc/dctcollector/config.yml (default)
//
// A missing file is not an error — the collector runs on documented defaults
// so that a bare `dctcollector` works out of the box on port 5000.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BimaAbf/DCT-Protocol/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Paths
// ─────────────────────────────────────────────────────────────────────────────

// DefaultPath is the fallback configuration file location.
const DefaultPath = "/etc/dctcollector/config.yml"

// PathFromEnv returns the configuration file path from
// DCT_COLLECTOR_CONFIG_PATH, falling back to DefaultPath.
func PathFromEnv() string {
	if v := os.Getenv("DCT_COLLECTOR_CONFIG_PATH"); v != "" {
		return v
	}
	return DefaultPath
}

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the parsed collector configuration. Zero-value fields fall back
// to documented defaults via withDefaults at load time.
type Config struct {
	// Host is the bind address (default "0.0.0.0").
	Host string `yaml:"host"`

	// Port is the UDP listen port (default 5000).
	Port uint16 `yaml:"port"`

	// ProtocolVersion must be 1; any other value is a fatal configuration
	// error (the codec speaks exactly version 1).
	ProtocolVersion uint8 `yaml:"protocol_version"`

	// MaxPacketSize is the receive buffer and encoder upper bound
	// (default 2048).
	MaxPacketSize int `yaml:"max_packet_size"`

	// LogDirectory is where the observation log sink writes
	// (default "./logs").
	LogDirectory string `yaml:"log_directory"`

	// BufferSize is the capacity of each inter-stage channel
	// (default 10000).
	BufferSize int `yaml:"buffer_size"`

	// MessageCodes remaps wire codes per message type, keyed by canonical
	// kind name (e.g. "KEYFRAME: 0x4"). Unlisted kinds keep their default
	// code.
	MessageCodes map[string]uint8 `yaml:"message_codes"`

	// LogMaxBytes rotates the active observation log after this many bytes.
	// Zero disables rotation.
	LogMaxBytes int64 `yaml:"log_max_bytes"`

	// LogMaxBackups is the number of rotated observation logs to keep.
	// Zero keeps all.
	LogMaxBackups int `yaml:"log_max_backups"`
}

func (c *Config) withDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5000
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = 2048
	}
	if c.LogDirectory == "" {
		c.LogDirectory = "./logs"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10_000
	}
}

// ListenAddr formats the bind address for the receiver.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KindCodes converts the name-keyed MessageCodes map into the Kind-keyed
// form the codec takes. Unknown kind names are a configuration error.
func (c *Config) KindCodes() (map[models.Kind]uint8, error) {
	if len(c.MessageCodes) == 0 {
		return nil, nil
	}
	out := make(map[models.Kind]uint8, len(c.MessageCodes))
	for name, code := range c.MessageCodes {
		kind, ok := models.KindByName(name)
		if !ok {
			return nil, fmt.Errorf("config: unknown message type %q", name)
		}
		out[kind] = code
	}
	return out, nil
}

// validate rejects configurations the collector cannot run with.
func (c *Config) validate() error {
	if c.ProtocolVersion != 1 {
		return fmt.Errorf("config: protocol_version %d unsupported (this collector speaks version 1)",
			c.ProtocolVersion)
	}
	for name, code := range c.MessageCodes {
		if code > 0xF {
			return fmt.Errorf("config: message code 0x%X for %q exceeds the type nibble", code, name)
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────────────────

// Load reads the YAML file at path and returns the resolved configuration.
// A missing file yields pure defaults; a present but unparsable or invalid
// file is an error (fatal at startup, per the error taxonomy).
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Info("config: no file found — using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		logger.Info("config: loaded", "path", path)
	}

	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
