package bridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the tunables flagged in the design. The reconnect interval
// is a fixed wait, not a backoff base.
const (
	DefaultReconnectInterval = 3 * time.Second
	DefaultMaxLineBytes      = 4 << 20
	DefaultMaxEventBytes     = 4 << 20
)

// Config carries the bridge tunables that can come from a YAML file. The
// SSE URL is deliberately absent: it is the sole invocation parameter of
// the process, not configuration.
type Config struct {
	// ReconnectInterval is the fixed wait between SSE reconnect attempts.
	ReconnectInterval Duration `yaml:"reconnect_interval"`
	// MaxLineBytes caps the length of a single local message.
	MaxLineBytes int `yaml:"max_line_bytes"`
	// MaxEventBytes caps the size of a single SSE event.
	MaxEventBytes int `yaml:"max_event_bytes"`
	// SuppressMethods lists extra notification method patterns to drop,
	// on top of the built-in suppressed set.
	SuppressMethods []string `yaml:"suppress_methods"`
	// LogLevel selects the diagnostic log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: Duration(DefaultReconnectInterval),
		MaxLineBytes:      DefaultMaxLineBytes,
		MaxEventBytes:     DefaultMaxEventBytes,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Options translates the configuration into bridge options.
func (c Config) Options() []Option {
	return []Option{
		WithReconnectInterval(time.Duration(c.ReconnectInterval)),
		WithMaxLineBytes(c.MaxLineBytes),
		WithMaxEventBytes(c.MaxEventBytes),
		WithSuppressedMethods(c.SuppressMethods...),
	}
}

// Duration wraps time.Duration so YAML files can use forms like "3s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}
