// Package config loads diver configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config controls one embedded diver.
type Config struct {
	// ListenAddr is the loopback address the protocol listener binds.
	ListenAddr string `yaml:"listen_addr"`
	// PinCapacity is the pin table slot count.
	PinCapacity int `yaml:"pin_capacity"`
	// DispatchTimeout bounds one reverse-channel delivery attempt.
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	// JournalDir enables the sqlite trace journal when non-empty.
	JournalDir string `yaml:"journal_dir"`
	// MuteRulesDir enables directory-based delivery mute rules when
	// non-empty.
	MuteRulesDir string `yaml:"mute_rules_dir"`
	// MaxCaptureBytes caps one snapshot capture pass.
	MaxCaptureBytes uint64 `yaml:"max_capture_bytes"`
	// CallbackRate / CallbackBurst bound deliveries per endpoint.
	CallbackRate  float64 `yaml:"callback_rate"`
	CallbackBurst int     `yaml:"callback_burst"`
}

// Default returns the built-in configuration: loopback listener, 16K pin
// slots, 5s dispatch timeout, journaling and mute rules off.
func Default() Config {
	return Config{
		ListenAddr:      "127.0.0.1:9977",
		PinCapacity:     16384,
		DispatchTimeout: Duration(5 * time.Second),
		MaxCaptureBytes: 256 << 20,
		CallbackRate:    500,
		CallbackBurst:   1000,
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %v", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PinCapacity <= 0 {
		return fmt.Errorf("pin_capacity must be positive, got %d", c.PinCapacity)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch_timeout must be positive, got %v", c.DispatchTimeout.Std())
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}
