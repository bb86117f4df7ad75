// Package config loads the relay configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doingharm/gamepad-relay/logger"
	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/state"
)

// Capture modes. Only one producer is the source of truth at a time.
const (
	ModeDirect    = "direct"
	ModeExtension = "extension"
)

const envPrefix = "GAMEPAD_RELAY_"

type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	DatabasePath string          `yaml:"database_path"`
	NatsURL      string          `yaml:"nats_url"`
	Capture      CaptureConfig   `yaml:"capture"`
	Extension    ExtensionConfig `yaml:"extension"`
	Realtime     RealtimeConfig  `yaml:"realtime"`
	Auth         AuthConfig      `yaml:"auth"`
	Logging      logger.Config   `yaml:"logging"`
}

type CaptureConfig struct {
	Mode        string        `yaml:"mode"`
	PollHz      int           `yaml:"poll_hz"`
	FrameHz     int           `yaml:"frame_hz"`
	Deadzone    float64       `yaml:"deadzone"`
	Debounce    time.Duration `yaml:"debounce"`
	AxisEpsilon float64       `yaml:"axis_epsilon"`
	Debug       bool          `yaml:"debug"`
}

type ExtensionConfig struct {
	ID               string        `yaml:"id"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	ReadyAttempts    int           `yaml:"ready_attempts"`
	ReadyBackoff     time.Duration `yaml:"ready_backoff"`
}

type RealtimeConfig struct {
	// Username, when set, publishes direct-mode captures to gamepad:<username>.
	Username      string        `yaml:"username"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeCooldown time.Duration `yaml:"probe_cooldown"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
}

type AuthConfig struct {
	// Tokens maps bearer tokens to opaque user ids.
	Tokens map[string]string `yaml:"tokens"`
}

// Default returns a configuration with every field populated.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		DatabasePath: "gamepad-relay.db",
		NatsURL:      "nats://127.0.0.1:4222",
		Capture: CaptureConfig{
			Mode:        ModeDirect,
			PollHz:      120,
			FrameHz:     120,
			Deadzone:    state.DefaultDeadzone,
			Debounce:    state.DefaultDebounce,
			AxisEpsilon: state.DefaultAxisEpsilon,
		},
		Extension: ExtensionConfig{
			ID:               "gamepad-relay-extension",
			AllowedOrigins:   []string{"https://gamepad.doingharm.dev", "http://localhost:3000"},
			WatchdogInterval: 20 * time.Second,
			ReadyAttempts:    3,
			ReadyBackoff:     100 * time.Millisecond,
		},
		Realtime: RealtimeConfig{
			ProbeTimeout:  3 * time.Second,
			ProbeCooldown: 60 * time.Second,
			SendTimeout:   time.Second,
		},
		Logging: logger.DefaultConfig(),
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read file '%s': %w", path, err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envPrefix + "LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envPrefix + "DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv(envPrefix + "NATS_URL"); v != "" {
		c.NatsURL = v
	}
	if v := os.Getenv(envPrefix + "USERNAME"); v != "" {
		c.Realtime.Username = v
	}
	if v := os.Getenv(envPrefix + "CAPTURE_MODE"); v != "" {
		c.Capture.Mode = v
	}
	if v := os.Getenv(envPrefix + "DEADZONE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sDEADZONE: %w", envPrefix, err)
		}
		c.Capture.Deadzone = f
	}
	if v := os.Getenv(envPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.Extension.AllowedOrigins = strings.Split(v, ",")
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Capture.Mode != ModeDirect && c.Capture.Mode != ModeExtension {
		errs = append(errs, fmt.Errorf("capture.mode must be %q or %q", ModeDirect, ModeExtension))
	}
	if c.Capture.PollHz <= 0 || c.Capture.FrameHz <= 0 {
		errs = append(errs, errors.New("capture.poll_hz and capture.frame_hz must be positive"))
	}
	if c.Capture.Deadzone < 0 || c.Capture.Deadzone >= 1 {
		errs = append(errs, errors.New("capture.deadzone must be in [0,1)"))
	}
	if c.Capture.Debounce < 0 || c.Capture.AxisEpsilon < 0 {
		errs = append(errs, errors.New("capture.debounce and capture.axis_epsilon must not be negative"))
	}
	if c.Extension.WatchdogInterval <= 0 {
		errs = append(errs, errors.New("extension.watchdog_interval must be positive"))
	}
	if c.Extension.ReadyAttempts <= 0 {
		errs = append(errs, errors.New("extension.ready_attempts must be positive"))
	}
	if c.Realtime.Username != "" {
		if err := protocol.ValidateUsername(c.Realtime.Username); err != nil {
			errs = append(errs, fmt.Errorf("realtime.username: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Detector returns the change detection thresholds.
func (c CaptureConfig) Detector() state.DetectorConfig {
	return state.DetectorConfig{
		Deadzone:    c.Deadzone,
		Debounce:    c.Debounce,
		AxisEpsilon: c.AxisEpsilon,
	}
}

// PollInterval is the minimum spacing between two capture samples.
func (c CaptureConfig) PollInterval() time.Duration {
	return time.Second / time.Duration(c.PollHz)
}

// FrameInterval is the period of the frame clock that drives the poller.
func (c CaptureConfig) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameHz)
}
