package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mil-ad/carlinkd/internal/ignition"
	"github.com/mil-ad/carlinkd/internal/protocol"
)

// envConfig is read from the process environment.
type envConfig struct {
	Socket       string        `env:"CARLINKD_SOCKET"`
	Settings     string        `env:"CARLINKD_SETTINGS"`
	DriverPath   string        `env:"CARLINKD_DRIVER" envDefault:"carlink-driver"`
	DriverArgs   []string      `env:"CARLINKD_DRIVER_ARGS" envSeparator:" "`
	Surface      string        `env:"CARLINKD_SURFACE"`
	AudioOut     string        `env:"CARLINKD_AUDIO_OUT" envDefault:"default"`
	AudioIn      string        `env:"CARLINKD_AUDIO_IN" envDefault:"default"`
	LogLevel     string        `env:"CARLINKD_LOG_LEVEL" envDefault:"info"`
	RetryDelay   time.Duration `env:"CARLINKD_RETRY_DELAY" envDefault:"30s"`
	OTelEndpoint string        `env:"CARLINKD_OTEL_ENDPOINT"`
	OTelEnabled  bool          `env:"CARLINKD_OTEL_ENABLED" envDefault:"true"`
}

func parseEnv() (envConfig, error) {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func runtimeDir() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return dir
}

func (c envConfig) socketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	return filepath.Join(runtimeDir(), "carlinkd.sock")
}

func (c envConfig) settingsPath() string {
	if c.Settings != "" {
		return c.Settings
	}
	return configPath()
}

func (c envConfig) surfacePath() string {
	if c.Surface != "" {
		return c.Surface
	}
	return filepath.Join(runtimeDir(), "carlinkd.h264")
}

func (c envConfig) logLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func configPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "carlinkd", "settings.json")
}

// Settings is the persisted user configuration. Fields missing from the file
// keep their defaults.
type Settings struct {
	FPS           int               `json:"fps"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	MediaDelay    int               `json:"mediaDelay"`    // ms
	AutoShutdown  bool              `json:"autoShutdown"`
	ShutdownDelay int               `json:"shutdownDelay"` // seconds
	DismissPeriod int               `json:"dismissPeriod"` // minutes
	KeyBindings   map[string]string `json:"keyBindings"`   // key command -> local key code
}

func defaultSettings() Settings {
	return Settings{
		FPS:           60,
		Width:         800,
		Height:        460,
		MediaDelay:    300,
		AutoShutdown:  true,
		ShutdownDelay: 10,
		DismissPeriod: 5,
		KeyBindings: map[string]string{
			"left":       "ArrowLeft",
			"right":      "ArrowRight",
			"selectDown": "Space",
			"back":       "Backspace",
			"down":       "ArrowDown",
			"home":       "KeyH",
			"play":       "KeyP",
			"pause":      "KeyS",
			"next":       "KeyN",
			"prev":       "KeyV",
		},
	}
}

// loadSettings reads path. A missing file yields the defaults.
func loadSettings(path string) (Settings, error) {
	s := defaultSettings()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return s, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

func (s Settings) validate() error {
	var errs []error
	if s.FPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be positive, got %d", s.FPS))
	}
	if s.Width <= 0 || s.Height <= 0 {
		errs = append(errs, fmt.Errorf("resolution must be positive, got %dx%d", s.Width, s.Height))
	}
	if s.MediaDelay < 0 || s.ShutdownDelay < 0 || s.DismissPeriod < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	for cmd := range s.KeyBindings {
		if _, err := protocol.ParseKey(cmd); err != nil {
			errs = append(errs, fmt.Errorf("key binding: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s Settings) protocolConfig() protocol.Config {
	return protocol.Config{
		FPS:        s.FPS,
		Width:      s.Width,
		Height:     s.Height,
		MediaDelay: time.Duration(s.MediaDelay) * time.Millisecond,
	}
}

func (s Settings) ignitionConfig() ignition.Config {
	return ignition.Config{
		AutoShutdown:  s.AutoShutdown,
		ShutdownDelay: time.Duration(s.ShutdownDelay) * time.Second,
		DismissPeriod: time.Duration(s.DismissPeriod) * time.Minute,
	}
}

// resolveKey maps a local key code through the bindings, or takes a key
// command name as is.
func (s Settings) resolveKey(name string) (protocol.Key, error) {
	for cmd, code := range s.KeyBindings {
		if strings.EqualFold(code, name) {
			return protocol.ParseKey(cmd)
		}
	}
	return protocol.ParseKey(name)
}
