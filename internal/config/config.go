package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ServiceAddress     string
	UnaryTimeout       time.Duration
	PollInterval       time.Duration
	DisconnectFailures int
	ProgressGrace      time.Duration
	ProgressPulse      time.Duration
	FreeRuleLimit      int
	DBPath             string
	Log                LogConfig
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func DefaultConfig() Config {
	return Config{
		ServiceAddress:     "unix://" + defaultSocketPath(),
		UnaryTimeout:       30 * time.Second,
		PollInterval:       2500 * time.Millisecond,
		DisconnectFailures: 3,
		ProgressGrace:      225 * time.Millisecond,
		ProgressPulse:      100 * time.Millisecond,
		FreeRuleLimit:      2,
		DBPath:             filepath.Join(stateDir(), "settings.db"),
		Log: LogConfig{
			Level:      "info",
			File:       filepath.Join(stateDir(), "tunnelctl.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// fileConfig mirrors the TOML layout. Pointer fields distinguish
// "absent" from zero so absent keys keep their defaults.
type fileConfig struct {
	Service struct {
		Address      *string   `toml:"address"`
		UnaryTimeout *duration `toml:"unary_timeout"`
	} `toml:"service"`
	Poll struct {
		Interval           *duration `toml:"interval"`
		DisconnectFailures *int      `toml:"disconnect_failures"`
	} `toml:"poll"`
	Progress struct {
		Grace *duration `toml:"grace"`
		Pulse *duration `toml:"pulse"`
	} `toml:"progress"`
	License struct {
		FreeRules *int `toml:"free_rules"`
	} `toml:"license"`
	DB struct {
		Path *string `toml:"path"`
	} `toml:"db"`
	Log struct {
		Level      *string `toml:"level"`
		File       *string `toml:"file"`
		MaxSizeMB  *int    `toml:"max_size_mb"`
		MaxBackups *int    `toml:"max_backups"`
		MaxAgeDays *int    `toml:"max_age_days"`
	} `toml:"log"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load overlays the TOML file at path onto DefaultConfig. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	fc.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) {
	setString(&cfg.ServiceAddress, fc.Service.Address)
	setDuration(&cfg.UnaryTimeout, fc.Service.UnaryTimeout)
	setDuration(&cfg.PollInterval, fc.Poll.Interval)
	setInt(&cfg.DisconnectFailures, fc.Poll.DisconnectFailures)
	setDuration(&cfg.ProgressGrace, fc.Progress.Grace)
	setDuration(&cfg.ProgressPulse, fc.Progress.Pulse)
	setInt(&cfg.FreeRuleLimit, fc.License.FreeRules)
	setString(&cfg.DBPath, fc.DB.Path)
	setString(&cfg.Log.Level, fc.Log.Level)
	setString(&cfg.Log.File, fc.Log.File)
	setInt(&cfg.Log.MaxSizeMB, fc.Log.MaxSizeMB)
	setInt(&cfg.Log.MaxBackups, fc.Log.MaxBackups)
	setInt(&cfg.Log.MaxAgeDays, fc.Log.MaxAgeDays)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceAddress) == "" {
		return fmt.Errorf("service.address is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.DisconnectFailures < 1 {
		return fmt.Errorf("poll.disconnect_failures must be at least 1")
	}
	if c.ProgressPulse <= 0 {
		return fmt.Errorf("progress.pulse must be positive")
	}
	return nil
}

// DefaultPath is where the CLI looks for config.toml.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunnelctl", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "tunnelctl", "config.toml")
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *duration) {
	if v != nil {
		*dst = v.Duration
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "tunnelctl", "service.sock")
	}
	return filepath.Join(stateDir(), "service.sock")
}

func stateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunnelctl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tunnelctl"
	}
	return filepath.Join(home, ".local", "state", "tunnelctl")
}
