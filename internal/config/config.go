package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/evalforge/evalforge/internal/batch"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig    `toml:"general"`
	Limits    LimitsConfig     `toml:"limits"`
	Invoker   InvokerConfig    `toml:"invoker"`
	Hub       HubConfig        `toml:"hub"`
	Logging   LoggingConfig    `toml:"logging"`
	Web       WebConfig        `toml:"web"`
	Schedules []batch.Schedule `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
}

// LimitsConfig holds the admission-control knobs. This section is
// hot-reloadable.
type LimitsConfig struct {
	SubmissionsPerWindow int `toml:"submissions_per_window"`
	WindowMinutes        int `toml:"window_minutes"`
	MaxRunningPerUser    int `toml:"max_running_per_user"`
	MaxRunningGlobal     int `toml:"max_running_global"`
	RecentJobs           int `toml:"recent_jobs"`
}

// InvokerConfig holds model gateway settings
type InvokerConfig struct {
	Endpoint        string `toml:"endpoint"`
	AuthHeader      string `toml:"auth_header"`
	AuthValue       string `toml:"auth_value"`
	TimeoutSecs     int    `toml:"timeout_secs"`
	MaxPerTarget    int    `toml:"max_per_target"`
	RetryInitialMs  int    `toml:"retry_initial_ms"`
	RetryMaxElapsed int    `toml:"retry_max_elapsed_secs"`
}

// HubConfig holds heartbeat settings for the progress channel
type HubConfig struct {
	PingIntervalSecs int `toml:"ping_interval_secs"`
	MissedPongLimit  int `toml:"missed_pong_limit"`
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// WebConfig holds HTTP server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".evalforge", "evalforge.db"),
		},
		Limits: LimitsConfig{
			SubmissionsPerWindow: 20,
			WindowMinutes:        60,
			MaxRunningPerUser:    3,
			MaxRunningGlobal:     32,
			RecentJobs:           10,
		},
		Invoker: InvokerConfig{
			TimeoutSecs:     120,
			MaxPerTarget:    4,
			RetryInitialMs:  500,
			RetryMaxElapsed: 45,
		},
		Hub: HubConfig{
			PingIntervalSecs: 15,
			MissedPongLimit:  3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "evalforge", "config.toml")
}
