// Package config provides Viper-based configuration loading for the dungeon
// server and client.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the TCP acceptor and per-session settings.
type ServerConfig struct {
	// Host is the bind address for the game listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the game listener. 0 picks a free port.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-read timeout for client connections. 0 disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write timeout for client connections. 0 disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is the sustained inbound lines per second per session. 0 is unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateBurst is the inbound burst size when RateLimit is set.
	RateBurst int `mapstructure:"rate_burst"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GameConfig selects the dungeon map and game mode.
type GameConfig struct {
	// MapDir is the directory holding map YAML files.
	MapDir string `mapstructure:"map_dir"`
	// Map is the map identifier, the file name without extension.
	Map string `mapstructure:"map"`
	// Bot requests bot mode.
	Bot bool `mapstructure:"bot"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" metrics listen address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// HistoryConfig locates the finished game log. An empty Path disables it.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// ClientConfig holds the settings of the console client.
type ClientConfig struct {
	// Host is the server address to connect to.
	Host string `mapstructure:"host"`
	// Port is the server port to connect to.
	Port int `mapstructure:"port"`
	// Name is sent with HELLO on connect. Empty leaves naming to the server.
	Name string `mapstructure:"name"`
}

// Addr returns the "host:port" dial address.
func (c ClientConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Game    GameConfig    `mapstructure:"game"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Client  ClientConfig  `mapstructure:"client"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMetrics(c.Metrics); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", s.Port))
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must not be negative")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must not be negative")
	}
	if s.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("server.rate_limit must be >= 0, got %g", s.RateLimit))
	}
	if s.RateLimit > 0 && s.RateBurst < 1 {
		errs = append(errs, fmt.Sprintf("server.rate_burst must be >= 1 when rate_limit is set, got %d", s.RateBurst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.MapDir == "" {
		errs = append(errs, "game.map_dir must not be empty")
	}
	if g.Map == "" {
		errs = append(errs, "game.map must not be empty")
	}
	if strings.ContainsAny(g.Map, `/\`) {
		errs = append(errs, fmt.Sprintf("game.map must be a bare identifier, got %q", g.Map))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	if !m.Enabled {
		return nil
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("metrics.port must be 1-65535, got %d", m.Port)
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.Host == "" {
		errs = append(errs, "client.host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("client.port must be 1-65535, got %d", c.Port))
	}
	if strings.Contains(c.Name, ":") {
		errs = append(errs, "client.name must not contain ':'")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and
// environment overrides only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with DUNGEON_ prefix
	v.SetEnvPrefix("DUNGEON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when no file or environment
// override is present.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// DefaultPort is the game port shared by server and client.
const DefaultPort = 59652

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.read_timeout", "0s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("game.map_dir", "content/maps")
	v.SetDefault("game.map", "defaultMap")
	v.SetDefault("game.bot", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9464)

	v.SetDefault("history.path", "")

	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", DefaultPort)
	v.SetDefault("client.name", "")
}
