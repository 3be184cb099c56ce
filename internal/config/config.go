// Package config provides Viper-based configuration loading for the draw server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP/websocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP/websocket listener.
	Port int `mapstructure:"port"`
	// WSPath is the HTTP path that upgrades to a websocket session.
	WSPath string `mapstructure:"ws_path"`
	// AllowedOrigins lists browser origins accepted for CORS and websocket upgrades.
	// An empty list or a "*" entry accepts every origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// Mode is the gin mode: "debug" or "release".
	Mode string `mapstructure:"mode"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig holds per-connection transport settings.
type SessionConfig struct {
	// HeartbeatInterval is the period between liveness probes.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// WriteTimeout bounds a single websocket frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadLimit is the maximum inbound message size in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
	// InboundRate is the sustained number of inbound messages per second a session may send
	// before it is closed as abusive. Zero disables the limit.
	InboundRate float64 `mapstructure:"inbound_rate"`
	// InboundBurst is the inbound message burst size per session.
	InboundBurst int `mapstructure:"inbound_burst"`
}

// RoomConfig holds game rules shared by every room.
type RoomConfig struct {
	// RoundDuration is the length of one guessing round.
	RoundDuration time.Duration `mapstructure:"round_duration"`
	// CorrectGuessPoints is the score awarded for a correct guess.
	CorrectGuessPoints int `mapstructure:"correct_guess_points"`
	// Retention is how long a room may stay inactive before it is reclaimed.
	Retention time.Duration `mapstructure:"retention"`
	// DefaultWord is used by start_round envelopes that carry no word.
	DefaultWord string `mapstructure:"default_word"`
}

// TwitchConfig holds the chat relay connection settings and bot secrets.
type TwitchConfig struct {
	// Host is the chat relay hostname.
	Host string `mapstructure:"host"`
	// Port is the chat relay TCP port.
	Port int `mapstructure:"port"`
	// OAuth is the bot password token ("oauth:..."). Sourced from TWITCH_OAUTH first.
	OAuth string `mapstructure:"oauth"`
	// Nick is the bot login. Sourced from TWITCH_NICK first.
	Nick string `mapstructure:"nick"`
	// Channel is the channel the bot joins at startup. Sourced from TWITCH_CHANNEL first.
	Channel string `mapstructure:"channel"`
	// DialTimeout bounds the TCP connect to the relay.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// WriteTimeout bounds a single line write to the relay.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendRate is the number of lines allowed per SendPeriod.
	SendRate int `mapstructure:"send_rate"`
	// SendPeriod is the window SendRate applies to.
	SendPeriod time.Duration `mapstructure:"send_period"`
}

// Addr returns the "host:port" relay address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TwitchConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// HasCredentials reports whether a startup bot can be spawned.
func (t TwitchConfig) HasCredentials() bool {
	return t.OAuth != "" && t.Nick != "" && t.Channel != ""
}

// RPCConfig holds the gRPC health listener settings.
type RPCConfig struct {
	// Enabled toggles the gRPC listener.
	Enabled bool `mapstructure:"enabled"`
	// Host is the bind address for the gRPC listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the gRPC listener.
	Port int `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (r RPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Room    RoomConfig    `mapstructure:"room"`
	Twitch  TwitchConfig  `mapstructure:"twitch"`
	RPC     RPCConfig     `mapstructure:"rpc"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRoom(c.Room); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTwitch(c.Twitch); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRPC(c.RPC); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
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
	if !strings.HasPrefix(s.WSPath, "/") {
		errs = append(errs, fmt.Sprintf("server.ws_path must start with '/', got %q", s.WSPath))
	}
	validModes := map[string]bool{"debug": true, "release": true}
	if !validModes[s.Mode] {
		errs = append(errs, fmt.Sprintf("server.mode must be one of [debug, release], got %q", s.Mode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeat_interval must be positive")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "session.write_timeout must not be negative")
	}
	if s.ReadLimit < 0 {
		errs = append(errs, "session.read_limit must not be negative")
	}
	if s.InboundRate < 0 {
		errs = append(errs, "session.inbound_rate must not be negative")
	}
	if s.InboundRate > 0 && s.InboundBurst < 1 {
		errs = append(errs, fmt.Sprintf("session.inbound_burst must be >= 1 when inbound_rate is set, got %d", s.InboundBurst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRoom(r RoomConfig) error {
	var errs []string
	if r.RoundDuration < time.Second {
		errs = append(errs, fmt.Sprintf("room.round_duration must be at least 1s, got %s", r.RoundDuration))
	}
	if r.CorrectGuessPoints < 0 {
		errs = append(errs, fmt.Sprintf("room.correct_guess_points must be >= 0, got %d", r.CorrectGuessPoints))
	}
	if r.Retention <= 0 {
		errs = append(errs, "room.retention must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTwitch(t TwitchConfig) error {
	var errs []string
	if t.Host == "" {
		errs = append(errs, "twitch.host must not be empty")
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("twitch.port must be 1-65535, got %d", t.Port))
	}
	if t.SendRate < 1 {
		errs = append(errs, fmt.Sprintf("twitch.send_rate must be >= 1, got %d", t.SendRate))
	}
	if t.SendPeriod <= 0 {
		errs = append(errs, "twitch.send_period must be positive")
	}
	if t.DialTimeout < 0 {
		errs = append(errs, "twitch.dial_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRPC(r RPCConfig) error {
	if !r.Enabled {
		return nil
	}
	if r.Host == "" {
		return errors.New("rpc.host must not be empty")
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("rpc.port must be 0-65535, got %d", r.Port)
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

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. A missing file is not an error: defaults and
// the environment still apply. An empty path skips the file entirely.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("reading config file: %w", err)
			}
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

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with GUESSIO_ prefix
	v.SetEnvPrefix("GUESSIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bot secrets keep their well-known names and win over the file.
	_ = v.BindEnv("twitch.oauth", "TWITCH_OAUTH", "GUESSIO_TWITCH_OAUTH")
	_ = v.BindEnv("twitch.nick", "TWITCH_NICK", "GUESSIO_TWITCH_NICK")
	_ = v.BindEnv("twitch.channel", "TWITCH_CHANNEL", "GUESSIO_TWITCH_CHANNEL")

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9001)
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.mode", "release")

	v.SetDefault("session.heartbeat_interval", "30s")
	v.SetDefault("session.write_timeout", "10s")
	v.SetDefault("session.read_limit", 1<<20)
	v.SetDefault("session.inbound_rate", 0.0)
	v.SetDefault("session.inbound_burst", 0)

	v.SetDefault("room.round_duration", "60s")
	v.SetDefault("room.correct_guess_points", 100)
	v.SetDefault("room.retention", "1h")
	v.SetDefault("room.default_word", "apple")

	v.SetDefault("twitch.host", "irc.chat.twitch.tv")
	v.SetDefault("twitch.port", 6667)
	v.SetDefault("twitch.oauth", "")
	v.SetDefault("twitch.nick", "")
	v.SetDefault("twitch.channel", "")
	v.SetDefault("twitch.dial_timeout", "10s")
	v.SetDefault("twitch.write_timeout", "10s")
	v.SetDefault("twitch.send_rate", 20)
	v.SetDefault("twitch.send_period", "30s")

	v.SetDefault("rpc.enabled", true)
	v.SetDefault("rpc.host", "0.0.0.0")
	v.SetDefault("rpc.port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
