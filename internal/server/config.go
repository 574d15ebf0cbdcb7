// Package server provides configuration helpers that define runtime defaults,
// validation, and file and environment loading for the chat server.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A zero Burst disables limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server settings.
type Config struct {
	// ListenAddr is the TCP address for framed chat clients.
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr serves health, metrics, and the WebSocket gateway. Empty
	// disables the HTTP surface.
	HTTPAddr string `yaml:"http_addr"`

	// Capacity is the maximum number of simultaneous connections.
	Capacity int `yaml:"capacity"`
	// CommandPrefix marks a message as a command.
	CommandPrefix Prefix `yaml:"command_prefix"`
	// Timeout is how long a connection may stay silent before it is reaped.
	Timeout time.Duration `yaml:"timeout"`

	// PollInterval is the pause between a supervisor's read attempts.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DispatchInterval is how long the main loop waits for a new connection
	// before running a reap and dispatch pass.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MessageBuffer is the capacity of the central message channel.
	MessageBuffer int `yaml:"message_buffer"`

	// ErrorReply is sent to the sender of an unknown command.
	ErrorReply string `yaml:"error_reply"`
	// RejectMessage, if set, is sent to a client refused because the server
	// is full. Otherwise the socket is closed silently.
	RejectMessage string `yaml:"reject_message"`

	AllowedOrigins []string        `yaml:"allowed_origins"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

const (
	defaultListenAddr       = "127.0.0.1:7878"
	defaultCapacity         = 10
	defaultPrefix           = '/'
	defaultTimeout          = 120 * time.Second
	defaultPollInterval     = time.Millisecond
	defaultDispatchInterval = time.Millisecond
	defaultWriteTimeout     = 10 * time.Second
	defaultMessageBuffer    = 1024
	defaultErrorReply       = "Error"
)

func defaultConfig() Config {
	return Config{
		ListenAddr:       defaultListenAddr,
		Capacity:         defaultCapacity,
		CommandPrefix:    defaultPrefix,
		Timeout:          defaultTimeout,
		PollInterval:     defaultPollInterval,
		DispatchInterval: defaultDispatchInterval,
		WriteTimeout:     defaultWriteTimeout,
		MessageBuffer:    defaultMessageBuffer,
		ErrorReply:       defaultErrorReply,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
	}
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Validate reports settings the server cannot run with. The returned error
// wraps ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error

	if c.Capacity <= 0 {
		errs = append(errs, errors.New("server can not have zero connections"))
	}
	if err := c.CommandPrefix.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// sanitizeConfig replaces unset optional settings with defaults. Required
// settings are left for Validate.
func sanitizeConfig(cfg Config) Config {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaultDispatchInterval
	}

	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = defaultMessageBuffer
	}

	if cfg.ErrorReply == "" {
		cfg.ErrorReply = defaultErrorReply
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// LoadConfigFile reads a YAML config file on top of the defaults. Unknown
// keys are rejected.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := defaultConfig()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for unset variables.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides cfg with any CHAT_* environment variables that are set.
// A capacity or command prefix that can not be parsed is an error wrapping
// ErrInvalidConfig; other malformed numeric settings keep their current
// value.
func ApplyEnv(cfg *Config) error {
	// Load CHAT_LISTEN_ADDR
	if addr := os.Getenv("CHAT_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	// Load CHAT_HTTP_ADDR
	if addr := os.Getenv("CHAT_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	// Capacity is parsed strictly so that an explicit zero fails validation
	// instead of silently falling back.
	if capacity := os.Getenv("CHAT_CAPACITY"); capacity != "" {
		n, err := strconv.Atoi(capacity)
		if err != nil {
			return fmt.Errorf("%w: CHAT_CAPACITY: %q is not an integer", ErrInvalidConfig, capacity)
		}
		cfg.Capacity = n
	}

	if prefix := os.Getenv("CHAT_COMMAND_PREFIX"); prefix != "" {
		if err := cfg.CommandPrefix.Set(prefix); err != nil {
			return fmt.Errorf("CHAT_COMMAND_PREFIX: %w", err)
		}
	}

	if timeout := os.Getenv("CHAT_TIMEOUT"); timeout != "" {
		cfg.Timeout = parseDuration(timeout, cfg.Timeout)
	}

	if interval := os.Getenv("CHAT_POLL_INTERVAL"); interval != "" {
		cfg.PollInterval = parseDuration(interval, cfg.PollInterval)
	}

	if interval := os.Getenv("CHAT_DISPATCH_INTERVAL"); interval != "" {
		cfg.DispatchInterval = parseDuration(interval, cfg.DispatchInterval)
	}

	if timeout := os.Getenv("CHAT_WRITE_TIMEOUT"); timeout != "" {
		cfg.WriteTimeout = parseDuration(timeout, cfg.WriteTimeout)
	}

	if size := os.Getenv("CHAT_MESSAGE_BUFFER"); size != "" {
		cfg.MessageBuffer = parseIntValue(size, cfg.MessageBuffer)
	}

	if msg := os.Getenv("CHAT_REJECT_MESSAGE"); msg != "" {
		cfg.RejectMessage = msg
	}

	if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if burst := os.Getenv("CHAT_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("CHAT_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}

	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings and, for compatibility with
// plain numeric settings, a whole number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// Prefix is the single character that starts a command. It decodes from a
// one-character YAML string and works as a command-line flag value.
type Prefix rune

// String returns the prefix as text.
func (p Prefix) String() string {
	if p == 0 {
		return ""
	}
	return string(rune(p))
}

// Set parses s, which must be exactly one non-space character.
func (p *Prefix) Set(s string) error {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || size != len(s) {
		return fmt.Errorf("%w: command prefix must be exactly one character, got %q", ErrInvalidConfig, s)
	}
	candidate := Prefix(r)
	if err := candidate.validate(); err != nil {
		return err
	}
	*p = candidate
	return nil
}

// Type names the flag value type.
func (p *Prefix) Type() string {
	return "char"
}

// UnmarshalYAML decodes a one-character scalar.
func (p *Prefix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: command prefix must be a string (line %d)", ErrInvalidConfig, value.Line)
	}
	return p.Set(value.Value)
}

// MarshalYAML encodes the prefix as a string.
func (p Prefix) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p Prefix) validate() error {
	r := rune(p)
	if r == 0 || r == utf8.RuneError || unicode.IsSpace(r) || !utf8.ValidRune(r) {
		return fmt.Errorf("%w: invalid command prefix %q", ErrInvalidConfig, r)
	}
	return nil
}
