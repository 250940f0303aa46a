// Package config handles newsdesk configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/newsdesk/config.yaml, /etc/newsdesk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "newsdesk", "config.yaml"))
	}

	paths = append(paths, "/etc/newsdesk/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all newsdesk configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	PublicURL    string             `yaml:"public_url"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text or json
	Slack        SlackConfig        `yaml:"slack"`
	LLM          LLMConfig          `yaml:"llm"`
	Articles     ArticlesConfig     `yaml:"articles"`
	Memory       MemoryConfig       `yaml:"memory"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Extract      ExtractConfig      `yaml:"extract"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	State        StateConfig        `yaml:"state"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// AllowAnyOrigin disables the same-origin check on the event
	// stream websocket.
	AllowAnyOrigin bool `yaml:"allow_any_origin"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// SlackConfig defines the Slack app credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"` // xoxb-
	AppToken string `yaml:"app_token"` // xapp-, for Socket Mode
	// RateLimitPerMinute caps messages per sender. 0 disables the limit.
	RateLimitPerMinute int  `yaml:"rate_limit_per_minute"`
	Debug              bool `yaml:"debug"`
}

// Configured reports whether both Slack tokens are set.
func (s SlackConfig) Configured() bool {
	return s.BotToken != "" && s.AppToken != ""
}

// LLMConfig defines the OpenAI-compatible model endpoint.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ImageModel  string        `yaml:"image_model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	Referer     string        `yaml:"referer"`
	Title       string        `yaml:"title"`
}

// ArticlesConfig defines the article store. An empty database URL
// selects the in-memory store.
type ArticlesConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// MemoryConfig defines conversation memory.
type MemoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// ConfirmationConfig defines the confirmation gate.
type ConfirmationConfig struct {
	// Timeout expires pending actions older than this. Zero, the
	// default, disables expiry.
	Timeout time.Duration `yaml:"timeout"`
}

// DispatchConfig defines the per-conversation dispatcher.
type DispatchConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
	QueueSize     int           `yaml:"queue_size"`
}

// ExtractConfig defines which attachment types are read.
type ExtractConfig struct {
	AllowedTypes []string `yaml:"allowed_types"`
	MaxChars     int      `yaml:"max_chars"`
	MaxFileBytes int64    `yaml:"max_file_bytes"`
}

// MQTTConfig defines the optional audit publisher. Empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientName  string `yaml:"client_name"`
}

// Configured reports whether the audit publisher should run.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// StateConfig defines the durable state store.
type StateConfig struct {
	// Driver is the database/sql driver: "sqlite3" (cgo) or "sqlite"
	// (pure Go).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://localhost:%d", c.Listen.Port)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "openai/gpt-4o-mini"
	}
	if c.LLM.Title == "" {
		c.LLM.Title = "newsdesk"
	}
	if c.Memory.MaxMessages == 0 {
		c.Memory.MaxMessages = 10
	}
	if c.Dispatch.IdleTimeout == 0 {
		c.Dispatch.IdleTimeout = 5 * time.Minute
	}
	if c.Dispatch.HandleTimeout == 0 {
		c.Dispatch.HandleTimeout = 5 * time.Minute
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 256
	}
	if c.Extract.MaxChars == 0 {
		c.Extract.MaxChars = 20000
	}
	if c.Extract.MaxFileBytes == 0 {
		c.Extract.MaxFileBytes = 5 * 1024 * 1024
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "newsdesk"
	}
	if c.MQTT.ClientName == "" {
		c.MQTT.ClientName = "newsdesk"
	}
	if c.State.Driver == "" {
		c.State.Driver = "sqlite3"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.DataDir, "state.db")
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("public_url %q is not an absolute URL", c.PublicURL))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if (c.Slack.BotToken == "") != (c.Slack.AppToken == "") {
		errs = append(errs, errors.New("slack.bot_token and slack.app_token must be set together"))
	}
	if c.Slack.AppToken != "" && !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		errs = append(errs, errors.New("slack.app_token must be an app-level token (xapp-)"))
	}
	if c.Slack.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("slack.rate_limit_per_minute must not be negative"))
	}
	if c.Memory.MaxMessages < 1 {
		errs = append(errs, fmt.Errorf("memory.max_messages %d must be positive", c.Memory.MaxMessages))
	}
	if c.Confirmation.Timeout < 0 {
		errs = append(errs, errors.New("confirmation.timeout must not be negative"))
	}
	if c.Dispatch.IdleTimeout < 0 || c.Dispatch.HandleTimeout < 0 || c.Dispatch.QueueSize < 0 {
		errs = append(errs, errors.New("dispatch settings must not be negative"))
	}
	if c.MQTT.Broker != "" {
		if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a URL", c.MQTT.Broker))
		}
	}
	switch c.State.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("state.driver %q (valid: sqlite3, sqlite)", c.State.Driver))
	}

	return errors.Join(errs...)
}
