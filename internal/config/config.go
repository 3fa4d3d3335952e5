package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
)

// Config represents the entire configuration structure
type Config struct {
	Telegram TelegramConfig `toml:"telegram"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Storage  StorageConfig  `toml:"storage"`
	Activity ActivityConfig `toml:"activity"`
	Bot      BotConfig      `toml:"bot"`
	Logging  LoggingConfig  `toml:"logging"`
}

// TelegramConfig contains Telegram Bot settings
type TelegramConfig struct {
	Token          string `toml:"token"`
	Channel        string `toml:"channel"`
	PollingTimeout int    `toml:"polling_timeout"`
}

// ProxyConfig contains HTTP proxy settings
type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// RewriteConfig contains settings for the generative rewrite service.
// Any OpenAI-compatible endpoint works; the default points at Gemini.
type RewriteConfig struct {
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Model       string   `toml:"model"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
	MaxTokens   int      `toml:"max_tokens"`
	Timeout     int      `toml:"timeout"`
}

// WebhookConfig contains webhook mode settings. Durations are in seconds.
type WebhookConfig struct {
	PublicURL       string `toml:"public_url"`
	Path            string `toml:"path"`
	SecretToken     string `toml:"secret_token"`
	Listen          string `toml:"listen"`
	StartWait       int    `toml:"start_wait"`
	RegisterTimeout int    `toml:"register_timeout"`
	RegisterWait    int    `toml:"register_wait"`
	QueueSize       int    `toml:"queue_size"`
}

// StorageConfig contains history storage settings. Type is one of memory,
// file, sqlite or postgres; DSN is the file path for file storage.
type StorageConfig struct {
	Type        string `toml:"type"`
	DSN         string `toml:"dsn"`
	SaveHistory bool   `toml:"save_history"`
}

// ActivityConfig contains activity reporting settings
type ActivityConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceID   string `toml:"service_id"`
	ServiceName string `toml:"service_name"`
}

// BotConfig contains conversation behaviour settings
type BotConfig struct {
	// RefinedTextExpiry is the number of seconds a rewrite stays publishable.
	// Unset means one hour; a negative value disables expiry.
	RefinedTextExpiry int `toml:"refined_text_expiry"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Output string `toml:"output"`
	Format string `toml:"format"`
}

const (
	DefaultRewriteBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultRewriteModel   = "gemini-2.5-flash"
)

// Load reads the configuration file, then overlays .env and process environment.
// A missing file is not an error; the environment may carry the whole configuration.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		log.Infof("Loading configuration from: %s", configPath)
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		log.Infof("Configuration file %s not found, using environment only", configPath)
	default:
		return nil, err
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	return &cfg, nil
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	if _, err := os.Stat("config.toml"); err == nil {
		return "config.toml"
	}

	configDir := "config"
	if _, err := os.Stat(filepath.Join(configDir, "config.toml")); err == nil {
		return filepath.Join(configDir, "config.toml")
	}

	return "config.toml"
}

// setDefaults applies default values to configuration fields
func setDefaults(cfg *Config) {
	if cfg.Telegram.PollingTimeout == 0 {
		cfg.Telegram.PollingTimeout = 60
	}
	if cfg.Rewrite.BaseURL == "" {
		cfg.Rewrite.BaseURL = DefaultRewriteBaseURL
	}
	if cfg.Rewrite.Model == "" {
		cfg.Rewrite.Model = DefaultRewriteModel
	}
	// nil means unset; an explicit 0 is kept.
	if cfg.Rewrite.Temperature == nil {
		cfg.Rewrite.Temperature = floatPtr(0.7)
	}
	if cfg.Rewrite.TopP == nil {
		cfg.Rewrite.TopP = floatPtr(0.9)
	}
	if cfg.Rewrite.MaxTokens == 0 {
		cfg.Rewrite.MaxTokens = 2048
	}
	if cfg.Rewrite.Timeout == 0 {
		cfg.Rewrite.Timeout = 60
	}
	if cfg.Webhook.Listen == "" {
		cfg.Webhook.Listen = ":10000"
	}
	if cfg.Webhook.StartWait == 0 {
		cfg.Webhook.StartWait = 5
	}
	if cfg.Webhook.RegisterTimeout == 0 {
		cfg.Webhook.RegisterTimeout = 20
	}
	if cfg.Webhook.RegisterWait == 0 {
		cfg.Webhook.RegisterWait = 10
	}
	if cfg.Webhook.QueueSize == 0 {
		cfg.Webhook.QueueSize = 256
	}
	if cfg.Storage.Type == "" {
		switch {
		case strings.HasPrefix(cfg.Storage.DSN, "postgres://"), strings.HasPrefix(cfg.Storage.DSN, "postgresql://"):
			cfg.Storage.Type = "postgres"
		case cfg.Storage.DSN != "":
			cfg.Storage.Type = "sqlite"
		default:
			cfg.Storage.Type = "memory"
		}
	}
	if cfg.Activity.ServiceID == "" {
		cfg.Activity.ServiceID = "refiner-bot"
	}
	if cfg.Activity.ServiceName == "" {
		cfg.Activity.ServiceName = "Refiner Bot"
	}
	if cfg.Bot.RefinedTextExpiry == 0 {
		cfg.Bot.RefinedTextExpiry = 3600
	} else if cfg.Bot.RefinedTextExpiry < 0 {
		cfg.Bot.RefinedTextExpiry = 0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks the settings every mode needs
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return &ConfigError{Field: "telegram.token", Message: "telegram token is required"}
	}
	if c.Rewrite.APIKey == "" {
		return &ConfigError{Field: "rewrite.api_key", Message: "rewrite API key is required"}
	}
	if c.Proxy.Enabled && c.Proxy.URL == "" {
		return &ConfigError{Field: "proxy.url", Message: "proxy URL is required when proxy is enabled"}
	}
	switch c.Storage.Type {
	case "memory":
	case "file", "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return &ConfigError{Field: "storage.dsn", Message: "dsn is required for " + c.Storage.Type + " storage"}
		}
	default:
		return &ConfigError{Field: "storage.type", Message: "unsupported storage type: " + c.Storage.Type}
	}
	if c.Telegram.Channel == "" {
		log.Warn("telegram.channel is not set - publishing to a channel will not work")
	}
	return nil
}

// ValidateWebhook checks the settings only webhook mode needs
func (c *Config) ValidateWebhook() error {
	if c.Webhook.PublicURL == "" {
		return &ConfigError{Field: "webhook.public_url", Message: "webhook public URL is required in webhook mode"}
	}
	if !strings.HasPrefix(c.Webhook.PublicURL, "https://") && !strings.HasPrefix(c.Webhook.PublicURL, "http://") {
		return &ConfigError{Field: "webhook.public_url", Message: "webhook public URL must start with http:// or https://"}
	}
	return nil
}

// WebhookPath returns the route the webhook is served on. Without an explicit
// path the bot token is used, which keeps the endpoint unguessable.
func (c *Config) WebhookPath() string {
	path := strings.Trim(c.Webhook.Path, "/")
	if path == "" {
		path = c.Telegram.Token
	}
	return "/" + path
}

// WebhookURL returns the public URL declared to Telegram.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.Webhook.PublicURL, "/") + c.WebhookPath()
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

func floatPtr(v float64) *float64 {
	return &v
}
