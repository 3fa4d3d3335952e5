package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var envKeys = []string{
	"TELEGRAM_BOT_TOKEN", "CHANNEL_USERNAME", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
	"GEMINI_TEMPERATURE", "GEMINI_TOP_P", "GEMINI_MAX_TOKENS", "WEBHOOK_URL", "WEBHOOK_SECRET",
	"PORT", "LOG_LEVEL", "REFINED_TEXT_EXPIRY", "SAVE_HISTORY", "DATABASE_URL", "DATABASE_DRIVER",
	"ACTIVITY_SERVICE_ID", "ACTIVITY_SERVICE_NAME",
}

// clearEnv blanks every overlay variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// valueOf reads an optional float, reporting unset as -1.
func valueOf(v *float64) float64 {
	if v == nil {
		return -1
	}
	return *v
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
[telegram]
token = "test_token"
channel = "@refined"
polling_timeout = 30

[proxy]
enabled = true
url = "http://proxy:7890"

[rewrite]
api_key = "key"
model = "gemini-2.0-flash"
temperature = 0.5
max_tokens = 1024

[webhook]
public_url = "https://bot.example.com"
path = "hook"
queue_size = 16

[storage]
type = "sqlite"
dsn = "history.db"
save_history = true

[bot]
refined_text_expiry = 600

[logging]
level = "debug"
output = "bot.log"
format = "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telegram.Token != "test_token" {
		t.Errorf("Expected token 'test_token', got %s", cfg.Telegram.Token)
	}
	if cfg.Telegram.Channel != "@refined" {
		t.Errorf("Expected channel '@refined', got %s", cfg.Telegram.Channel)
	}
	if cfg.Telegram.PollingTimeout != 30 {
		t.Errorf("Expected polling_timeout 30, got %d", cfg.Telegram.PollingTimeout)
	}
	if !cfg.Proxy.Enabled || cfg.Proxy.URL != "http://proxy:7890" {
		t.Errorf("Unexpected proxy config: %+v", cfg.Proxy)
	}
	if cfg.Rewrite.Model != "gemini-2.0-flash" || valueOf(cfg.Rewrite.Temperature) != 0.5 || cfg.Rewrite.MaxTokens != 1024 {
		t.Errorf("Unexpected rewrite config: %+v", cfg.Rewrite)
	}
	if valueOf(cfg.Rewrite.TopP) != 0.9 {
		t.Errorf("Expected default top_p 0.9, got %v", valueOf(cfg.Rewrite.TopP))
	}
	if cfg.Webhook.QueueSize != 16 {
		t.Errorf("Expected queue_size 16, got %d", cfg.Webhook.QueueSize)
	}
	if !cfg.Storage.SaveHistory || cfg.Storage.Type != "sqlite" || cfg.Storage.DSN != "history.db" {
		t.Errorf("Unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Bot.RefinedTextExpiry != 600 {
		t.Errorf("Expected refined_text_expiry 600, got %d", cfg.Bot.RefinedTextExpiry)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}
	if got := cfg.WebhookURL(); got != "https://bot.example.com/hook" {
		t.Errorf("Expected webhook URL 'https://bot.example.com/hook', got %s", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
[telegram]
token = "test_token"

[rewrite]
api_key = "key"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telegram.PollingTimeout != 60 {
		t.Errorf("Expected default polling_timeout 60, got %d", cfg.Telegram.PollingTimeout)
	}
	if cfg.Rewrite.BaseURL != DefaultRewriteBaseURL {
		t.Errorf("Expected default base URL, got %s", cfg.Rewrite.BaseURL)
	}
	if cfg.Rewrite.Model != DefaultRewriteModel {
		t.Errorf("Expected default model, got %s", cfg.Rewrite.Model)
	}
	if cfg.Rewrite.MaxTokens != 2048 {
		t.Errorf("Expected default max_tokens 2048, got %d", cfg.Rewrite.MaxTokens)
	}
	if valueOf(cfg.Rewrite.Temperature) != 0.7 || valueOf(cfg.Rewrite.TopP) != 0.9 {
		t.Errorf("Expected default sampling 0.7/0.9, got %v/%v", valueOf(cfg.Rewrite.Temperature), valueOf(cfg.Rewrite.TopP))
	}
	if cfg.Webhook.Listen != ":10000" {
		t.Errorf("Expected default listen ':10000', got %s", cfg.Webhook.Listen)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Expected default storage type 'memory', got %s", cfg.Storage.Type)
	}
	if cfg.Bot.RefinedTextExpiry != 3600 {
		t.Errorf("Expected default refined_text_expiry 3600, got %d", cfg.Bot.RefinedTextExpiry)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if got := cfg.WebhookPath(); got != "/test_token" {
		t.Errorf("Expected token as webhook path, got %s", got)
	}
}

func TestLoadConfigKeepsZeroSampling(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
[telegram]
token = "test_token"

[rewrite]
api_key = "key"
temperature = 0.0
top_p = 0
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Rewrite.Temperature == nil || *cfg.Rewrite.Temperature != 0 {
		t.Errorf("Expected explicit temperature 0, got %v", valueOf(cfg.Rewrite.Temperature))
	}
	if cfg.Rewrite.TopP == nil || *cfg.Rewrite.TopP != 0 {
		t.Errorf("Expected explicit top_p 0, got %v", valueOf(cfg.Rewrite.TopP))
	}

	t.Setenv("GEMINI_TEMPERATURE", "0")
	configPath = writeConfig(t, `
[telegram]
token = "test_token"

[rewrite]
api_key = "key"
temperature = 0.4
`)
	cfg, err = Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Rewrite.Temperature == nil || *cfg.Rewrite.Temperature != 0 {
		t.Errorf("Expected GEMINI_TEMPERATURE=0 to win, got %v", valueOf(cfg.Rewrite.Temperature))
	}
}

func TestLoadConfigEnvironmentOverlay(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
[telegram]
token = "file_token"

[rewrite]
api_key = "file_key"
temperature = 0.2
`)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env_token")
	t.Setenv("CHANNEL_USERNAME", "@env_channel")
	t.Setenv("GEMINI_TEMPERATURE", "0.8")
	t.Setenv("PORT", "8443")
	t.Setenv("SAVE_HISTORY", "TRUE")
	t.Setenv("REFINED_TEXT_EXPIRY", "-1")
	t.Setenv("DATABASE_URL", "postgres://localhost/refiner")
	t.Setenv("DATABASE_DRIVER", "postgres")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telegram.Token != "env_token" {
		t.Errorf("Expected env token to win, got %s", cfg.Telegram.Token)
	}
	if cfg.Rewrite.APIKey != "file_key" {
		t.Errorf("Expected file api key to survive, got %s", cfg.Rewrite.APIKey)
	}
	if cfg.Telegram.Channel != "@env_channel" {
		t.Errorf("Expected env channel, got %s", cfg.Telegram.Channel)
	}
	if valueOf(cfg.Rewrite.Temperature) != 0.8 {
		t.Errorf("Expected temperature 0.8, got %v", valueOf(cfg.Rewrite.Temperature))
	}
	if cfg.Webhook.Listen != ":8443" {
		t.Errorf("Expected listen ':8443', got %s", cfg.Webhook.Listen)
	}
	if !cfg.Storage.SaveHistory {
		t.Error("Expected save_history from environment")
	}
	if cfg.Bot.RefinedTextExpiry != 0 {
		t.Errorf("Expected negative expiry to disable expiry, got %d", cfg.Bot.RefinedTextExpiry)
	}
	if cfg.Storage.Type != "postgres" || cfg.Storage.DSN != "postgres://localhost/refiner" {
		t.Errorf("Unexpected storage config: %+v", cfg.Storage)
	}
	if !cfg.Activity.Enabled {
		t.Error("Expected activity reporting to follow DATABASE_URL")
	}
}

func TestLoadConfigWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env_token")
	t.Setenv("GEMINI_API_KEY", "env_key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Missing file should not be an error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Environment-only config should validate: %v", err)
	}
}

func TestLoadConfigInvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_MAX_TOKENS", "lots")

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "GEMINI_MAX_TOKENS" {
		t.Fatalf("Expected ConfigError for GEMINI_MAX_TOKENS, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "valid_token"},
			Rewrite:  RewriteConfig{APIKey: "key"},
			Storage:  StorageConfig{Type: "memory"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing telegram token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "missing api key", mutate: func(c *Config) { c.Rewrite.APIKey = "" }, wantErr: "rewrite.api_key"},
		{name: "proxy enabled but no URL", mutate: func(c *Config) { c.Proxy.Enabled = true }, wantErr: "proxy.url"},
		{name: "proxy enabled with URL", mutate: func(c *Config) { c.Proxy = ProxyConfig{Enabled: true, URL: "http://proxy:7890"} }},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Storage.Type = "sqlite" }, wantErr: "storage.dsn"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "mongo" }, wantErr: "storage.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected validation error: %v", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.wantErr {
				t.Errorf("Expected error on %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateWebhook(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateWebhook(); err == nil {
		t.Error("Expected error for missing public URL")
	}
	cfg.Webhook.PublicURL = "bot.example.com"
	if err := cfg.ValidateWebhook(); err == nil {
		t.Error("Expected error for URL without scheme")
	}
	cfg.Webhook.PublicURL = "https://bot.example.com/"
	if err := cfg.ValidateWebhook(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "telegram.token", Message: "token is required"}

	expected := "telegram.token: token is required"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestStorageTypeFromDSN(t *testing.T) {
	tests := []struct {
		dsn      string
		expected string
	}{
		{"", "memory"},
		{"postgres://localhost/refiner", "postgres"},
		{"postgresql://localhost/refiner", "postgres"},
		{"file:history.db", "sqlite"},
	}

	for _, tt := range tests {
		t.Run(tt.expected+"/"+tt.dsn, func(t *testing.T) {
			cfg := &Config{Storage: StorageConfig{DSN: tt.dsn}}
			setDefaults(cfg)
			if cfg.Storage.Type != tt.expected {
				t.Errorf("dsn %q: expected type %s, got %s", tt.dsn, tt.expected, cfg.Storage.Type)
			}
		})
	}
}
