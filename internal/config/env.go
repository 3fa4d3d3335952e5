package config

import (
	"fmt"
	"strconv"
	"strings"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// environment lists the variables that override the configuration file.
// Values are kept as strings so an unset variable is distinguishable from zero.
type environment struct {
	TelegramToken     string `env:"TELEGRAM_BOT_TOKEN"`
	Channel           string `env:"CHANNEL_USERNAME"`
	APIKey            string `env:"GEMINI_API_KEY"`
	Model             string `env:"GEMINI_MODEL"`
	BaseURL           string `env:"GEMINI_BASE_URL"`
	Temperature       string `env:"GEMINI_TEMPERATURE"`
	TopP              string `env:"GEMINI_TOP_P"`
	MaxTokens         string `env:"GEMINI_MAX_TOKENS"`
	WebhookURL        string `env:"WEBHOOK_URL"`
	WebhookSecret     string `env:"WEBHOOK_SECRET"`
	Port              string `env:"PORT"`
	LogLevel          string `env:"LOG_LEVEL"`
	RefinedTextExpiry string `env:"REFINED_TEXT_EXPIRY"`
	SaveHistory       string `env:"SAVE_HISTORY"`
	DatabaseURL       string `env:"DATABASE_URL"`
	DatabaseDriver    string `env:"DATABASE_DRIVER"`
	ServiceID         string `env:"ACTIVITY_SERVICE_ID"`
	ServiceName       string `env:"ACTIVITY_SERVICE_NAME"`
}

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are ignored.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		log.Debugf("No .env file loaded: %v", err)
	}
}

func applyEnv(cfg *Config) error {
	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&cfg.Telegram.Token, e.TelegramToken)
	setString(&cfg.Telegram.Channel, e.Channel)
	setString(&cfg.Rewrite.APIKey, e.APIKey)
	setString(&cfg.Rewrite.Model, e.Model)
	setString(&cfg.Rewrite.BaseURL, e.BaseURL)
	setString(&cfg.Webhook.PublicURL, e.WebhookURL)
	setString(&cfg.Webhook.SecretToken, e.WebhookSecret)
	setString(&cfg.Logging.Level, strings.ToLower(e.LogLevel))
	setString(&cfg.Storage.DSN, e.DatabaseURL)
	setString(&cfg.Storage.Type, e.DatabaseDriver)
	setString(&cfg.Activity.ServiceID, e.ServiceID)
	setString(&cfg.Activity.ServiceName, e.ServiceName)

	if e.Port != "" {
		if _, err := strconv.Atoi(e.Port); err != nil {
			return &ConfigError{Field: "PORT", Message: "must be a number"}
		}
		cfg.Webhook.Listen = ":" + e.Port
	}

	var err error
	if cfg.Rewrite.Temperature, err = parseFloat("GEMINI_TEMPERATURE", e.Temperature, cfg.Rewrite.Temperature); err != nil {
		return err
	}
	if cfg.Rewrite.TopP, err = parseFloat("GEMINI_TOP_P", e.TopP, cfg.Rewrite.TopP); err != nil {
		return err
	}
	if cfg.Rewrite.MaxTokens, err = parseInt("GEMINI_MAX_TOKENS", e.MaxTokens, cfg.Rewrite.MaxTokens); err != nil {
		return err
	}
	if cfg.Bot.RefinedTextExpiry, err = parseInt("REFINED_TEXT_EXPIRY", e.RefinedTextExpiry, cfg.Bot.RefinedTextExpiry); err != nil {
		return err
	}
	if e.SaveHistory != "" {
		cfg.Storage.SaveHistory = strings.EqualFold(strings.TrimSpace(e.SaveHistory), "true")
	}
	if e.DatabaseURL != "" && !cfg.Activity.Enabled {
		cfg.Activity.Enabled = true
	}
	return nil
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func parseFloat(name, raw string, current *float64) (*float64, error) {
	if raw == "" {
		return current, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return current, &ConfigError{Field: name, Message: "must be a number"}
	}
	return &v, nil
}

func parseInt(name, raw string, current int) (int, error) {
	if raw == "" {
		return current, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return current, &ConfigError{Field: name, Message: "must be an integer"}
	}
	return v, nil
}
