package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/telebot.v4"

	"refiner-bot/internal/activity"
	"refiner-bot/internal/config"
	"refiner-bot/internal/handler"
	"refiner-bot/internal/logging"
	"refiner-bot/internal/rewrite"
	"refiner-bot/internal/storage"
	"refiner-bot/internal/webhook"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "refiner-bot",
		Short: "Telegram bot that rewrites messages with AI and publishes them to a channel",
		// Polling is the default mode.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPolling(configPath)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"),
		"path to config.toml (defaults to $CONFIG_PATH or ./config.toml)")

	root.AddCommand(&cobra.Command{
		Use:   "poll",
		Short: "Receive updates with long polling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPolling(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "webhook",
		Short: "Serve updates over an HTTP webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWebhook(configPath)
		},
	})
	return root
}

// app holds everything both modes share.
type app struct {
	cfg      *config.Config
	bot      *handler.Bot
	client   *http.Client
	store    storage.Store
	history  storage.Store
	activity *activity.Reporter
}

func setup(configPath string, webhookMode bool) (*app, error) {
	config.LoadDotEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if webhookMode {
		if err := cfg.ValidateWebhook(); err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
	}

	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Output, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.Info("Starting refiner bot")

	client, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, client: client}

	// History and activity share one handle; the file backend rewrites the
	// whole file from memory and two stores would overwrite each other.
	if cfg.Storage.SaveHistory || cfg.Activity.Enabled {
		a.store, err = storage.NewStore(storage.Options{Type: cfg.Storage.Type, DSN: cfg.Storage.DSN})
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	if cfg.Storage.SaveHistory {
		a.history = a.store
		logger.Infof("Refinement history enabled (%s)", cfg.Storage.Type)
	}

	if cfg.Activity.Enabled {
		store := a.store
		a.activity = activity.New(activity.Options{
			ServiceID:   cfg.Activity.ServiceID,
			ServiceName: cfg.Activity.ServiceName,
			Connect: func() (storage.Store, error) {
				return storage.Shared(store), nil
			},
		})
		logger.Infof("Activity reporting enabled for service %s", cfg.Activity.ServiceID)
	}

	rewriter := rewrite.NewClient(rewrite.Options{
		APIKey:      cfg.Rewrite.APIKey,
		BaseURL:     cfg.Rewrite.BaseURL,
		Model:       cfg.Rewrite.Model,
		Temperature: cfg.Rewrite.Temperature,
		TopP:        cfg.Rewrite.TopP,
		MaxTokens:   cfg.Rewrite.MaxTokens,
		Timeout:     time.Duration(cfg.Rewrite.Timeout) * time.Second,
	})

	a.bot, err = handler.NewBot(cfg, handler.Dependencies{
		Rewriter: rewriter,
		History:  a.history,
		Activity: a.activity,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create bot handler: %w", err)
	}
	return a, nil
}

// newHTTPClient builds the Telegram HTTP client, going through the proxy if enabled.
func newHTTPClient(cfg *config.Config) (*http.Client, error) {
	client := &http.Client{
		Timeout: time.Duration(cfg.Telegram.PollingTimeout+10) * time.Second,
	}
	if cfg.Proxy.Enabled && cfg.Proxy.URL != "" {
		log.Infof("Using proxy: %s", cfg.Proxy.URL)
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		client.Transport = &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			IdleConnTimeout: 90 * time.Second,
		}
	}
	return client, nil
}

func (a *app) settings() telebot.Settings {
	return telebot.Settings{
		Token:     a.cfg.Telegram.Token,
		Client:    a.client,
		Verbose:   a.cfg.Logging.Level == "debug",
		ParseMode: telebot.ModeDefault,
	}
}

func (a *app) close() {
	if a.bot != nil {
		a.bot.Close()
	}
	if err := a.activity.Close(); err != nil {
		log.Warnf("Failed to close activity reporter: %v", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warnf("Failed to close storage: %v", err)
		}
	}
}

func runPolling(configPath string) error {
	a, err := setup(configPath, false)
	if err != nil {
		log.Error(err)
		return err
	}
	defer a.close()

	settings := a.settings()
	settings.Poller = &telebot.LongPoller{
		Timeout:        time.Duration(a.cfg.Telegram.PollingTimeout) * time.Second,
		AllowedUpdates: []string{"message", "callback_query"},
	}
	tgBot, err := a.bot.NewTelegramBot(settings)
	if err != nil {
		log.Errorf("Failed to create Telegram bot: %v", err)
		return err
	}
	log.Infof("Telegram bot authorized as @%s", tgBot.Me.Username)

	a.bot.Start()
	if err := tgBot.SetCommands(a.bot.Commands()); err != nil {
		log.Warnf("Failed to set bot commands: %v", err)
	}
	// A webhook left over from webhook mode blocks getUpdates.
	if err := tgBot.RemoveWebhook(); err != nil {
		log.Warnf("Failed to remove webhook: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Bot is now running in polling mode. Press Ctrl+C to exit.")
	go tgBot.Start()

	sig := <-sigChan
	log.Infof("Received signal %v, shutting down...", sig)
	tgBot.Stop()

	log.Info("Bot shutdown complete")
	return nil
}

func runWebhook(configPath string) error {
	a, err := setup(configPath, true)
	if err != nil {
		log.Error(err)
		return err
	}
	defer a.close()

	cfg := a.cfg
	coord := webhook.NewCoordinator(webhook.Options{
		NewClient:       webhook.NewTelegramClientFactory(a.bot, a.settings()),
		WebhookURL:      cfg.WebhookURL(),
		SecretToken:     cfg.Webhook.SecretToken,
		Token:           cfg.Telegram.Token,
		QueueSize:       cfg.Webhook.QueueSize,
		StartWait:       time.Duration(cfg.Webhook.StartWait) * time.Second,
		RegisterTimeout: time.Duration(cfg.Webhook.RegisterTimeout) * time.Second,
	})
	defer coord.Close()

	server := webhook.NewServer(coord, webhook.ServerOptions{
		Path:         cfg.WebhookPath(),
		SecretToken:  cfg.Webhook.SecretToken,
		RegisterWait: time.Duration(cfg.Webhook.RegisterWait) * time.Second,
	})
	srv := &http.Server{
		Addr:              cfg.Webhook.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start and register in the background; failures are retried by later requests.
	go func() {
		regCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Webhook.RegisterTimeout+cfg.Webhook.StartWait)*time.Second)
		defer cancel()
		if err := coord.EnsureWebhookRegistered(regCtx, false); err != nil {
			log.Warnf("Initial webhook registration did not complete: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Webhook server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Errorf("Server failed: %v", err)
			return err
		}
	}
	stop()

	log.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Bot shutdown complete")
	return nil
}
