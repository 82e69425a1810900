package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hookline/hookline/internal/connectors"
	"github.com/hookline/hookline/internal/executor"
	"github.com/hookline/hookline/internal/scheduler"
)

// Config is the process configuration, layered defaults < settings file <
// HOOKLINE_* environment variables.
type Config struct {
	DBPath       string
	AMQPURL      string
	Exchange     string
	PollInterval time.Duration
	WorkerCount  int
	LogLevel     string
	Connectors   connectors.Config
}

// settingsFile is the on-disk shape of ~/.hookline/settings.json.
type settingsFile struct {
	DBPath              string         `json:"dbPath"`
	AMQPURL             string         `json:"amqpUrl"`
	Exchange            string         `json:"exchange"`
	PollIntervalSeconds int            `json:"pollIntervalSeconds"`
	WorkerCount         int            `json:"workerCount"`
	LogLevel            string         `json:"logLevel"`
	Gmail               *settingsOAuth `json:"gmail"`
	Slack               *settingsOAuth `json:"slack"`
	Discord             *settingsOAuth `json:"discord"`
}

type settingsOAuth struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURL  string `json:"redirectUrl"`
}

func defaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DBPath:       filepath.Join(home, ".hookline", "hookline.db"),
		Exchange:     "hookline",
		PollInterval: scheduler.DefaultPollInterval,
		WorkerCount:  executor.DefaultWorkerCount,
		LogLevel:     "info",
	}
}

// loadConfig resolves the effective configuration. A missing settings file
// is fine; a malformed one is an error.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	home, err := os.UserHomeDir()
	if err == nil {
		if err := applySettingsFile(&cfg, filepath.Join(home, ".hookline", "settings.json")); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applySettingsFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var s settingsFile
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if s.DBPath != "" {
		cfg.DBPath = s.DBPath
	}
	if s.AMQPURL != "" {
		cfg.AMQPURL = s.AMQPURL
	}
	if s.Exchange != "" {
		cfg.Exchange = s.Exchange
	}
	if s.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(s.PollIntervalSeconds) * time.Second
	}
	if s.WorkerCount > 0 {
		cfg.WorkerCount = s.WorkerCount
	}
	if s.LogLevel != "" {
		cfg.LogLevel = s.LogLevel
	}
	applyOAuthSettings(&cfg.Connectors.Gmail, s.Gmail)
	applyOAuthSettings(&cfg.Connectors.Slack, s.Slack)
	applyOAuthSettings(&cfg.Connectors.Discord, s.Discord)
	return nil
}

func applyOAuthSettings(dst *connectors.OAuthCredentials, src *settingsOAuth) {
	if src == nil {
		return
	}
	dst.ClientID = src.ClientID
	dst.ClientSecret = src.ClientSecret
	dst.RedirectURL = src.RedirectURL
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DBPath, "HOOKLINE_DB_PATH")
	setString(&cfg.AMQPURL, "HOOKLINE_AMQP_URL")
	setString(&cfg.Exchange, "HOOKLINE_EXCHANGE")
	setString(&cfg.LogLevel, "HOOKLINE_LOG_LEVEL")

	if v := os.Getenv("HOOKLINE_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HOOKLINE_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("HOOKLINE_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("HOOKLINE_WORKER_COUNT must be a positive integer, got %q", v)
		}
		cfg.WorkerCount = n
	}

	setString(&cfg.Connectors.Gmail.ClientID, "HOOKLINE_GMAIL_CLIENT_ID")
	setString(&cfg.Connectors.Gmail.ClientSecret, "HOOKLINE_GMAIL_CLIENT_SECRET")
	setString(&cfg.Connectors.Gmail.RedirectURL, "HOOKLINE_GMAIL_REDIRECT_URL")
	setString(&cfg.Connectors.Slack.ClientID, "HOOKLINE_SLACK_CLIENT_ID")
	setString(&cfg.Connectors.Slack.ClientSecret, "HOOKLINE_SLACK_CLIENT_SECRET")
	setString(&cfg.Connectors.Slack.RedirectURL, "HOOKLINE_SLACK_REDIRECT_URL")
	setString(&cfg.Connectors.Discord.ClientID, "HOOKLINE_DISCORD_CLIENT_ID")
	setString(&cfg.Connectors.Discord.ClientSecret, "HOOKLINE_DISCORD_CLIENT_SECRET")
	setString(&cfg.Connectors.Discord.RedirectURL, "HOOKLINE_DISCORD_REDIRECT_URL")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
