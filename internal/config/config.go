package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stellarlinkco/relayguard/internal/trust"
)

const (
	DefaultTelegramMode       = "polling"
	DefaultListen             = "0.0.0.0:8080"
	DefaultClassifierProvider = "openai"
	DefaultClassifierModel    = "gpt-4o-mini"
	DefaultClassifierTokens   = 256
	DefaultClassifierTimeout  = 30 * time.Second
	DefaultStoreDriver        = "sqlite"
	DefaultMappingRetention   = 24 * time.Hour
	DefaultPurgeSchedule      = "0 */30 * * * *"
	DefaultAlertTimezone      = "Asia/Shanghai"
	DefaultLogLevel           = "info"
	DefaultBufSize            = 100

	envPrefix = "RELAYGUARD"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Trust      TrustConfig      `mapstructure:"trust"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Store      StoreConfig      `mapstructure:"store"`
	Mapping    MappingConfig    `mapstructure:"mapping"`
	Alert      AlertConfig      `mapstructure:"alert"`
	Log        LogConfig        `mapstructure:"log"`
}

type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	Proxy         string `mapstructure:"proxy"`
	Mode          string `mapstructure:"mode"` // "polling" (default) or "webhook"
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Listen        string `mapstructure:"listen"`
}

type AdminConfig struct {
	UserID      int64 `mapstructure:"user_id"`
	AlertChatID int64 `mapstructure:"alert_chat_id"` // 0 disables spam alerts
}

type TrustConfig struct {
	RequiredCleanCount     int  `mapstructure:"required_clean_count"`
	MaxAllowedFlaggedCount int  `mapstructure:"max_allowed_flagged_count"`
	NotifyOnAutoPromote    bool `mapstructure:"notify_on_auto_promote"`
}

func (c TrustConfig) Policy() trust.Policy {
	return trust.Policy{
		RequiredCleanCount:     c.RequiredCleanCount,
		MaxAllowedFlaggedCount: c.MaxAllowedFlaggedCount,
	}
}

type ClassifierConfig struct {
	Provider  string        `mapstructure:"provider"` // "openai" (default) or "anthropic"
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `mapstructure:"dsn"`
}

type MappingConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PurgeSchedule string        `mapstructure:"purge_schedule"`
}

type AlertConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Mode:   DefaultTelegramMode,
			Listen: DefaultListen,
		},
		Trust: TrustConfig{
			RequiredCleanCount:     trust.DefaultRequiredCleanCount,
			MaxAllowedFlaggedCount: trust.DefaultMaxAllowedFlaggedCount,
			NotifyOnAutoPromote:    true,
		},
		Classifier: ClassifierConfig{
			Provider:  DefaultClassifierProvider,
			Model:     DefaultClassifierModel,
			MaxTokens: DefaultClassifierTokens,
			Timeout:   DefaultClassifierTimeout,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			DSN:    filepath.Join(ConfigDir(), "data", "relayguard.db"),
		},
		Mapping: MappingConfig{
			Retention:     DefaultMappingRetention,
			PurgeSchedule: DefaultPurgeSchedule,
		},
		Alert: AlertConfig{Timezone: DefaultAlertTimezone},
		Log:   LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".relayguard")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// legacyEnv lists the environment names the bot accepted before the
// RELAYGUARD_ prefix. The prefixed name always wins.
var legacyEnv = map[string]string{
	"telegram.token":          "BOT_TOKEN",
	"telegram.webhook_secret": "BOT_SECRET",
	"telegram.webhook_url":    "DOMAIN",
	"admin.user_id":           "ADMIN_UID",
	"admin.alert_chat_id":     "ADMIN_GID",
	"classifier.base_url":     "LLM_API",
	"classifier.api_key":      "LLM_KEY",
	"classifier.model":        "LLM_MODEL",
}

// LoadConfig reads path, or ConfigPath() when path is empty, and applies
// environment overrides. A missing default config file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	apply(v.SetDefault, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigFile(ConfigPath())
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Telegram.Mode == "" {
		cfg.Telegram.Mode = DefaultTelegramMode
	}
	if cfg.Classifier.Timeout <= 0 {
		cfg.Classifier.Timeout = DefaultClassifierTimeout
	}
	if cfg.Mapping.Retention <= 0 {
		cfg.Mapping.Retention = DefaultMappingRetention
	}
	if cfg.Alert.Timezone == "" {
		cfg.Alert.Timezone = DefaultAlertTimezone
	}

	return cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// Validate reports the first setting that would keep the bot from running.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram token is required (set %s_TELEGRAM_TOKEN)", envPrefix)
	}
	if c.Admin.UserID == 0 {
		return fmt.Errorf("admin user id is required (set %s_ADMIN_USER_ID)", envPrefix)
	}
	switch c.Telegram.Mode {
	case "polling":
	case "webhook":
		if strings.TrimSpace(c.Telegram.WebhookURL) == "" {
			return fmt.Errorf("telegram webhook_url is required in webhook mode")
		}
		if strings.TrimSpace(c.Telegram.WebhookSecret) == "" {
			return fmt.Errorf("telegram webhook_secret is required in webhook mode (set %s_TELEGRAM_WEBHOOK_SECRET)", envPrefix)
		}
	default:
		return fmt.Errorf("unknown telegram mode %q", c.Telegram.Mode)
	}
	if c.Trust.RequiredCleanCount < 1 {
		return fmt.Errorf("trust required_clean_count must be at least 1")
	}
	if c.Trust.MaxAllowedFlaggedCount < 0 {
		return fmt.Errorf("trust max_allowed_flagged_count must not be negative")
	}
	switch c.Classifier.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown classifier provider %q", c.Classifier.Provider)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := c.Alert.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the alert timezone. Names unknown to the local tzdata
// fall back to UTC+8, the zone alerts used historically.
func (c AlertConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultAlertTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err == nil {
		return loc, nil
	}
	if tz == DefaultAlertTimezone {
		return time.FixedZone("UTC+8", 8*60*60), nil
	}
	return nil, fmt.Errorf("load alert timezone %q: %w", tz, err)
}

// SaveConfig writes cfg as YAML to path.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	v := viper.New()
	apply(v.Set, cfg)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func apply(set func(key string, value any), cfg *Config) {
	set("telegram.token", cfg.Telegram.Token)
	set("telegram.proxy", cfg.Telegram.Proxy)
	set("telegram.mode", cfg.Telegram.Mode)
	set("telegram.webhook_url", cfg.Telegram.WebhookURL)
	set("telegram.webhook_secret", cfg.Telegram.WebhookSecret)
	set("telegram.listen", cfg.Telegram.Listen)
	set("admin.user_id", cfg.Admin.UserID)
	set("admin.alert_chat_id", cfg.Admin.AlertChatID)
	set("trust.required_clean_count", cfg.Trust.RequiredCleanCount)
	set("trust.max_allowed_flagged_count", cfg.Trust.MaxAllowedFlaggedCount)
	set("trust.notify_on_auto_promote", cfg.Trust.NotifyOnAutoPromote)
	set("classifier.provider", cfg.Classifier.Provider)
	set("classifier.api_key", cfg.Classifier.APIKey)
	set("classifier.base_url", cfg.Classifier.BaseURL)
	set("classifier.model", cfg.Classifier.Model)
	set("classifier.max_tokens", cfg.Classifier.MaxTokens)
	set("classifier.timeout", cfg.Classifier.Timeout.String())
	set("store.driver", cfg.Store.Driver)
	set("store.dsn", cfg.Store.DSN)
	set("mapping.retention", cfg.Mapping.Retention.String())
	set("mapping.purge_schedule", cfg.Mapping.PurgeSchedule)
	set("alert.timezone", cfg.Alert.Timezone)
	set("log.level", cfg.Log.Level)
	set("log.development", cfg.Log.Development)
}
