// Package config handles Hive configuration loading. The teacher read a
// single YAML document; Hive's surface is entirely environment-variable
// driven (see the external interfaces table), but the same
// load/apply-defaults/validate shape is kept so misconfiguration is caught
// once, at startup, instead of scattered through the codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all Hive configuration, sourced entirely from the process
// environment. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
type Config struct {
	Listen    ListenConfig
	Superuser SuperuserConfig
	Storage   StorageConfig
	Webhook   WebhookConfig
	Broadcast BroadcastConfig
	BaseURL   string
	LogLevel  string
}

// ListenConfig defines the API server bind settings.
type ListenConfig struct {
	Address string // "" = all interfaces
	Port    int
}

// SuperuserConfig is the bootstrap admin identity loaded once at startup.
type SuperuserConfig struct {
	Name        string
	Token       string
	DisplayName string
}

// StorageConfig defines where Hive persists state and blobs.
type StorageConfig struct {
	DBPath        string
	AttachmentDir string
	AvatarDir     string
}

// WebhookConfig defines outbound webhook dispatch settings.
type WebhookConfig struct {
	AllowedHosts []string // bypasses the SSRF guard for named internal hosts

	// DefaultURL/DefaultToken is the fallback delivery target for an
	// identity with no webhookUrl/webhookToken on its own token row —
	// chiefly the bootstrap superuser, who has no mailbox token at all.
	DefaultURL   string
	DefaultToken string
}

// BroadcastConfig defines broadcast ingest settings.
type BroadcastConfig struct {
	AlertCooldown time.Duration
}

// placeholderTokens are sample values an operator might forget to replace;
// shipping with one is a fatal misconfiguration, not a warning.
var placeholderTokens = map[string]bool{
	"":           true,
	"changeme":   true,
	"change-me":  true,
	"replace-me": true,
	"your-token": true,
	"superuser":  true,
	"token":      true,
}

// Load reads configuration from the environment, applies defaults, and
// validates the result. It returns any soft-misconfiguration warnings
// alongside the config so the caller can log them; fatal misconfiguration
// (missing or placeholder superuser token, out-of-range port) is returned
// as an error.
func Load() (*Config, []string, error) {
	cfg := &Config{
		Listen: ListenConfig{
			Address: os.Getenv("HIVE_LISTEN_ADDRESS"),
			Port:    envInt("HIVE_LISTEN_PORT", 8080),
		},
		Superuser: SuperuserConfig{
			Name:        envDefault("SUPERUSER_NAME", "admin"),
			Token:       os.Getenv("SUPERUSER_TOKEN"),
			DisplayName: envDefault("SUPERUSER_DISPLAY_NAME", "Administrator"),
		},
		Storage: StorageConfig{
			DBPath:        envDefault("HIVE_DB_PATH", "./data/hive.db"),
			AttachmentDir: envDefault("ATTACHMENT_DIR", "./data/attachments"),
			AvatarDir:     envDefault("AVATAR_DIR", "./data/avatars"),
		},
		BaseURL:  os.Getenv("HIVE_BASE_URL"),
		LogLevel: envDefault("HIVE_LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("HIVE_WEBHOOK_ALLOWED_HOSTS"); raw != "" {
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Webhook.AllowedHosts = append(cfg.Webhook.AllowedHosts, h)
			}
		}
	}
	cfg.Webhook.DefaultURL = os.Getenv("HIVE_WEBHOOK_DEFAULT_URL")
	cfg.Webhook.DefaultToken = os.Getenv("HIVE_WEBHOOK_DEFAULT_TOKEN")

	cooldownMin := envInt("BROADCAST_ALERT_COOLDOWN_MINUTES", 180)
	cfg.Broadcast.AlertCooldown = time.Duration(cooldownMin) * time.Minute

	var warnings []string
	if err := cfg.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("config validation: %w", err)
	}
	warnings = append(warnings, cfg.softWarnings()...)

	return cfg, warnings, nil
}

// Validate checks that the configuration is internally consistent and free
// of fatal misconfiguration. It runs after defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range (1-65535)", c.Listen.Port)
	}
	token := strings.TrimSpace(c.Superuser.Token)
	if placeholderTokens[strings.ToLower(token)] {
		return fmt.Errorf("SUPERUSER_TOKEN is missing or a placeholder value")
	}
	if c.Broadcast.AlertCooldown < 0 {
		return fmt.Errorf("broadcast cooldown must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// softWarnings returns non-fatal misconfiguration the caller should log at
// warn level but which does not prevent startup.
func (c *Config) softWarnings() []string {
	var warnings []string
	if len(c.Superuser.Token) < 24 {
		warnings = append(warnings, fmt.Sprintf("SUPERUSER_TOKEN is only %d characters; 24+ is recommended", len(c.Superuser.Token)))
	}
	if c.BaseURL == "" {
		warnings = append(warnings, "HIVE_BASE_URL is not set; generated links will be relative")
	}
	return warnings
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
