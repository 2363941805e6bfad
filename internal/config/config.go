package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "webhook", "password",
}

type Config struct {
	Port                  int      `env:"PORT" envDefault:"8080"`
	DatabaseURL           string   `env:"DATABASE_URL"`
	RedisURL              string   `env:"REDIS_URL"`
	WebhookSecret         string   `env:"WEBHOOK_SECRET"`
	ForwardURL            string   `env:"FORWARD_URL"`
	ForwardSecret         string   `env:"FORWARD_SECRET"`
	AllowedOrigins        []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	LogLevel              string   `env:"LOG_LEVEL" envDefault:"info"`
	CodeIssueDelayMs      int      `env:"CODE_ISSUE_DELAY_MS" envDefault:"500"`
	PairingTimeoutSeconds int      `env:"PAIRING_TIMEOUT_SECONDS" envDefault:"60"`
	ConnectDelayMs        int      `env:"CONNECT_DELAY_MS" envDefault:"3000"`
	ActivityDelayMs       int      `env:"ACTIVITY_DELAY_MS" envDefault:"5000"`
	AutoReplyMinMs        int      `env:"AUTO_REPLY_MIN_MS" envDefault:"1000"`
	AutoReplyMaxMs        int      `env:"AUTO_REPLY_MAX_MS" envDefault:"3000"`
	RateLimitPerMin       int      `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
}

func (c *Config) CodeIssueDelay() time.Duration {
	return time.Duration(c.CodeIssueDelayMs) * time.Millisecond
}

func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSeconds) * time.Second
}

func (c *Config) ConnectDelay() time.Duration {
	return time.Duration(c.ConnectDelayMs) * time.Millisecond
}

func (c *Config) ActivityDelay() time.Duration {
	return time.Duration(c.ActivityDelayMs) * time.Millisecond
}

func (c *Config) AutoReplyMinDelay() time.Duration {
	return time.Duration(c.AutoReplyMinMs) * time.Millisecond
}

func (c *Config) AutoReplyMaxDelay() time.Duration {
	return time.Duration(c.AutoReplyMaxMs) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AllowsAnyOrigin reports whether ALLOWED_ORIGINS contains the "*" wildcard.
func (c *Config) AllowsAnyOrigin() bool {
	for _, o := range c.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func (c *Config) Validate(isProduction bool) error {
	if c.PairingTimeoutSeconds <= 0 {
		return fmt.Errorf("PAIRING_TIMEOUT_SECONDS must be positive")
	}
	if c.CodeIssueDelayMs < 0 || c.ConnectDelayMs < 0 || c.ActivityDelayMs < 0 {
		return fmt.Errorf("simulation delays must not be negative")
	}
	if c.AutoReplyMinMs < 0 || c.AutoReplyMaxMs < c.AutoReplyMinMs {
		return fmt.Errorf("AUTO_REPLY_MAX_MS must be >= AUTO_REPLY_MIN_MS >= 0")
	}
	if c.ConnectDelay() >= c.PairingTimeout() {
		return fmt.Errorf("CONNECT_DELAY_MS must be shorter than the pairing timeout")
	}

	if isProduction {
		if c.WebhookSecret == "" {
			log.Warn().Msg("WEBHOOK_SECRET is empty in production: webhook signature verification disabled")
		} else if err := validateSecret("WEBHOOK_SECRET", c.WebhookSecret); err != nil {
			return err
		}
		if c.ForwardURL != "" && c.ForwardSecret == "" {
			log.Warn().Msg("FORWARD_SECRET is empty in production: forwarded events are unsigned")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.AllowsAnyOrigin() {
			log.Warn().Msg("ALLOWED_ORIGINS is * in production: any site can open a viewer stream")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
