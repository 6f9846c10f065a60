package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/billingsync/internal/pkg/billing"
	"github.com/ManuelReschke/billingsync/internal/pkg/env"
	"github.com/ManuelReschke/billingsync/internal/pkg/mail"
)

// Config is read once at startup. Validation failures are fatal.
type Config struct {
	AppHost        string `validate:"required"`
	AppPort        string `validate:"required,numeric"`
	BaseURL        string `validate:"required,url"`
	InternalAPIKey string
	Dev            bool

	Stripe   StripeConfig
	Billing  BillingConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Mail     mail.Config

	RateLimitMax    int           `validate:"gte=0"`
	RateLimitWindow time.Duration `validate:"gt=0"`
}

type StripeConfig struct {
	APIKey           string `validate:"required"`
	WebhookSecret    string `validate:"required"`
	PriceID          string
	WebhookTolerance time.Duration `validate:"gt=0"`
}

type BillingConfig struct {
	TrialDays          int           `validate:"gte=1,lte=365"`
	TrialCountdownDays int           `validate:"gte=1,lte=30"`
	SweepInterval      time.Duration `validate:"gte=1s"`
	SweepBatchSize     int           `validate:"gte=1,lte=1000"`
	StuckEventAge      time.Duration `validate:"gte=1s"`
	StuckCheckInterval time.Duration `validate:"gte=1s"`
	ReplayStuckEvents  bool
	SummaryTTL         time.Duration `validate:"gte=0"`
}

type DatabaseConfig struct {
	Driver   string `validate:"required,oneof=mysql postgres sqlite"`
	Host     string
	Port     string
	User     string
	Password string
	Name     string `validate:"required"`
}

type CacheConfig struct {
	Host     string
	Port     string
	Password string
	DB       int `validate:"gte=0,lte=15"`
}

// Enabled reports whether a Redis compatible cache is configured.
func (c CacheConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Load builds the configuration from env.GetEnv and validates it.
func Load() (*Config, error) {
	var errs []string
	intVar := func(key string, def int) int {
		raw := env.GetEnv(key, "")
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", key, raw))
			return def
		}
		return v
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		raw := env.GetEnv(key, "")
		if raw == "" {
			return def
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a duration", key, raw))
			return def
		}
		return v
	}

	boolVar := func(key string, def bool) bool {
		raw := env.GetEnv(key, "")
		if raw == "" {
			return def
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", key, raw))
			return def
		}
		return v
	}

	cfg := &Config{
		AppHost:        env.GetEnv("APP_HOST", "localhost"),
		AppPort:        env.GetEnv("APP_PORT", "4000"),
		BaseURL:        strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"), "/"),
		InternalAPIKey: env.GetEnv("INTERNAL_API_KEY", ""),
		Dev:            env.IsDev(),
		Stripe: StripeConfig{
			APIKey:           strings.TrimSpace(env.GetEnv("STRIPE_API_KEY", "")),
			WebhookSecret:    strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
			PriceID:          strings.TrimSpace(env.GetEnv("STRIPE_PRICE_ID", "")),
			WebhookTolerance: durationVar("STRIPE_WEBHOOK_TOLERANCE", billing.DefaultWebhookTolerance),
		},
		Billing: BillingConfig{
			TrialDays:          intVar("TRIAL_DAYS", billing.DefaultTrialDays),
			TrialCountdownDays: intVar("TRIAL_COUNTDOWN_DAYS", billing.DefaultTrialCountdownDays),
			SweepInterval:      durationVar("TRIAL_SWEEP_INTERVAL", 5*time.Minute),
			SweepBatchSize:     intVar("TRIAL_SWEEP_BATCH_SIZE", billing.DefaultSweepBatchSize),
			StuckEventAge:      durationVar("STUCK_EVENT_AGE", 15*time.Minute),
			StuckCheckInterval: durationVar("STUCK_EVENT_CHECK_INTERVAL", time.Minute),
			ReplayStuckEvents:  boolVar("STUCK_EVENT_REPLAY", true),
			SummaryTTL:         durationVar("SUMMARY_CACHE_TTL", billing.DefaultSummaryTTL),
		},
		Database: databaseFromEnv(),
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", ""),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       intVar("CACHE_DB", 0),
		},
		Mail: mail.Config{
			Host:     env.GetEnv("SMTP_HOST", ""),
			Port:     env.GetEnv("SMTP_PORT", "587"),
			Username: env.GetEnv("SMTP_USERNAME", ""),
			Password: env.GetEnv("SMTP_PASSWORD", ""),
			Sender:   env.GetEnv("SMTP_SENDER", ""),
		},
		RateLimitMax:    intVar("RATE_LIMIT_MAX", 120),
		RateLimitWindow: durationVar("RATE_LIMIT_WINDOW", time.Minute),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and returns one error naming every
// failing field.
func (c *Config) Validate() error {
	var fields []string
	// without the key the identity headers cannot be trusted
	if !c.Dev && strings.TrimSpace(c.InternalAPIKey) == "" {
		fields = append(fields, "Config.InternalAPIKey (required outside APP_ENV=dev)")
	}
	if err := validator.New().Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid fields: %s", strings.Join(fields, ", "))
}

// CheckoutSuccessURL, CheckoutCancelURL and PortalReturnURL point back at the
// application after a hosted Stripe page.
func (c *Config) CheckoutSuccessURL() string { return c.BaseURL + "/billing/success" }

func (c *Config) CheckoutCancelURL() string { return c.BaseURL + "/billing/cancel" }

func (c *Config) PortalReturnURL() string { return c.BaseURL + "/account" }

// LoadDatabase reads only the database settings, for commands that do not
// talk to Stripe.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	if err := validator.New().Struct(db); err != nil {
		return db, fmt.Errorf("config: %w", err)
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	driver := strings.ToLower(env.GetEnv("DB_DRIVER", "mysql"))
	return DatabaseConfig{
		Driver:   driver,
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", defaultDBPort(driver)),
		User:     env.GetEnv("DB_USER", ""),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Name:     env.GetEnv("DB_NAME", "billingsync"),
	}
}

func defaultDBPort(driver string) string {
	switch driver {
	case "postgres":
		return "5432"
	default:
		return "3306"
	}
}
