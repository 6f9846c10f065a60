package main

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/billingsync/internal/pkg/billing"
	"github.com/ManuelReschke/billingsync/internal/pkg/cache"
	"github.com/ManuelReschke/billingsync/internal/pkg/config"
	"github.com/ManuelReschke/billingsync/internal/pkg/database"
	"github.com/ManuelReschke/billingsync/internal/pkg/env"
	"github.com/ManuelReschke/billingsync/internal/pkg/mail"
)

const sweepLockName = "billingsync:trial-sweep"

// runtime holds everything a command needs after startup.
type runtime struct {
	cfg   *config.Config
	db    *gorm.DB
	redis *redis.Client
	svc   *billing.Service
	mail  *mail.Notifier
}

// loadConfig reads .env (optional) and the process environment.
func loadConfig() (*config.Config, error) {
	if env.SetupEnvFile() {
		log.Info("[Config] Loaded .env file")
	}
	return config.Load()
}

func bootstrap() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := database.SetupDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if env.IsDev() {
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	rt := &runtime{cfg: cfg, db: db, redis: cache.SetupCache(cfg.Cache)}
	rt.svc = newService(cfg, db, rt.redis)
	if cfg.Mail.Enabled() {
		rt.mail = mail.NewNotifier(mail.NewMailer(cfg.Mail), rt.svc.Registry(), cfg.BaseURL)
		rt.svc.OnCommit(rt.mail.Hook())
		log.Infof("[Mail] Transition emails enabled via %s", cfg.Mail.Host)
	}
	return rt, nil
}

func newService(cfg *config.Config, db *gorm.DB, rc *redis.Client) *billing.Service {
	opts := billing.Options{
		Provider: billing.NewStripeProvider(billing.StripeConfig{
			APIKey:          cfg.Stripe.APIKey,
			PriceID:         cfg.Stripe.PriceID,
			CheckoutSuccess: cfg.CheckoutSuccessURL(),
			CheckoutCancel:  cfg.CheckoutCancelURL(),
			PortalReturn:    cfg.PortalReturnURL(),
		}),
		WebhookSecret:      cfg.Stripe.WebhookSecret,
		WebhookTolerance:   cfg.Stripe.WebhookTolerance,
		TrialDays:          cfg.Billing.TrialDays,
		TrialCountdownDays: cfg.Billing.TrialCountdownDays,
		SweepBatchSize:     cfg.Billing.SweepBatchSize,
		SummaryTTL:         cfg.Billing.SummaryTTL,
	}
	if rc != nil {
		opts.Cache = cache.NewStore(rc, "billingsync:")
		// the lock outlives one sweep interval so a slow sweep is not doubled
		opts.SweepLocker = cache.NewLocker(rc, sweepLockName, cfg.Billing.SweepInterval+time.Minute)
	}
	return billing.NewServiceFromDB(db, opts)
}

func (rt *runtime) close() {
	if rt.mail != nil {
		rt.mail.Wait()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if sqlDB, err := rt.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
