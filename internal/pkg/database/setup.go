package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/ManuelReschke/billingsync/internal/pkg/config"
	"github.com/ManuelReschke/billingsync/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// SetupDatabase opens the configured database with retries and stores it in DB.
func SetupDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = Open(cfg)
		if err == nil {
			return DB, nil
		}

		log.Warnf("[Database] Failed to connect to %s (try %d/%d): %v", cfg.Driver, i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, err
}

// Open connects once. Timestamps are written in UTC and duplicate key
// violations are translated to gorm.ErrDuplicatedKey.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	logLevel := logger.Warn
	if env.IsDev() {
		logLevel = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serialises writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Dialector maps the configured driver to its gorm dialector.
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		return mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(SQLiteDSN(cfg.Name)), nil
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}
}

// SQLiteDSN turns a file name into a DSN with foreign keys and a busy timeout.
func SQLiteDSN(name string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", name)
}

// AutoMigrate creates the billing tables. Deployments run the SQL migrations
// instead; this is for development and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.BillingCustomer{},
		&models.BillingSubscription{},
		&models.BillingWebhookEvent{},
		&models.BillingNotification{},
	)
}
