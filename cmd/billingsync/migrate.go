package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/billingsync/internal/pkg/config"
	"github.com/ManuelReschke/billingsync/internal/pkg/database"
	"github.com/ManuelReschke/billingsync/internal/pkg/env"
	"github.com/ManuelReschke/billingsync/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|goto N|status]",
	Short: "Apply or inspect the SQL schema migrations",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env.SetupEnvFile()
		dbCfg, err := config.LoadDatabase()
		if err != nil {
			return err
		}
		if dbCfg.Driver == "sqlite" {
			return migrateSQLite(cmd, dbCfg, args)
		}

		m, err := newMigrate(dbCfg)
		if err != nil {
			return fmt.Errorf("initialize migration: %w", err)
		}
		defer func() {
			if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
				log.Warnf("[Migrate] closing migration resources: %v, %v", sourceErr, dbErr)
			}
		}()

		return runMigrate(cmd, m, args)
	},
}

func runMigrate(cmd *cobra.Command, m *migrate.Migrate, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Fprintln(out, "No changes: database is up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		fmt.Fprintln(out, "Migrations applied")

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("roll back last migration: %w", err)
		}
		fmt.Fprintln(out, "Last migration rolled back")

	case "goto":
		if len(args) < 2 {
			return errors.New("goto needs a version number")
		}
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version: %w", err)
		}
		err = m.Migrate(uint(version))
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Fprintf(out, "No changes: database is at version %d\n", version)
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate to version %d: %w", version, err)
		}
		fmt.Fprintf(out, "Migrated to version %d\n", version)

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "No migrations applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read migration version: %w", err)
		}
		dirtyStatus := ""
		if dirty {
			dirtyStatus = " (dirty)"
		}
		fmt.Fprintf(out, "Current migration version: %d%s\n", version, dirtyStatus)

	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
	return nil
}

// migrateSQLite applies the schema with GORM. The golang-migrate sqlite
// driver registers the same database/sql driver name as the GORM driver, so
// sqlite databases are not versioned.
func migrateSQLite(cmd *cobra.Command, cfg config.DatabaseConfig, args []string) error {
	if args[0] != "up" {
		return errors.New(`sqlite databases only support "migrate up"`)
	}
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "SQLite schema applied")
	return nil
}

func newMigrate(cfg config.DatabaseConfig) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, cfg.Driver)
	if err != nil {
		return nil, err
	}
	dbURL, err := migrateURL(cfg)
	if err != nil {
		return nil, err
	}
	return migrate.NewWithSourceInstance("iofs", src, dbURL)
}

// migrateURL builds the golang-migrate database URL for a driver.
func migrateURL(cfg config.DatabaseConfig) (string, error) {
	switch cfg.Driver {
	case "mysql":
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name), nil
	case "postgres":
		u := url.URL{
			Scheme:   "pgx5",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     cfg.Host + ":" + cfg.Port,
			Path:     "/" + cfg.Name,
			RawQuery: "sslmode=disable",
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}
