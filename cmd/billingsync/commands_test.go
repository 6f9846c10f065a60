package main

import (
	"bytes"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/ManuelReschke/billingsync/internal/pkg/config"
	"github.com/ManuelReschke/billingsync/internal/pkg/database"
	"github.com/ManuelReschke/billingsync/migrations"
)

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()
	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "billingsync 1.2.3")
	assert.Contains(t, out.String(), "Built: 2026-01-01")
	assert.Contains(t, out.String(), "Commit: abcdef")
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		cfg  config.DatabaseConfig
		want string
	}{
		{
			config.DatabaseConfig{Driver: "mysql", User: "billing", Password: "pw", Host: "db", Port: "3306", Name: "billingsync"},
			"mysql://billing:pw@tcp(db:3306)/billingsync?multiStatements=true",
		},
		{
			config.DatabaseConfig{Driver: "postgres", User: "billing", Password: "p@ss", Host: "pg", Port: "5432", Name: "billingsync"},
			"pgx5://billing:p%40ss@pg:5432/billingsync?sslmode=disable",
		},
	}
	for _, tt := range tests {
		got, err := migrateURL(tt.cfg)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := migrateURL(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestMigrateSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.db")
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: path}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, migrateSQLite(cmd, cfg, []string{"up"}))
	assert.Contains(t, out.String(), "SQLite schema applied")
	assert.Error(t, migrateSQLite(cmd, cfg, []string{"down"}))

	db, err := database.Open(cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.True(t, db.Migrator().HasTable(&models.BillingWebhookEvent{}))
}

func TestMigrationFilesAreEmbedded(t *testing.T) {
	for _, driver := range []string{"mysql", "postgres"} {
		for _, dir := range []string{"up", "down"} {
			name := driver + "/000001_billing." + dir + ".sql"
			raw, err := fs.ReadFile(migrations.FS, name)
			require.NoError(t, err, name)
			assert.Contains(t, string(raw), "billing_webhook_events", name)
		}
	}
}
