package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_CREDENTIALS_KEY", "test-key")

	cfg, err := Load("1.2.3")
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "8480", cfg.Port)
	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "revlake_engine", cfg.Database.Database)
	assert.Equal(t, 30, cfg.Sync.RunTimeoutMinutes)
	assert.Equal(t, 50, cfg.Sync.MaxLoggedErrors)
	assert.Equal(t, 4, cfg.Sync.SyncAllConcurrency)
	assert.Equal(t, "@every 5m", cfg.Sync.Schedule)
}

func TestLoadRequiresCredentialsKey(t *testing.T) {
	t.Setenv("SYNC_CREDENTIALS_KEY", "")

	_, err := Load("dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_CREDENTIALS_KEY")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_CREDENTIALS_KEY", "test-key")
	t.Setenv("PORT", "9001")
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("SYNC_RUN_TIMEOUT_MINUTES", "5")
	t.Setenv("SYNC_SCHEDULE", "")

	cfg, err := Load("dev")
	require.NoError(t, err)

	assert.Equal(t, "9001", cfg.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5*time.Minute, cfg.Sync.RunTimeout())
	assert.Equal(t, "", cfg.Sync.Schedule)
}

func TestConnectionString(t *testing.T) {
	dbCfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "revlake",
		Password: "secret",
		Database: "revlake_engine",
		SSLMode:  "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=revlake password=secret dbname=revlake_engine sslmode=disable",
		dbCfg.ConnectionString(),
	)
}
