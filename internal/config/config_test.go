package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("JOB_INTERVAL", "5s")
	t.Setenv("RETRY_BATCH_SIZE", "not-a-number")

	cfg := Load()

	require.Equal(t, "memory", cfg.Store)
	require.Equal(t, 5*time.Second, cfg.JobInterval)
	require.Equal(t, 100, cfg.RetryBatchSize)
	require.NoError(t, cfg.Validate())
}

func TestDatabaseURLFromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_USER", "wa")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_NAME", "campaigns")

	require.Equal(t, "postgres://wa:secret@db:5433/campaigns?sslmode=disable", databaseURL())
}

func TestValidate(t *testing.T) {
	cfg := Config{Store: "postgres", QueueDriver: "memory", RetryMaxAttempts: 3}
	require.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://x"
	require.NoError(t, cfg.Validate())

	cfg.QueueDriver = "kafka"
	require.Error(t, cfg.Validate())
}
