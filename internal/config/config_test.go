package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "sterilization-trace", cfg.Service.Name)
	assert.Equal(t, 5, cfg.Ledger.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Ledger.RetryBase)
	assert.Equal(t, 3*time.Second, cfg.Ledger.RetryCap)
	assert.Equal(t, "mychannel", cfg.Ledger.Channel)
	assert.Equal(t, "cycle", cfg.Ledger.Chaincode)
	assert.Equal(t, 3, cfg.Alerts.SoonDays)
	assert.Equal(t, 72*time.Hour, cfg.Alerts.StorageSoonHorizon())
	require.NotNil(t, cfg.Alerts.Location)
	assert.Equal(t, "America/Fortaleza", cfg.Alerts.Location.String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FABRIC_RETRY_ATTEMPTS", "3")
	t.Setenv("FABRIC_RETRY_BASE_MS", "50")
	t.Setenv("STORAGE_SOON_DAYS", "7")
	t.Setenv("ALERTS_TZ", "UTC")
	t.Setenv("DATABASE_DRIVER", "SQLite")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Ledger.RetryAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Ledger.RetryBase)
	assert.Equal(t, 7, cfg.Alerts.SoonDays)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FABRIC_CHANNEL=cme-channel\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FABRIC_CHANNEL") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cme-channel", cfg.Ledger.Channel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"FABRIC_RETRY_ATTEMPTS": "0",
		"ALERTS_TZ":             "Mars/Olympus",
		"DATABASE_DRIVER":       "oracle",
		"FABRIC_RETRY_CAP_MS":   "10",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}
