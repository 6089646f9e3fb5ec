package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wargabill", cfg.App.Name)
	assert.Equal(t, "8000", cfg.App.Port)
	assert.Equal(t, "Asia/Jakarta", cfg.App.Timezone)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "wargabill.db", cfg.Database.DSN)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, 20, cfg.Billing.RecalcBatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Billing.RecalcBatchDelay)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "Asia/Jakarta", cfg.Location().String())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "wargabill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: production
database:
  driver: memory
  auto_migrate: false
billing:
  recalc_batch_size: 5
  recalc_batch_delay: 1s
`), 0o600))
	t.Setenv("WARGABILL_BILLING_RECALC_BATCH_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.False(t, cfg.Database.AutoMigrate)
	assert.Equal(t, 7, cfg.Billing.RecalcBatchSize)
	assert.Equal(t, time.Second, cfg.Billing.RecalcBatchDelay)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WARGABILL_APP_PORT=9090\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WARGABILL_APP_PORT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.App.Port)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "WARGABILL_DATABASE_DRIVER", "mongo"},
		{"bad timezone", "WARGABILL_APP_TIMEZONE", "Mars/Olympus"},
		{"negative batch", "WARGABILL_BILLING_RECALC_BATCH_SIZE", "-1"},
		{"bad webhook", "WARGABILL_ALERT_WEBHOOK_TYPE", "teams"},
		{"auth without password", "WARGABILL_AUTH_ENABLED", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}
