package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 3, cfg.TrialCredits)
	assert.EqualValues(t, 5, cfg.LedgerLockRetries)
	assert.Equal(t, time.Hour, cfg.RateLimitWindow)
	assert.Equal(t, 20, cfg.RateLimitMax)
	assert.Equal(t, 15*time.Minute, cfg.JobTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.True(t, cfg.UsesDevSecrets())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("JWT_SECRET", "prod-secret")
	t.Setenv("DATABASE_URL", "postgres://prod/gardenlens")
	t.Setenv("RATE_LIMIT_WINDOW", "30m")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("ALLOWED_ORIGINS", "https://gardenlens.app, https://www.gardenlens.app")
	t.Setenv("PUBLIC_BASE_URL", "https://api.gardenlens.app/")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 5, cfg.RateLimitMax)
	assert.Equal(t, []string{"https://gardenlens.app", "https://www.gardenlens.app"}, cfg.AllowedOrigins)
	assert.Equal(t, "https://api.gardenlens.app", cfg.PublicBaseURL)
	assert.False(t, cfg.UsesDevSecrets())
}

func TestLoad_DotEnvAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TRIAL_CREDITS=7\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TRIAL_CREDITS") })

	file := filepath.Join(dir, "gardenlens.yaml")
	require.NoError(t, os.WriteFile(file, []byte("MAX_AREAS: 4\n"), 0o600))
	t.Setenv("GARDENLENS_CONFIG", file)

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TrialCredits)
	assert.Equal(t, 4, cfg.MaxAreas)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"negative trial":   {"TRIAL_CREDITS", "-1"},
		"zero retries":     {"LEDGER_LOCK_RETRIES", "0"},
		"zero rate max":    {"RATE_LIMIT_MAX", "0"},
		"bad window":       {"RATE_LIMIT_WINDOW", "0s"},
		"bad generator":    {"GENERATOR_URL", "ftp://render"},
		"hostless base":    {"PUBLIC_BASE_URL", "https://"},
		"zero concurrency": {"GENERATION_CONCURRENCY", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(kv[0], kv[1])
			_, err := Load(viper.New())
			assert.Error(t, err)
		})
	}
}
