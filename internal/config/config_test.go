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
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, "cart", cfg.CartKey)
	assert.Equal(t, "wishlist", cfg.WishlistKey)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Zero(t, cfg.RedisTTL, "snapshots must not expire unless a TTL is configured")
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.EventsEnabled())
}

func TestLoad_KafkaBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.EventsEnabled())
}

func TestLoad_InvalidHTTPPort(t *testing.T) {
	t.Setenv("CARTSYNC_HTTP_PORT", "0")

	cfg, err := Load()

	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "invalid HTTP port")
}

func TestLoad_NegativeRedisTTL(t *testing.T) {
	t.Setenv("REDIS_TTL", "-1h")

	cfg, err := Load()

	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "REDIS_TTL must not be negative")
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "localstorage")

	cfg, err := Load()

	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "STORAGE_BACKEND must be one of")
}

func TestLoad_SameKeys(t *testing.T) {
	t.Setenv("WISHLIST_KEY", "cart")

	_, err := Load()

	assert.ErrorContains(t, err, "must differ")
}

func TestLoad_InvalidOTELSampleRate(t *testing.T) {
	t.Setenv("OTEL_SAMPLE_RATE", "2.0")

	cfg, err := Load()

	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "OTEL_SAMPLE_RATE must be between 0.0 and 1.0")
}

func TestLoad_ZeroBreakerFailures(t *testing.T) {
	t.Setenv("BREAKER_CONSECUTIVE_FAILURES", "0")

	_, err := Load()

	assert.ErrorContains(t, err, "BREAKER_CONSECUTIVE_FAILURES")
}

func TestLoad_DotenvFile(t *testing.T) {
	// Setenv registers cleanup that restores the unset state after godotenv
	// writes the variable.
	t.Setenv("STORAGE_BACKEND", "")
	require.NoError(t, os.Unsetenv("STORAGE_BACKEND"))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORAGE_BACKEND=redis\nREDIS_TTL=1h\n"), 0o600))
	t.Setenv("REDIS_TTL", "")
	require.NoError(t, os.Unsetenv("REDIS_TTL"))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.StorageBackend)
	assert.Equal(t, time.Hour, cfg.RedisTTL)
}

func TestLoad_EnvironmentWinsOverDotenv(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORAGE_BACKEND=redis\n"), 0o600))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
}

func TestLoad_MissingDotenvIsSkipped(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))

	require.NoError(t, err)
}
