package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Port     int      `env:"TEST_CFG_PORT" envDefault:"8080"`
	LogLevel string   `env:"TEST_CFG_LOG_LEVEL" envDefault:"info"`
	Brokers  []string `env:"TEST_CFG_BROKERS" envDefault:"a:1,b:2" envSeparator:","`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Brokers)
}

func TestLoad_FromEnvVars(t *testing.T) {
	t.Setenv("TEST_CFG_PORT", "9090")
	t.Setenv("TEST_CFG_LOG_LEVEL", "debug")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidInt(t *testing.T) {
	t.Setenv("TEST_CFG_PORT", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_DotenvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_CFG_DOTENV_LEVEL=warn\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("TEST_CFG_DOTENV_LEVEL") })

	var cfg struct {
		Level string `env:"TEST_CFG_DOTENV_LEVEL" envDefault:"info"`
	}
	require.NoError(t, Load(&cfg, path))

	assert.Equal(t, "warn", cfg.Level)
}

func TestLoad_EnvironmentWinsOverDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_CFG_PORT=7000\n"), 0o600))
	t.Setenv("TEST_CFG_PORT", "7001")

	var cfg testConfig
	require.NoError(t, Load(&cfg, path))

	assert.Equal(t, 7001, cfg.Port)
}

func TestLoad_MissingDotenvIsSkipped(t *testing.T) {
	var cfg testConfig
	err := Load(&cfg, filepath.Join(t.TempDir(), "does-not-exist.env"))

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}
