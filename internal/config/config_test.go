package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithEnvOwner(t *testing.T) {
	t.Chdir(t.TempDir()) // keep any repo .env out of the way
	t.Setenv("LEDGER_PLATFORM_OWNER", "grid-operator")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "grid-operator", cfg.Platform.Owner)
	assert.Equal(t, uint64(25), cfg.Platform.FeeRate)
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "ledger", cfg.NATS.Prefix)
}

func TestLoad_FileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platform:
  owner: file-owner
  fee_rate: 40
store:
  driver: pebble
  pebble_dir: /var/lib/ledger
http:
  allowed_origins: ["https://a.example", "https://b.example"]
`), 0o644))
	t.Setenv("LEDGER_PLATFORM_FEE_RATE", "10")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-owner", cfg.Platform.Owner)
	assert.Equal(t, uint64(10), cfg.Platform.FeeRate)
	assert.Equal(t, "pebble", cfg.Store.Driver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEDGER_PLATFORM_OWNER=dotenv-owner\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("LEDGER_PLATFORM_OWNER") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-owner", cfg.Platform.Owner)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Store:    StoreConfig{Driver: "memory"},
			Platform: PlatformConfig{Owner: "owner", FeeRate: 25},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing owner", func(c *Config) { c.Platform.Owner = "  " }, "platform.owner"},
		{"fee too high", func(c *Config) { c.Platform.FeeRate = 101 }, "exceeds 100"},
		{"fee at cap", func(c *Config) { c.Platform.FeeRate = 100 }, ""},
		{"postgres needs url", func(c *Config) { c.Store.Driver = "postgres" }, "database_url"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "unknown store.driver"},
		{"negative burst", func(c *Config) { c.RateLimit.Burst = -1 }, "ratelimit"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
