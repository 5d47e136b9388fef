package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/limiter"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := NewViper(fs)
	require.NoError(t, err)
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	cfg, err := load(t, "--store=memory", "--ratelimit-quota=5", "--lock-lease=3s", "--failure-ratelimit=closed")
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, int64(5), cfg.RateLimit.Quota)
	assert.Equal(t, time.Second, cfg.RateLimit.Window, "unset siblings keep their defaults")
	assert.Equal(t, 3*time.Second, cfg.Lock.Lease)

	fp, err := cfg.FailurePolicies()
	require.NoError(t, err)
	assert.Equal(t, map[coord.Kind]coord.FailurePolicy{coord.KindRateLimit: coord.FailClosed}, fp)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("COORD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("COORD_QUEUE_POLL_TIMEOUT", "250ms")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollTimeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
ratelimit:
  window: 1m
  quota: 100
  cost: 10
repeat:
  scope: all
`), 0o600))

	cfg, err := load(t, "--config", path, "--listen=:7070")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen, "flags win over the file")
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, int64(10), cfg.RateLimitPolicy().MaxCalls())

	p, err := cfg.RepeatPolicy()
	require.NoError(t, err)
	assert.Equal(t, coord.ScopeAll, p.Scope)
}

func TestLoad_ExplicitZeroIsKept(t *testing.T) {
	cfg, err := load(t, "--lock-wait=0s")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Lock.Wait)
	assert.Equal(t, Defaults().Lock.Lease, cfg.Lock.Lease)
	assert.Equal(t, time.Duration(0), cfg.LockPolicy().Wait)

	t.Setenv("COORD_LOCK_WAIT", "0s")
	cfg, err = load(t)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Lock.Wait)

	// Zero values that fail validation are reported rather than replaced.
	_, err = load(t, "--ratelimit-quota=0")
	assert.Error(t, err)
}

func TestLoad_RouteLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ratelimit:
  window: 1m
  quota: 100
  cost: 1
route-limits:
  orders:
    quota: 5
  captcha:
    window: 10s
    quota: 3
`), 0o600))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)

	orders, err := cfg.RouteLimitPolicy("orders")
	require.NoError(t, err)
	assert.Equal(t, limiter.Policy{Window: time.Minute, Quota: 5, Cost: 1}, orders)

	captcha, err := cfg.RouteLimitPolicy("captcha")
	require.NoError(t, err)
	assert.Equal(t, limiter.Policy{Window: 10 * time.Second, Quota: 3, Cost: 1}, captcha)

	ping, err := cfg.RouteLimitPolicy("ping")
	require.NoError(t, err)
	assert.Equal(t, cfg.RateLimitPolicy(), ping)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store = "etcd" }},
		{"cost above quota", func(c *Config) { c.RateLimit.Cost = c.RateLimit.Quota + 1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad scope", func(c *Config) { c.Repeat.Scope = "team" }},
		{"negative lock wait", func(c *Config) { c.Lock.Wait = -time.Second }},
		{"short captcha", func(c *Config) { c.Captcha.Digits = 2 }},
		{"unknown failure kind", func(c *Config) { c.Failure = map[string]string{"cache": "open"} }},
		{"bad failure value", func(c *Config) { c.Failure = map[string]string{"lock": "maybe"} }},
		{"route cost above quota", func(c *Config) {
			c.RouteLimits = map[string]RateLimitConfig{"orders": {Quota: 1, Cost: 2}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Defaults().Validate())
}
