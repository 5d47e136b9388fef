// Package config loads the example server configuration from flags,
// COORD_* environment variables and an optional config file, in that order
// of precedence. Anything left unset falls back to Defaults, which are also
// the flag defaults. An explicit zero from any source is kept.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/idempotent"
	"github.com/manenim/coordkit/pkg/limiter"
	"github.com/manenim/coordkit/pkg/lock"
)

const EnvPrefix = "COORD"

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log-level"`
	Store    string `mapstructure:"store"`
	Prefix   string `mapstructure:"prefix"`

	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Repeat    RepeatConfig    `mapstructure:"repeat"`
	Lock      LockConfig      `mapstructure:"lock"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	// Failure maps a guard kind to "open" or "closed". Kinds left out use
	// coord.DefaultFailurePolicy.
	Failure map[string]string `mapstructure:"failure"`
	// RouteLimits overrides the rate limit for individual routes. Fields left
	// at zero inherit from RateLimit. Only settable from a config file.
	RouteLimits map[string]RateLimitConfig `mapstructure:"route-limits"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

type RateLimitConfig struct {
	Window time.Duration `mapstructure:"window"`
	Quota  int64         `mapstructure:"quota"`
	Cost   int64         `mapstructure:"cost"`
}

type CaptchaConfig struct {
	Digits int           `mapstructure:"digits"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type RepeatConfig struct {
	Window time.Duration `mapstructure:"window"`
	Scope  string        `mapstructure:"scope"`
}

type LockConfig struct {
	Lease time.Duration `mapstructure:"lease"`
	Wait  time.Duration `mapstructure:"wait"`
}

type OrdersConfig struct {
	// ReplayWindow is how long a response is replayed for a repeated
	// Idempotency-Key.
	ReplayWindow time.Duration `mapstructure:"replay-window"`
}

type QueueConfig struct {
	Name        string        `mapstructure:"name"`
	Concurrency int           `mapstructure:"concurrency"`
	PollTimeout time.Duration `mapstructure:"poll-timeout"`
}

// Defaults returns the configuration used for every field left unset.
func Defaults() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Store:    StoreRedis,
		Prefix:   "coord:",
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Timeout: 100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "coordkit",
		},
		RateLimit: RateLimitConfig{Window: time.Second, Quota: 10, Cost: 1},
		Captcha:   CaptchaConfig{Digits: 6, TTL: 5 * time.Minute},
		Repeat:    RepeatConfig{Window: 2 * time.Second, Scope: "personal"},
		Lock:      LockConfig{Lease: 10 * time.Second, Wait: 2 * time.Second},
		Queue: QueueConfig{
			Name:        "jobs",
			Concurrency: 4,
			PollTimeout: time.Second,
		},
		Orders: OrdersConfig{ReplayWindow: 10 * time.Minute},
	}
}

// flagKeys maps flag names to their configuration keys.
var flagKeys = map[string]string{
	"config":               "config",
	"listen":               "listen",
	"log-level":            "log-level",
	"store":                "store",
	"prefix":               "prefix",
	"redis-addr":           "redis.addr",
	"redis-password":       "redis.password",
	"redis-db":             "redis.db",
	"redis-timeout":        "redis.timeout",
	"metrics-path":         "metrics.path",
	"ratelimit-window":     "ratelimit.window",
	"ratelimit-quota":      "ratelimit.quota",
	"ratelimit-cost":       "ratelimit.cost",
	"lock-lease":           "lock.lease",
	"lock-wait":            "lock.wait",
	"queue-name":           "queue.name",
	"queue-concurrency":    "queue.concurrency",
	"queue-poll-timeout":   "queue.poll-timeout",
	"captcha-ttl":          "captcha.ttl",
	"captcha-digits":       "captcha.digits",
	"repeat-window":        "repeat.window",
	"failure-ratelimit":    "failure.ratelimit",
	"failure-idempotent":   "failure.idempotent",
	"failure-lock":         "failure.lock",
	"metrics-namespace":    "metrics.namespace",
	"orders-replay-window": "orders.replay-window",
	"repeat-scope":         "repeat.scope",
}

// RegisterFlags defines the server flags on fs with Defaults as their
// default values. Viper ranks an unchanged flag below the environment and the
// config file, so the defaults never shadow either.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.StringP("config", "c", "", "path to a YAML, TOML or JSON config file")
	fs.String("listen", d.Listen, "HTTP listen address")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("store", d.Store, "store backend: redis or memory")
	fs.String("prefix", d.Prefix, "key prefix")
	fs.String("redis-addr", d.Redis.Addr, "redis address")
	fs.String("redis-password", d.Redis.Password, "redis password")
	fs.Int("redis-db", d.Redis.DB, "redis database")
	fs.Duration("redis-timeout", d.Redis.Timeout, "per-operation store timeout")
	fs.String("metrics-path", d.Metrics.Path, "metrics endpoint")
	fs.String("metrics-namespace", d.Metrics.Namespace, "metrics namespace")
	fs.Duration("ratelimit-window", d.RateLimit.Window, "rate limit window")
	fs.Int64("ratelimit-quota", d.RateLimit.Quota, "cost units per window")
	fs.Int64("ratelimit-cost", d.RateLimit.Cost, "cost units per call")
	fs.Duration("lock-lease", d.Lock.Lease, "lock lease")
	fs.Duration("lock-wait", d.Lock.Wait, "lock acquire wait; 0 tries once")
	fs.String("queue-name", d.Queue.Name, "queue consumed by the server")
	fs.Int("queue-concurrency", d.Queue.Concurrency, "queue handler concurrency")
	fs.Duration("queue-poll-timeout", d.Queue.PollTimeout, "queue poll timeout")
	fs.Duration("captcha-ttl", d.Captcha.TTL, "captcha code lifetime")
	fs.Int("captcha-digits", d.Captcha.Digits, "captcha code length")
	fs.Duration("orders-replay-window", d.Orders.ReplayWindow, "idempotent order replay window")
	fs.Duration("repeat-window", d.Repeat.Window, "repeat submission window")
	fs.String("repeat-scope", d.Repeat.Scope, "repeat submission scope: personal or all")
	fs.String("failure-ratelimit", "", "rate limit behaviour on store failure: open or closed (default open)")
	fs.String("failure-idempotent", "", "idempotency behaviour on store failure: open or closed (default closed)")
	fs.String("failure-lock", "", "lock behaviour on store failure: open or closed (default closed)")
}

// NewViper returns a viper instance reading COORD_* variables and bound to
// the flags registered on fs.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return v, nil
}

// Load reads the config file named by the "config" key, if any, decodes
// everything into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Unset failure flags decode as empty strings.
	for k, v := range cfg.Failure {
		if strings.TrimSpace(v) == "" {
			delete(cfg.Failure, k)
		}
	}
	if len(cfg.Failure) == 0 {
		cfg.Failure = nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Store != StoreRedis && c.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RateLimitPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ratelimit: %w", err))
	}
	for route := range c.RouteLimits {
		if route == "" || strings.Contains(route, ":") {
			errs = append(errs, fmt.Errorf("route-limits: invalid route name %q", route))
			continue
		}
		if p, err := c.RouteLimitPolicy(route); err != nil {
			errs = append(errs, err)
		} else if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("route-limits.%s: %w", route, err))
		}
	}
	if p, err := c.RepeatPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("repeat: %w", err))
	} else if err := p.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("repeat: %w", err))
	}
	if err := c.LockPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lock: %w", err))
	}
	if c.Captcha.Digits < 4 || c.Captcha.Digits > 12 {
		errs = append(errs, fmt.Errorf("captcha: digits must be within 4..12, got %d", c.Captcha.Digits))
	}
	if c.Orders.ReplayWindow <= 0 {
		errs = append(errs, errors.New("orders: replay-window must be > 0"))
	}
	if c.Captcha.TTL <= 0 {
		errs = append(errs, errors.New("captcha: ttl must be > 0"))
	}
	if _, err := c.FailurePolicies(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return l, nil
}

func (c Config) RateLimitPolicy() limiter.Policy {
	return limiter.Policy{Window: c.RateLimit.Window, Quota: c.RateLimit.Quota, Cost: c.RateLimit.Cost}
}

// RouteLimitPolicy returns the rate limit for route: its override from
// RouteLimits with zero fields taken from RateLimit. A route without an
// override gets RateLimitPolicy.
func (c Config) RouteLimitPolicy(route string) (limiter.Policy, error) {
	rc := c.RouteLimits[route]
	if err := mergo.Merge(&rc, c.RateLimit); err != nil {
		return limiter.Policy{}, fmt.Errorf("route-limits.%s: %w", route, err)
	}
	return limiter.Policy{Window: rc.Window, Quota: rc.Quota, Cost: rc.Cost}, nil
}

func (c Config) RepeatPolicy() (idempotent.Policy, error) {
	scope, err := coord.ParseScope(c.Repeat.Scope)
	if err != nil {
		return idempotent.Policy{}, err
	}
	return idempotent.Policy{Window: c.Repeat.Window, Scope: scope}, nil
}

func (c Config) LockPolicy() lock.Policy {
	return lock.Policy{Lease: c.Lock.Lease, Wait: c.Lock.Wait}
}

// FailurePolicies returns the configured per-kind overrides.
func (c Config) FailurePolicies() (map[coord.Kind]coord.FailurePolicy, error) {
	out := make(map[coord.Kind]coord.FailurePolicy, len(c.Failure))
	for k, v := range c.Failure {
		kind := coord.Kind(strings.ToLower(k))
		if !kind.Valid() {
			return nil, fmt.Errorf("failure: unknown kind %q", k)
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "":
			continue
		case "open":
			out[kind] = coord.FailOpen
		case "closed":
			out[kind] = coord.FailClosed
		default:
			return nil, fmt.Errorf("failure.%s: want open or closed, got %q", k, v)
		}
	}
	return out, nil
}
