// Package config loads service settings from defaults, an optional YAML file
// and CARGOLANE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cargolane.io/internal/auth"
)

const EnvPrefix = "CARGOLANE"

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	TokenSecret string        `mapstructure:"token_secret"`
	Issuer      string        `mapstructure:"issuer"`
	Audience    string        `mapstructure:"audience"`
	AccessTTL   time.Duration `mapstructure:"access_ttl"`
	RefreshTTL  time.Duration `mapstructure:"refresh_ttl"`
	Leeway      time.Duration `mapstructure:"leeway"`

	PGDSN         string `mapstructure:"pg_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	PolicyFile    string        `mapstructure:"policy_file"`
	DefaultQuota  int64         `mapstructure:"default_quota"`
	DefaultWindow time.Duration `mapstructure:"default_window"`

	AuditQueue        int           `mapstructure:"audit_queue"`
	AuditWorkers      int           `mapstructure:"audit_workers"`
	AuditWriteTimeout time.Duration `mapstructure:"audit_write_timeout"`

	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	SecureCookies  bool     `mapstructure:"secure_cookies"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("issuer", auth.DefaultIssuer)
	v.SetDefault("audience", auth.DefaultAudience)
	v.SetDefault("access_ttl", auth.DefaultAccessTTL)
	v.SetDefault("refresh_ttl", auth.DefaultRefreshTTL)
	v.SetDefault("leeway", auth.DefaultLeeway)
	v.SetDefault("redis_db", 0)
	v.SetDefault("call_timeout", auth.DefaultCallTimeout)
	v.SetDefault("default_quota", 1000)
	v.SetDefault("default_window", time.Hour)
	v.SetDefault("audit_queue", 1024)
	v.SetDefault("audit_workers", 2)
	v.SetDefault("audit_write_timeout", 2*time.Second)
	v.SetDefault("rate_limit_rps", 20)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("secure_cookies", true)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	// keys without a default must still be known to AutomaticEnv
	for _, key := range []string{"token_secret", "pg_dsn", "redis_addr", "redis_password", "policy_file"} {
		v.SetDefault(key, "")
	}
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORSOrigins = normalizeList(cfg.CORSOrigins)
	cfg.TrustedProxies = normalizeList(cfg.TrustedProxies)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late at request time.
func (c Config) Validate() error {
	var errs []error
	if len(c.TokenSecret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("token_secret must be at least %d bytes", auth.MinSecretLength))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("access_ttl and refresh_ttl must be positive"))
	}
	if c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, errors.New("access_ttl must be shorter than refresh_ttl"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if c.DefaultQuota <= 0 || c.DefaultWindow <= 0 {
		errs = append(errs, errors.New("default_quota and default_window must be positive"))
	}
	if len(auth.ParseAllowList(c.TrustedProxies)) != len(c.TrustedProxies) {
		errs = append(errs, errors.New("trusted_proxies must be addresses or CIDRs"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	return errors.Join(errs...)
}

// env values arrive as one comma separated string
func normalizeList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
