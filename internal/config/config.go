package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. N4H_PG_DSN.
const EnvPrefix = "N4H"

// Config holds the configuration for the service.
type Config struct {
	HTTP struct {
		Addr        string   `mapstructure:"addr"`
		CORSOrigins []string `mapstructure:"cors_origins"`
		MaxBody     int64    `mapstructure:"max_body"`
	} `mapstructure:"http"`
	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`
	PG struct {
		// DSN selects the PostgreSQL stores; empty keeps everything in memory.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"pg"`
	Auth struct {
		Secret      string        `mapstructure:"secret"`
		IssueTokens bool          `mapstructure:"issue_tokens"`
		TokenTTL    time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	Core struct {
		// Account is the spender identity payers approve for reward payments.
		Account string   `mapstructure:"account"`
		Admins  []string `mapstructure:"admins"`
	} `mapstructure:"core"`
	RateLimit struct {
		Burst     int     `mapstructure:"burst"`
		PerSecond float64 `mapstructure:"per_second"`
	} `mapstructure:"ratelimit"`
	Stream struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"stream"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.max_body", 1<<20)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("pg.dsn", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issue_tokens", false)
	v.SetDefault("auth.token_ttl", 15*time.Minute)
	v.SetDefault("core.account", "nut4health")
	v.SetDefault("core.admins", []string{})
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.per_second", 10.0)
	v.SetDefault("stream.enabled", true)
}

// Load reads defaults, then an optional YAML file, then N4H_* environment
// variables. With an empty path a config.yaml in . or ./config is used when
// present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Auth.Secret = strings.TrimSpace(c.Auth.Secret)
	c.Core.Account = strings.TrimSpace(c.Core.Account)
	c.Core.Admins = splitList(c.Core.Admins)
	c.HTTP.CORSOrigins = splitList(c.HTTP.CORSOrigins)
}

// Validate reports the first setting the service cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Auth.Secret == "":
		return errors.New("config: auth.secret is required")
	case c.Auth.TokenTTL <= 0:
		return errors.New("config: auth.token_ttl must be positive")
	case c.Core.Account == "":
		return errors.New("config: core.account is required")
	case c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0:
		return errors.New("config: ratelimit values must not be negative")
	}
	return nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
