// Package config loads mailverify settings from defaults, an optional YAML
// file and MAILVERIFY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("config: invalid value")

const EnvPrefix = "MAILVERIFY"

type Config struct {
	MaxWorkers              int      `mapstructure:"max_workers"`
	ProbeTimeoutSeconds     float64  `mapstructure:"probe_timeout_seconds"`
	MXCacheTTLSeconds       int      `mapstructure:"mx_cache_ttl_seconds"`
	CatchAllCacheTTLSeconds int      `mapstructure:"catchall_cache_ttl_seconds"`
	GlobalMaxProbes         int      `mapstructure:"global_max_probes"`
	ProbeRatePerSecond      float64  `mapstructure:"probe_rate_per_second"`
	HeloDomain              string   `mapstructure:"helo_domain"`
	MailFrom                string   `mapstructure:"mail_from"`
	SMTPPort                int      `mapstructure:"smtp_port"`
	MaxMXHosts              int      `mapstructure:"max_mx_hosts"`
	MaxConnsPerHost         int      `mapstructure:"max_conns_per_host"`
	CatchAllDetection       bool     `mapstructure:"catch_all_detection"`
	ProviderTable           string   `mapstructure:"provider_table"`
	DatabasePath            string   `mapstructure:"database_path"`
	RedisURL                string   `mapstructure:"redis_url"`
	Nameservers             []string `mapstructure:"nameservers"`
	ListenAddr              string   `mapstructure:"listen_addr"`
	LogLevel                string   `mapstructure:"log_level"`
	LogFormat               string   `mapstructure:"log_format"`
	StaleJobAfterSeconds    int      `mapstructure:"stale_job_after_seconds"`
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds * float64(time.Second))
}

func (c Config) MXCacheTTL() time.Duration {
	return time.Duration(c.MXCacheTTLSeconds) * time.Second
}

func (c Config) CatchAllCacheTTL() time.Duration {
	return time.Duration(c.CatchAllCacheTTLSeconds) * time.Second
}

func (c Config) StaleJobAfter() time.Duration {
	return time.Duration(c.StaleJobAfterSeconds) * time.Second
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("max_workers", 50)
	v.SetDefault("probe_timeout_seconds", 5)
	v.SetDefault("mx_cache_ttl_seconds", 3600)
	v.SetDefault("catchall_cache_ttl_seconds", 86400)
	v.SetDefault("global_max_probes", 200)
	v.SetDefault("probe_rate_per_second", 0)
	v.SetDefault("helo_domain", "localhost")
	v.SetDefault("mail_from", "verify@localhost")
	v.SetDefault("smtp_port", 25)
	v.SetDefault("max_mx_hosts", 2)
	v.SetDefault("max_conns_per_host", 3)
	v.SetDefault("catch_all_detection", true)
	v.SetDefault("provider_table", "")
	v.SetDefault("database_path", "mailverify.db")
	v.SetDefault("redis_url", "")
	v.SetDefault("nameservers", []string{})
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("stale_job_after_seconds", 900)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in defaults, ignoring the environment.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

// Load reads path (if not empty) on top of the defaults and environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	// comma separated lists arrive from the environment as one string
	if len(c.Nameservers) == 1 && strings.Contains(c.Nameservers[0], ",") {
		c.Nameservers = strings.Split(c.Nameservers[0], ",")
	}
	for i := range c.Nameservers {
		c.Nameservers[i] = strings.TrimSpace(c.Nameservers[i])
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, key string, val any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s=%v", ErrInvalid, key, val))
		}
	}
	check(c.MaxWorkers > 0, "max_workers", c.MaxWorkers)
	check(c.ProbeTimeoutSeconds > 0, "probe_timeout_seconds", c.ProbeTimeoutSeconds)
	check(c.MXCacheTTLSeconds > 0, "mx_cache_ttl_seconds", c.MXCacheTTLSeconds)
	check(c.CatchAllCacheTTLSeconds > 0, "catchall_cache_ttl_seconds", c.CatchAllCacheTTLSeconds)
	check(c.GlobalMaxProbes >= 0, "global_max_probes", c.GlobalMaxProbes)
	check(c.ProbeRatePerSecond >= 0, "probe_rate_per_second", c.ProbeRatePerSecond)
	check(c.SMTPPort > 0 && c.SMTPPort < 65536, "smtp_port", c.SMTPPort)
	check(c.MaxMXHosts > 0, "max_mx_hosts", c.MaxMXHosts)
	check(c.MaxConnsPerHost > 0, "max_conns_per_host", c.MaxConnsPerHost)
	check(c.HeloDomain != "", "helo_domain", c.HeloDomain)
	check(strings.Contains(c.MailFrom, "@"), "mail_from", c.MailFrom)
	check(c.StaleJobAfterSeconds > 0, "stale_job_after_seconds", c.StaleJobAfterSeconds)
	return errors.Join(errs...)
}
