// Package config loads server and CLI configuration from an optional file
// and BINSTORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adrianmcphee/binstore"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable Load reads, e.g.
// BINSTORE_REDIS_ADDR for redis.addr.
const EnvPrefix = "BINSTORE"

// Config is the complete configuration of a binstore process.
type Config struct {
	Port        int           `mapstructure:"port"`
	DataDir     string        `mapstructure:"data_dir"`
	Namespace   string        `mapstructure:"namespace"`
	Backend     string        `mapstructure:"backend"`
	LogLevel    string        `mapstructure:"log_level"`
	Development bool          `mapstructure:"development"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Policy      PolicyConfig  `mapstructure:"policy"`
	Indexes     []IndexConfig `mapstructure:"indexes"`
	// CatalogRefresh is the background index catalog refresh interval.
	CatalogRefresh time.Duration `mapstructure:"catalog_refresh"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	PageSize int    `mapstructure:"page_size"`
}

type PolicyConfig struct {
	ScansAllowed       bool          `mapstructure:"scans_allowed"`
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
	BatchConcurrency   int           `mapstructure:"batch_concurrency"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

// IndexConfig declares a secondary index to create at startup. Type is
// "numeric" or "string"; Collection is empty, "list", "mapkeys" or
// "mapvalues".
type IndexConfig struct {
	Name       string `mapstructure:"name"`
	Set        string `mapstructure:"set"`
	Bin        string `mapstructure:"bin"`
	Type       string `mapstructure:"type"`
	Collection string `mapstructure:"collection"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 5433)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("namespace", "default")
	v.SetDefault("backend", "memory")
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("catalog_refresh", binstore.DefaultCatalogRefreshInterval)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", binstore.DefaultRedisPrefix)
	v.SetDefault("redis.page_size", binstore.DefaultScanPageSize)
	v.SetDefault("policy.scans_allowed", true)
	v.SetDefault("policy.max_batch_size", binstore.DefaultBatchSize)
	v.SetDefault("policy.batch_concurrency", binstore.DefaultBatchConcurrency)
	v.SetDefault("policy.slow_query_threshold", binstore.DefaultSlowQueryThreshold)
}

// Load reads the configuration. When path is empty a binstore.{yaml,json,toml}
// in the working directory is used if present. Environment variables take
// precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("binstore")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return binstore.WithContext(binstore.ErrInvalidConfig, map[string]interface{}{
			"field":  "port",
			"value":  c.Port,
			"reason": "must be between 1 and 65535",
		})
	}
	if err := c.BackendConfig().Validate(); err != nil {
		return err
	}
	if err := c.StorePolicy().Validate(); err != nil {
		return err
	}
	_, err := c.IndexDescriptors()
	return err
}

// BackendConfig maps the configuration onto binstore.OpenBackend's input.
func (c *Config) BackendConfig() binstore.BackendConfig {
	cfg := binstore.BackendConfig{Type: c.Backend, Namespace: c.Namespace}
	if c.Backend == "redis" {
		cfg.Addr = c.Redis.Addr
		cfg.Prefix = c.Redis.Prefix
		cfg.Options = map[string]string{
			"db":        fmt.Sprint(c.Redis.DB),
			"page_size": fmt.Sprint(c.Redis.PageSize),
		}
		if c.Redis.Password != "" {
			cfg.Options["password"] = c.Redis.Password
		}
	}
	return cfg
}

// StorePolicy returns the store policy.
func (c *Config) StorePolicy() binstore.Policy {
	p := binstore.DefaultPolicy()
	p.ScansAllowed = c.Policy.ScansAllowed
	p.MaxBatchSize = c.Policy.MaxBatchSize
	p.BatchConcurrency = c.Policy.BatchConcurrency
	p.SlowQueryThreshold = c.Policy.SlowQueryThreshold
	return p
}

// IndexDescriptors converts the configured indexes, all in the configured
// namespace.
func (c *Config) IndexDescriptors() ([]binstore.IndexDescriptor, error) {
	out := make([]binstore.IndexDescriptor, 0, len(c.Indexes))
	for _, ic := range c.Indexes {
		d := binstore.IndexDescriptor{Name: ic.Name, Namespace: c.Namespace, Set: ic.Set, Bin: ic.Bin}
		switch strings.ToLower(ic.Type) {
		case "numeric":
			d.Type = binstore.IndexNumeric
		case "string":
			d.Type = binstore.IndexString
		default:
			return nil, binstore.WithContext(binstore.ErrInvalidConfig, map[string]interface{}{
				"index":  ic.Name,
				"field":  "type",
				"value":  ic.Type,
				"reason": "must be numeric or string",
			})
		}
		switch strings.ToLower(ic.Collection) {
		case "", "none":
		case "list":
			d.Collection = binstore.CollectionList
		case "mapkeys":
			d.Collection = binstore.CollectionMapKeys
		case "mapvalues":
			d.Collection = binstore.CollectionMapValues
		default:
			return nil, binstore.WithContext(binstore.ErrInvalidConfig, map[string]interface{}{
				"index":  ic.Name,
				"field":  "collection",
				"value":  ic.Collection,
				"reason": "must be list, mapkeys or mapvalues",
			})
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Logger builds the zap-backed logger the configuration asks for.
func (c *Config) Logger() (binstore.Logger, error) {
	if c.Development {
		return binstore.NewDevelopmentZapLogger()
	}
	return binstore.NewProductionZapLogger(c.LogLevel)
}
