package binstore

import (
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions returns redis.Options for cfg. Options keys "password",
// "db", "pool_size" and "min_idle_conns" override the environment
// variables REDIS_PASSWORD and REDIS_DB; the address comes from cfg.Addr,
// then REDIS_ADDR, then "localhost:6379".
//
//	client := redis.NewClient(binstore.RedisOptions(cfg))
//
// Construct redis.Options directly for Sentinel, cluster or TLS setups.
func RedisOptions(cfg BackendConfig) *redis.Options {
	opts := &redis.Options{
		Addr:     firstNonEmpty(cfg.Addr, os.Getenv("REDIS_ADDR"), "localhost:6379"),
		Password: firstNonEmpty(cfg.Options["password"], os.Getenv("REDIS_PASSWORD")),
		DB:       atoiOr(firstNonEmpty(cfg.Options["db"], os.Getenv("REDIS_DB")), 0),
	}
	if n := atoiOr(cfg.Options["pool_size"], 0); n > 0 {
		opts.PoolSize = n
	}
	if n := atoiOr(cfg.Options["min_idle_conns"], 0); n > 0 {
		opts.MinIdleConns = n
	}
	return opts
}

// OpenBackend creates the backend cfg describes. A Redis backend owns its
// client and fails fast through a circuit breaker once Redis is down.
func OpenBackend(cfg BackendConfig, logger Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	switch cfg.Type {
	case "redis":
		opts := []RedisOption{
			WithOwnedClient(),
			WithRedisLogger(logger),
			WithRedisCircuitBreaker(NewCircuitBreaker(5, 10*time.Second)),
		}
		if cfg.Prefix != "" {
			opts = append(opts, WithRedisPrefix(cfg.Prefix))
		}
		if n := atoiOr(cfg.Options["page_size"], 0); n > 0 {
			opts = append(opts, WithRedisPageSize(n))
		}
		return NewRedisBackend(redis.NewClient(RedisOptions(cfg)), opts...), nil
	default:
		return NewMemoryBackend(), nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// atoiOr parses s, falling back to def when s is empty or malformed.
func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
