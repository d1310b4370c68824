package config

// Redis backs the seat lock table, the realtime bridge, rate limiting and
// the showtime response cache.  If it cannot be reached at startup,
// NewRedisClient returns nil and callers either refuse to start (redis lock
// backend) or switch the optional features off.

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the client settings.  URL wins over the other fields.
type RedisConfig struct {
	URL          string // redis:// or rediss:// URL
	Addr         string
	Password     string
	DB           int
	TLS          bool
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

// LoadRedisConfig reads the REDIS_* variables:
//
//	REDIS_URL – full URL; other variables are ignored except the pool settings
//	REDIS_HOST and REDIS_PORT – hostname and port (take precedence over REDIS_ADDR)
//	REDIS_ADDR – host:port shorthand, default localhost:6379
//	REDIS_PASSWORD, REDIS_DB, REDIS_TLS
//	REDIS_POOL_SIZE, REDIS_MIN_IDLE_CONNS, REDIS_DIAL_TIMEOUT, REDIS_READ_TIMEOUT, REDIS_WRITE_TIMEOUT
func LoadRedisConfig() RedisConfig {
	c := RedisConfig{
		URL:          envStr("REDIS_URL", ""),
		Addr:         envStr("REDIS_ADDR", "localhost:6379"),
		Password:     envStr("REDIS_PASSWORD", ""),
		DB:           envInt("REDIS_DB", 0),
		TLS:          envBool("REDIS_TLS", false),
		PoolSize:     envInt("REDIS_POOL_SIZE", 50),
		MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 5),
		DialTimeout:  envDur("REDIS_DIAL_TIMEOUT", 2*time.Second),
		ReadTimeout:  envDur("REDIS_READ_TIMEOUT", time.Second),
		WriteTimeout: envDur("REDIS_WRITE_TIMEOUT", time.Second),
		PingTimeout:  2 * time.Second,
	}
	host, port := envStr("REDIS_HOST", ""), envStr("REDIS_PORT", "")
	if host != "" && port != "" {
		c.Addr = host + ":" + port
	}
	if c.PoolSize < 1 {
		c.PoolSize = 50
	}
	if c.MinIdleConns < 0 {
		c.MinIdleConns = 0
	}
	return c
}

// Options converts the config into go-redis options.
func (c RedisConfig) Options() (*redis.Options, error) {
	var opt *redis.Options
	if c.URL != "" {
		o, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, err
		}
		opt = o
	} else {
		opt = &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
		if c.TLS {
			opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostOnly(c.Addr)}
		}
	}
	opt.PoolSize = c.PoolSize
	opt.MinIdleConns = c.MinIdleConns
	opt.DialTimeout = c.DialTimeout
	opt.ReadTimeout = c.ReadTimeout
	opt.WriteTimeout = c.WriteTimeout
	return opt, nil
}

// NewRedisClient builds a client from LoadRedisConfig and pings it.  The
// returned client is nil if the config is invalid or the server does not
// answer.
func NewRedisClient() *redis.Client {
	cfg := LoadRedisConfig()
	opt, err := cfg.Options()
	if err != nil {
		return nil
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}

func hostOnly(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
