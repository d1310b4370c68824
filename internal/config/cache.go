package config

import (
	"strings"
	"time"
)

// CacheConfig configures the Redis response cache placed in front of the
// read-only showtime detail route.  Seat maps are never cached.
// Methods lists the HTTP methods to cache.  KeyStrategy picks the request
// parts that form the key: route, method_route or route_query.  Responses
// larger than MaxBodyBytes pass through uncached.
type CacheConfig struct {
	Enabled      bool
	Methods      map[string]bool
	TTL          time.Duration
	KeyStrategy  string
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads the CACHE_* variables.  The key prefix follows
// SEAT_LOCK_PREFIX so one Redis can serve several deployments.
func LoadCacheConfig() CacheConfig {
	c := CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		Methods:      parseMethods(envStr("CACHE_METHODS", "GET,HEAD")),
		TTL:          envDur("CACHE_TTL", time.Minute),
		KeyStrategy:  envStr("CACHE_KEY_STRATEGY", "route_query"),
		Prefix:       envStr("CACHE_PREFIX", envStr("SEAT_LOCK_PREFIX", "cineverse")+":cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 256<<10),
	}
	if c.TTL <= 0 {
		c.TTL = time.Minute
	}
	if c.MaxBodyBytes < 1 {
		c.MaxBodyBytes = 256 << 10
	}
	return c
}

func parseMethods(s string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}
