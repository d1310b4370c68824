package config

import "time"

// RateLimitConfig configures the token bucket in front of lock acquisition.
// A bucket holds Capacity tokens and regains RefillTokens every
// RefillInterval.  Buckets idle for TTL are dropped by Redis.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string // ip, user, route, ip_user, ip_route, user_route or ip_user_route
	Prefix         string
	Debug          bool // log every decision
}

// LoadRateLimitConfig reads the RATE_LIMIT_* variables.  The defaults allow a
// burst of 20 lock attempts per viewer and route, refilled at one every
// three seconds, which is generous for a person picking seats and tight for
// a script sweeping a hall.  RATE_LIMIT_BURST and RATE_LIMIT_REFILL_EVERY are
// shorthands for Capacity and a one-token refill.
func LoadRateLimitConfig() RateLimitConfig {
	c := RateLimitConfig{
		Enabled:        envBool("RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("RATE_LIMIT_CAPACITY", 20),
		RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", 3*time.Second),
		TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    envStr("RATE_LIMIT_KEY_STRATEGY", "ip_user_route"),
		Prefix:         envStr("RATE_LIMIT_PREFIX", envStr("SEAT_LOCK_PREFIX", "cineverse")+":rl"),
		Debug:          envBool("RATE_LIMIT_DEBUG", false),
	}
	if b := envInt("RATE_LIMIT_BURST", 0); b > 0 {
		c.Capacity = b
	}
	if every := envDur("RATE_LIMIT_REFILL_EVERY", 0); every > 0 {
		c.RefillTokens, c.RefillInterval = 1, every
	}
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = 3 * time.Second
	}
	// a bucket must outlive a full refill or it resets to full early
	if full := time.Duration(c.Capacity/c.RefillTokens+1) * c.RefillInterval; c.TTL < full {
		c.TTL = full
	}
	return c
}
