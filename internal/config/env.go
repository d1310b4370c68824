package config

import (
	"os"
	"strconv"
	"time"
)

// Optional-variable helpers.  An empty or unparsable value yields the
// default; required variables go through must/mustInt instead.

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	if dur, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return dur
	}
	return d
}

// envMillis reads an integer number of milliseconds.
func envMillis(k string, d time.Duration) time.Duration {
	if n, err := strconv.ParseInt(os.Getenv(k), 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return d
}
