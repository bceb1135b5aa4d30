// Package env reads typed settings from the process environment. Unset or empty
// variables yield the fallback; malformed ones log a warning and yield it too.
package env

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "key", key, "value", raw, "error", err)
		return fallback
	}
	return v
}

func Str(key, fallback string) string {
	return lookup(key, fallback, func(s string) (string, error) { return s, nil })
}

func Int(key string, fallback int) int {
	return lookup(key, fallback, strconv.Atoi)
}

func Float(key string, fallback float64) float64 {
	return lookup(key, fallback, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// Bool accepts the spellings strconv.ParseBool does.
func Bool(key string, fallback bool) bool {
	return lookup(key, fallback, strconv.ParseBool)
}

// Duration accepts time.ParseDuration syntax such as "30s" or "1m30s".
func Duration(key string, fallback time.Duration) time.Duration {
	return lookup(key, fallback, time.ParseDuration)
}
