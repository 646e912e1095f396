// Package config reads service settings from the environment.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// GetString returns the trimmed value of key, or fallback when unset or blank.
func GetString(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

// GetInt parses key as an integer.
func GetInt(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// GetBool parses key as a boolean.
func GetBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// GetDuration accepts a Go duration ("90s") or a bare integer counted in unit.
// Negative values fall back.
func GetDuration(key string, fallback, unit time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			log.Printf("invalid value for %s: negative", key)
			return fallback
		}
		return time.Duration(n) * unit
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		log.Printf("invalid value for %s: %q", key, value)
		return fallback
	}
	return d
}
