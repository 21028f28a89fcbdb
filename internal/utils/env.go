package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns environment variable value or default if empty
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// GetEnvInt returns the integer value of key, or defaultVal when unset or unparsable.
func GetEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return defaultVal
	}
	return n
}

// GetEnvMillis reads key as a count of milliseconds.
func GetEnvMillis(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

// GetEnvBool treats "1", "true" and "yes" as true.
func GetEnvBool(key string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return defaultVal
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// GetEnvFloat returns a pointer to the parsed value of key, or defaultVal
// when unset or unparsable.
func GetEnvFloat(key string, defaultVal *float64) *float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return defaultVal
	}
	return &f
}

// GetEnvList splits a comma separated value, dropping empty entries.
func GetEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
