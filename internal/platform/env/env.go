// Package env loads the typed environment variables that
// internal/config, internal/platform/objectstore,
// internal/platform/rediscache, and internal/repo/postgres turn into
// their respective Config structs at hub startup.
package env

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// String returns the value of key, or def if key is unset.
func String(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Bool parses key as a bool, or returns def if key is unset.
func Bool(key string, def bool) (bool, error) {
	return parsed(key, def, strconv.ParseBool)
}

// Int parses key as an int, or returns def if key is unset.
func Int(key string, def int) (int, error) {
	return parsed(key, def, strconv.Atoi)
}

// Duration parses key as a time.Duration, or returns def if key is unset.
func Duration(key string, def time.Duration) (time.Duration, error) {
	return parsed(key, def, time.ParseDuration)
}

func parsed[T any](key string, def T, parse func(string) (T, error)) (T, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	v2, err := parse(v)
	if err != nil {
		return def, fmt.Errorf("env: parse %s: %w", key, err)
	}
	return v2, nil
}
