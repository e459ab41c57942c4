package config

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Config reads typed values out of a decoded document or an engine's
// configurable map. Accessors fall back to the supplied default when a key
// is absent or holds a value of the wrong shape.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map behaves as an empty one.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// String returns the string at key.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// ID returns an identifier for key, or defaultVal if missing.
//
// Engines hand over thread and checkpoint identifiers as whatever type
// their caller used, so integral numbers are formatted in base 10.
// Accepts:
//   - string: used directly
//   - int, int64, uint64: formatted
//   - float64: formatted only if it has no fractional part
//   - json.Number: used directly
func (c Config) ID(key, defaultVal string) string {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		if isIntegral(val) {
			return strconv.FormatInt(int64(val), 10)
		}
	case json.Number:
		return val.String()
	}
	return defaultVal
}

// Int returns the integer at key. Decoded documents carry numbers as
// float64 (JSON, YAML floats) or int/uint64 (YAML, CBOR); all of them are
// accepted as long as the value is integral.
func (c Config) Int(key string, defaultVal int) int {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case uint64:
		return int(val)
	case float64:
		if isIntegral(val) {
			return int(val)
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal if missing or not a bool.
// The strings "true" and "false" are accepted so env-style values work.
func (c Config) Bool(key string, defaultVal bool) bool {
	switch val := c.data[key].(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal if missing or invalid.
//
// Accepts:
//   - string: parsed with time.ParseDuration
//   - int, float64: interpreted as seconds
//   - time.Duration: used directly
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	switch val := c.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case int:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	case time.Duration:
		return val
	}
	return defaultVal
}

// Sub returns the nested map stored at key as a Config.
// A missing or non-map value yields an empty Config.
func (c Config) Sub(key string) Config {
	switch val := c.data[key].(type) {
	case map[string]any:
		return New(val)
	case Config:
		return val
	}
	return New(nil)
}

// Has reports whether key is present, whatever its value.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw exposes the wrapped map for iteration. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}

// isIntegral reports whether f is a whole number that converts to int64
// exactly. float64(math.MaxInt64) is 2^63, which is itself out of range.
func isIntegral(f float64) bool {
	return f >= math.MinInt64 && f < math.MaxInt64 && f == math.Trunc(f)
}
