package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Duration is a time.Duration that reads from "10s"-style strings or from
// a plain number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("duration must be a number of seconds or a string, got %T", v)
	}
}

// UnmarshalText also serves environment variables.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Size is a byte count that reads from human-friendly strings such as
// "16MB" or "1.5GiB" as well as from plain numbers.
type Size int64

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Size) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return fmt.Errorf("size must be a whole number of bytes, got %v", v)
		}
		*s = Size(v)
		return nil
	case string:
		return s.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
}

func (s *Size) UnmarshalText(text []byte) error {
	n, err := ParseDataSize(string(text))
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// String formats s with binary units.
func (s Size) String() string {
	return FormatDataSize(int64(s))
}

var sizeUnits = map[string]int64{
	"B":   1,
	"K":   1000,
	"KB":  1000,
	"M":   1000 * 1000,
	"MB":  1000 * 1000,
	"G":   1000 * 1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
}

// ParseDataSize parses sizes like "512", "100KB", "16MB" or "1.5GiB" into
// bytes. Decimal units are 1000-based, the "iB" units 1024-based.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return val, nil
	}

	split := strings.IndexFunc(sizeStr, unicode.IsLetter)
	if split <= 0 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '16MB', '512KB', '1GiB')", sizeStr)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(sizeStr[:split]), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid numeric value: %s", sizeStr[:split])
	}
	unit := strings.ToUpper(sizeStr[split:])
	multiplier, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", sizeStr[split:])
	}

	bytes := value * float64(multiplier)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size overflow: %s", sizeStr)
	}
	return int64(bytes), nil
}

// FormatDataSize formats bytes with binary units.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes) / unit
	exp := 0
	for value >= unit && exp < len(units)-1 {
		value /= unit
		exp++
	}
	if value == math.Trunc(value) {
		return fmt.Sprintf("%d%s", int64(value), units[exp])
	}
	return fmt.Sprintf("%.1f%s", value, units[exp])
}
