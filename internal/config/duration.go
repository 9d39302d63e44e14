package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration knobs are plain strings in the config file ("50ms", "1m30s") so
// the file stays hand-editable; parsing happens once, at the config boundary.

// ParseDurationField parses one duration knob. Empty means unset and parses
// to zero. Negative values are rejected: no remindd knob means anything
// backwards in time.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with unset (or zero) mapping
// to def. The scheduler and dispatch timing knobs all route through here so
// an empty config section yields the built-in defaults.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
