package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses TTL configuration values. It accepts everything
// time.ParseDuration does plus a "d" suffix for whole days ("30d"), which
// configuration files commonly use for refresh token lifetimes.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("token: empty duration")
	}

	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err != nil {
			return 0, fmt.Errorf("token: invalid duration %q: %w", value, err)
		}
		if days < 0 {
			return 0, fmt.Errorf("token: negative duration %q", value)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("token: invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("token: negative duration %q", value)
	}
	return d, nil
}
