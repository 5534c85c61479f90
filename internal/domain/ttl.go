// Package domain ttl.go contains functions to validate and apply record TTLs.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// ValidateTTL checks that ttl is positive and within [min, max].
// Returns ErrTTLInvalid on any violation.
func ValidateTTL(ttl, minTTL, maxTTL time.Duration) error {
	if ttl <= 0 {
		return ErrTTLInvalid
	}
	if ttl < minTTL {
		return ErrTTLInvalid
	}
	if ttl > maxTTL {
		return ErrTTLInvalid
	}
	return nil
}

// ClampTTL returns ttl constrained to the inclusive range [min, max].
// If ttl < min it returns min; if ttl > max it returns max; otherwise ttl.
func ClampTTL(ttl, minTTL, maxTTL time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// IsTTLValid is a convenience wrapper returning true if ValidateTTL reports no error.
func IsTTLValid(ttl, minTTL, maxTTL time.Duration) bool {
	return ValidateTTL(ttl, minTTL, maxTTL) == nil
}

// ExpiresAt returns the absolute expiry for a record written at now, truncated
// to the millisecond precision it is stored with.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	return now.Add(ttl).Truncate(time.Millisecond).UTC()
}

// Expired reports whether an expiry instant has elapsed at now. A record
// expiring exactly at now counts as expired.
func Expired(expires, now time.Time) bool {
	return !now.Before(expires)
}

// ParseTTL parses a Go duration string, additionally accepting a whole
// number of days with a "d" suffix (e.g. "7d").
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrTTLInvalid
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil || n < 0 {
			return 0, ErrTTLInvalid
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, ErrTTLInvalid
	}
	return d, nil
}
