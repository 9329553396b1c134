package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseLimit parses a bandwidth limit expressed as a decimal number with an
// optional case-insensitive unit suffix (K, KB, M, MB, G, GB). A bare number
// is bytes/second. Units are base-1024: 1K = 1024 bytes/second.
func parseLimit(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty limit")
	}

	upper := strings.ToUpper(s)
	multiplier := uint64(1)
	numPart := upper

	switch {
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1 << 30
		numPart = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "G"):
		multiplier = 1 << 30
		numPart = strings.TrimSuffix(upper, "G")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1 << 20
		numPart = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "M"):
		multiplier = 1 << 20
		numPart = strings.TrimSuffix(upper, "M")
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1 << 10
		numPart = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "K"):
		multiplier = 1 << 10
		numPart = strings.TrimSuffix(upper, "K")
	}

	numPart = strings.TrimSpace(numPart)
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid limit %q: must not be negative", s)
	}

	return uint64(value * float64(multiplier)), nil
}
