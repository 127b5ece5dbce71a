package stats

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a human-readable size string into bytes.
// Supports: 100, 100B, 100K, 100M, 100G, 100T, 100MB (case-insensitive).
// Uses powers of 1024 (matching rsync behavior).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// A trailing B is optional after a unit suffix ("100MB" == "100M").
	upper := strings.ToUpper(s)
	if len(upper) >= 2 && strings.HasSuffix(upper, "B") &&
		strings.ContainsAny(upper[len(upper)-2:len(upper)-1], "KMGT") {
		upper = upper[:len(upper)-1]
	}

	multiplier := int64(1)
	numStr := upper

	switch last := upper[len(upper)-1:]; last {
	case "B":
		multiplier = 1
		numStr = upper[:len(upper)-1]
	case "K":
		multiplier = 1024
		numStr = upper[:len(upper)-1]
	case "M":
		multiplier = 1024 * 1024
		numStr = upper[:len(upper)-1]
	case "G":
		multiplier = 1024 * 1024 * 1024
		numStr = upper[:len(upper)-1]
	case "T":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = upper[:len(upper)-1]
	default:
		// No suffix, try parsing as plain number.
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	// Try integer first, then float.
	if n, err := strconv.ParseInt(numStr, 10, 64); err == nil {
		return n * multiplier, nil
	}

	f, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	return int64(f * float64(multiplier)), nil
}
