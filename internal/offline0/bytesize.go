package offline0

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// parseBytes reads sizes such as "512", "64kb", "1.5m" or "2G". Units are
// binary; a trailing "b" is optional.
func parseBytes(s string) (int64, error) {
	num := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "b")
	num = strings.TrimSpace(num)
	if num == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	unit := int64(1)
	switch num[len(num)-1] {
	case 'k':
		unit = kib
	case 'm':
		unit = mib
	case 'g':
		unit = gib
	}
	if unit > 1 {
		num = strings.TrimSpace(num[:len(num)-1])
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return int64(v * float64(unit)), nil
}

func formatBytes(b uint64) string {
	switch {
	case b < kib:
		return fmt.Sprintf("%db", b)
	case b < mib:
		return scaled(b, kib) + "kb"
	case b < gib:
		return scaled(b, mib) + "mb"
	default:
		return scaled(b, gib) + "gb"
	}
}

func scaled(b, unit uint64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", float64(b)/float64(unit)), ".0")
}
