package contract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/unidrive/unidrive-go/internal/fsid"
)

// Byte multiplier constants. Size literals use the binary multiplier
// throughout: "5MB" means 5 × 2^20 bytes. The IEC suffixes (KiB, MiB,
// GiB, TiB) are accepted as synonyms of their two-letter forms. This
// is the single canonical definition for every chunk-size and
// threshold boundary in the codebase.
const (
	Kilobyte = 1024
	Megabyte = 1024 * Kilobyte
	Gigabyte = 1024 * Megabyte
	Terabyte = 1024 * Gigabyte
)

// ParseSize converts a human-readable size string to a byte count.
// Empty string and "0" return 0. A bare number is raw bytes.
// Malformed input fails with an fsid.ErrFormat-wrapped error.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	upper := strings.ToUpper(s)

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", Terabyte},
		{"GIB", Gigabyte},
		{"MIB", Megabyte},
		{"KIB", Kilobyte},
		{"TB", Terabyte},
		{"GB", Gigabyte},
		{"MB", Megabyte},
		{"KB", Kilobyte},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])

			n, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("contract: invalid size %q: %w", s, fsid.ErrFormat)
			}

			if n < 0 {
				return 0, fmt.Errorf("contract: invalid size %q: must be non-negative: %w", s, fsid.ErrFormat)
			}

			return int64(n * float64(sf.multiplier)), nil
		}
	}

	// No suffix: raw bytes.
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("contract: invalid size %q: %w", s, fsid.ErrFormat)
	}

	if n < 0 {
		return 0, fmt.Errorf("contract: invalid size %q: must be non-negative: %w", s, fsid.ErrFormat)
	}

	return n, nil
}

// FormatSize returns a human-readable size string (e.g. "1.2 MB")
// using the same binary multiplier as ParseSize.
func FormatSize(bytes int64) string {
	switch {
	case bytes >= Terabyte:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(Terabyte))
	case bytes >= Gigabyte:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(Gigabyte))
	case bytes >= Megabyte:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(Megabyte))
	case bytes >= Kilobyte:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(Kilobyte))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
