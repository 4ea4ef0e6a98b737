package contract

import (
	"fmt"
	"strconv"
	"time"

	"github.com/unidrive/unidrive-go/internal/fsid"
)

// EpochSentinel is substituted for timestamps a backend does not
// report. Callers can compare against it to detect "unknown".
var EpochSentinel = time.Unix(0, 0).UTC()

// NormalizeTime parses an RFC 3339 timestamp from a backend response.
// An empty string normalizes to EpochSentinel; a present but
// malformed value fails with an fsid.ErrFormat-wrapped error.
func NormalizeTime(raw string) (time.Time, error) {
	if raw == "" {
		return EpochSentinel, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("contract: invalid timestamp %q: %w", raw, fsid.ErrFormat)
	}

	return t.UTC(), nil
}

// ParseInt64 parses a numeric metadata field. Malformed input fails
// with an fsid.ErrFormat-wrapped error naming the field.
func ParseInt64(field, raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("contract: invalid %s %q: %w", field, raw, fsid.ErrFormat)
	}

	return n, nil
}

// Quota carries a backend's quota report. Backends express quota as
// different combinations of total, used, and remaining; nil marks a
// field the backend did not report.
type Quota struct {
	Total     *int64
	Used      *int64
	Remaining *int64
}

// Normalize derives the canonical (used, free) pair, computing the
// missing field by subtraction when two of the three are known.
// Unknown fields resolve to zero; derived negatives clamp to zero
// (a backend reporting used > total is not an error here).
func (q Quota) Normalize() (used, free int64) {
	if q.Used != nil {
		used = *q.Used
	}

	if q.Remaining != nil {
		free = *q.Remaining
	}

	switch {
	case q.Used == nil && q.Total != nil && q.Remaining != nil:
		used = max(*q.Total-*q.Remaining, 0)
	case q.Remaining == nil && q.Total != nil && q.Used != nil:
		free = max(*q.Total-*q.Used, 0)
	}

	return used, free
}
