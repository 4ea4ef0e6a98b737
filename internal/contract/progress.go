package contract

// Progress reports cumulative transfer state. Both fields are
// non-negative; Transferred never exceeds Total.
type Progress struct {
	Transferred int64
	Total       int64
}

// ProgressFunc receives progress updates during a transfer. Must be
// cheap; called after every chunk.
type ProgressFunc func(Progress)

// Tracker accumulates transferred bytes for one transfer and emits
// monotonically non-decreasing Progress values. When a transfer
// restarts from the beginning after a failure, Reset rewinds the
// internal counter but reported progress holds at the high-water mark
// so observers never see it move backwards.
type Tracker struct {
	total     int64
	current   int64
	highWater int64
	fn        ProgressFunc
}

// NewTracker creates a Tracker for a transfer of total bytes.
// fn may be nil, in which case updates are counted but not reported.
func NewTracker(total int64, fn ProgressFunc) *Tracker {
	return &Tracker{total: total, fn: fn}
}

// Add records n more transferred bytes and reports progress.
// Values clamp at the transfer total.
func (t *Tracker) Add(n int64) {
	t.current = min(t.current+n, t.total)
	t.highWater = max(t.highWater, t.current)

	if t.fn != nil {
		t.fn(Progress{Transferred: t.highWater, Total: t.total})
	}
}

// Reset rewinds the internal counter to zero for a restarted
// transfer. The reported high-water mark is preserved.
func (t *Tracker) Reset() {
	t.current = 0
}

// Transferred returns the current (not high-water) byte count.
func (t *Tracker) Transferred() int64 {
	return t.current
}
