package ocr

import (
	"sync"
	"time"
)

// QuotaWarningRatio is the fraction of the daily limit that triggers the
// one-shot warning.
const QuotaWarningRatio = 0.7

// QuotaTracker accounts daily tile consumption for hosted OCR endpoints.
// The warning is edge-triggered: at most once per UTC day per tracker.
type QuotaTracker struct {
	mu         sync.Mutex
	currentDay string
	count      int
	warned     bool
	now        func() time.Time
}

// NewQuotaTracker returns a tracker on the real clock.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{now: time.Now}
}

// WithClock overrides the clock. Reserved for tests.
func (t *QuotaTracker) WithClock(now func() time.Time) *QuotaTracker {
	if now != nil {
		t.now = now
	}
	return t
}

// Record adds tiles to today's count and reports the quota status. A zero
// limit disables accounting.
func (t *QuotaTracker) Record(tiles, limit int, ratio float64) QuotaStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	today := t.now().UTC().Format("2006-01-02")
	if t.currentDay != today {
		t.currentDay = today
		t.count = 0
		t.warned = false
	}
	t.count += tiles
	warning := false
	if limit > 0 && !t.warned && t.count >= int(float64(limit)*ratio) {
		warning = true
		t.warned = true
	}
	status := QuotaStatus{Limit: limit, ThresholdRatio: ratio, WarningTriggered: warning}
	if limit > 0 {
		status.Used = t.count
	}
	return status
}

// Status reports current usage without consuming the warning edge.
func (t *QuotaTracker) Status(limit int, ratio float64) QuotaStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := QuotaStatus{Limit: limit, ThresholdRatio: ratio}
	if limit > 0 && t.currentDay == t.now().UTC().Format("2006-01-02") {
		status.Used = t.count
	}
	return status
}

// Reset clears accounting. Reserved for tests.
func (t *QuotaTracker) Reset() {
	t.mu.Lock()
	t.currentDay = ""
	t.count = 0
	t.warned = false
	t.mu.Unlock()
}
