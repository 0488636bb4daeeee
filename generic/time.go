package generic

import (
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected so tests control timestamps
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable time and advances by Step on every call.
type FixedClock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t, Step: time.Second}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.Step)
	return now
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// =============================================================================
// DATES - ISO-8601 at the boundary
// =============================================================================

const DateLayout = "2006-01-02"

// ParseDate accepts RFC3339 timestamps or plain YYYY-MM-DD dates.
// Empty input returns the zero time and no error.
func ParseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, Invalid(field, "not an ISO-8601 date: %q", s)
}

// DayKey formats t as YYYYMMDD for document numbers.
func DayKey(t time.Time) string {
	return t.Format("20060102")
}
