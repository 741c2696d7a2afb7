package domain

import (
	"strconv"
	"strings"
	"time"
)

// QuietWindow is a per-tenant wall-clock window during which non-urgent
// messages are deferred. Windows may wrap midnight (start > end). A window
// built from missing or malformed clock strings is disabled, and a
// degenerate window (start == end) never matches.
type QuietWindow struct {
	start int // minutes since midnight
	end   int
	valid bool
}

// NewQuietWindow parses "HH:MM" start/end clock strings.
func NewQuietWindow(start, end string) QuietWindow {
	s, okS := ParseClockMinutes(start)
	e, okE := ParseClockMinutes(end)
	if !okS || !okE {
		return QuietWindow{}
	}
	return QuietWindow{start: s, end: e, valid: true}
}

// ParseClockMinutes parses "HH:MM" into minutes since midnight.
func ParseClockMinutes(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// Enabled reports whether the window was built from two valid clocks.
func (w QuietWindow) Enabled() bool { return w.valid }

// Contains reports whether t falls inside the quiet window.
func (w QuietWindow) Contains(t time.Time) bool {
	if !w.valid {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	switch {
	case w.start < w.end:
		return w.start <= cur && cur < w.end
	case w.start > w.end:
		// wraps midnight
		return cur >= w.start || cur < w.end
	}
	return false
}

// NextAllowed returns the first instant strictly after now at which the
// window no longer applies: today at end, rolled to tomorrow when the
// current time already passed end (or sits in the pre-midnight half of a
// wrapping window).
func (w QuietWindow) NextAllowed(now time.Time) time.Time {
	cur := now.Hour()*60 + now.Minute()
	next := time.Date(now.Year(), now.Month(), now.Day(), w.end/60, w.end%60, 0, 0, now.Location())

	if w.start > w.end {
		if cur >= w.start {
			next = next.AddDate(0, 0, 1)
		}
	} else if cur >= w.end {
		next = next.AddDate(0, 0, 1)
	}
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
