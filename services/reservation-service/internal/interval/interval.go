// Package interval holds the wall-clock arithmetic shared by slot generation and conflict
// detection. Times of day are minutes after midnight; intervals are half-open.
package interval

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidInterval = errors.New("invalid interval")

const (
	MinutesPerDay = 24 * 60
	DateLayout    = "2006-01-02"
)

// ParseClock converts "HH:MM" to minutes after midnight. "24:00" is accepted as the end
// of the day so closing times can reach midnight.
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidInterval, s)
	}
	h, okH := twoDigits(s[0], s[1])
	m, okM := twoDigits(s[3], s[4])
	if !okH || !okM || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: time %q out of range", ErrInvalidInterval, s)
	}
	return h*60 + m, nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

// FormatClock renders minutes after midnight as "HH:MM". Values are clamped to [0, 24:00].
func FormatClock(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	if minutes > MinutesPerDay {
		minutes = MinutesPerDay
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// EndTime returns start + duration. The end may be exactly 24:00 but not later.
func EndTime(start string, durationMinutes int) (string, error) {
	iv, err := FromClock(start, durationMinutes)
	if err != nil {
		return "", err
	}
	return FormatClock(iv.End), nil
}

// Interval is the half-open minute range [Start, End).
type Interval struct {
	Start int
	End   int
}

func New(start, end int) (Interval, error) {
	if end < start {
		return Interval{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidInterval, FormatClock(end), FormatClock(start))
	}
	return Interval{Start: start, End: end}, nil
}

// FromClock builds [start, start+duration) from a wall-clock start.
func FromClock(start string, durationMinutes int) (Interval, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Interval{}, err
	}
	if durationMinutes <= 0 {
		return Interval{}, fmt.Errorf("%w: duration must be positive", ErrInvalidInterval)
	}
	end := s + durationMinutes
	if end > MinutesPerDay {
		return Interval{}, fmt.Errorf("%w: %s plus %d minutes passes midnight", ErrInvalidInterval, start, durationMinutes)
	}
	return Interval{Start: s, End: end}, nil
}

// WholeDay is [00:00, 24:00).
func WholeDay() Interval {
	return Interval{Start: 0, End: MinutesPerDay}
}

// Overlaps reports whether two half-open intervals share at least one minute.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End && o.Start < i.End
}

func (i Interval) Contains(minute int) bool {
	return i.Start <= minute && minute < i.End
}

func (i Interval) Duration() int {
	return i.End - i.Start
}

// WidenStart moves the start earlier by m minutes. The result may begin before midnight,
// which is harmless for overlap tests.
func (i Interval) WidenStart(m int) Interval {
	return Interval{Start: i.Start - m, End: i.End}
}

func (i Interval) String() string {
	return "[" + FormatClock(i.Start) + "," + FormatClock(i.End) + ")"
}

// ParseDate parses a "YYYY-MM-DD" calendar day at midnight in loc.
func ParseDate(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidInterval, date)
	}
	return d, nil
}

// DaysBetween counts calendar days from a to b by their dates alone, so DST shifts in
// their location do not change the result.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from) / (24 * time.Hour))
}

// At returns the instant the wall clock in date's location reads minutes after midnight on
// the calendar day date. 24:00 is midnight of the next day.
func At(date time.Time, minutes int) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, minutes/60, minutes%60, 0, 0, date.Location())
}
