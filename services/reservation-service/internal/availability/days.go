package availability

import (
	"fmt"
	"sort"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

const (
	// MaxSelectedDays bounds how many whole days one request may hold.
	MaxSelectedDays = 3
	// MaxCalendarDays bounds a SelectableDates range.
	MaxCalendarDays = 62
)

// IsDateSelectable reports whether a whole-day resource can be reserved on date: the date
// is not before today, is not blocked, and carries no blocking reservation.
func IsDateSelectable(date, resourceID string, existing []model.Reservation, blocked []model.BlockedDate, now time.Time) (bool, error) {
	if _, err := interval.ParseDate(date, now.Location()); err != nil {
		return false, err
	}
	if date < now.Format(interval.DateLayout) {
		return false, nil
	}
	for _, b := range blocked {
		if b.ResourceID == resourceID && b.Date == date {
			return false, nil
		}
	}
	for _, r := range existing {
		if r.ResourceID == resourceID && r.Date == date && r.Blocking(now) {
			return false, nil
		}
	}
	return true, nil
}

// SelectableDates lists every selectable date in [from, to].
func SelectableDates(from, to, resourceID string, existing []model.Reservation, blocked []model.BlockedDate, now time.Time) ([]string, error) {
	start, err := interval.ParseDate(from, now.Location())
	if err != nil {
		return nil, err
	}
	end, err := interval.ParseDate(to, now.Location())
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %s is before %s", model.ErrInvalidInterval, to, from)
	}
	if days := interval.DaysBetween(start, end) + 1; days > MaxCalendarDays {
		return nil, fmt.Errorf("%w: range spans %d days, max %d", model.ErrInvalidInterval, days, MaxCalendarDays)
	}

	out := []string{}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		date := d.Format(interval.DateLayout)
		ok, err := IsDateSelectable(date, resourceID, existing, blocked, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, date)
		}
	}
	return out, nil
}

// DaySelection is a bounded, sorted, duplicate-free set of dates picked before submission.
type DaySelection struct {
	max   int
	dates []string
}

func NewDaySelection(max int) *DaySelection {
	if max <= 0 {
		max = MaxSelectedDays
	}
	return &DaySelection{max: max}
}

// Add inserts date. Re-adding a selected date is a no-op; adding beyond the bound fails
// with ErrTooManyDates.
func (s *DaySelection) Add(date string) error {
	if _, err := interval.ParseDate(date, time.UTC); err != nil {
		return err
	}
	if s.Contains(date) {
		return nil
	}
	if len(s.dates) >= s.max {
		return fmt.Errorf("%w: at most %d", model.ErrTooManyDates, s.max)
	}
	s.dates = append(s.dates, date)
	sort.Strings(s.dates)
	return nil
}

func (s *DaySelection) Remove(date string) bool {
	for i, d := range s.dates {
		if d == date {
			s.dates = append(s.dates[:i], s.dates[i+1:]...)
			return true
		}
	}
	return false
}

// Toggle flips date in or out of the selection and reports whether it is now selected.
func (s *DaySelection) Toggle(date string) (bool, error) {
	if s.Remove(date) {
		return false, nil
	}
	if err := s.Add(date); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DaySelection) Contains(date string) bool {
	for _, d := range s.dates {
		if d == date {
			return true
		}
	}
	return false
}

func (s *DaySelection) Dates() []string {
	return append([]string(nil), s.dates...)
}

func (s *DaySelection) Len() int {
	return len(s.dates)
}
