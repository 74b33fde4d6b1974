package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
)

type ResourceKind string

const (
	// ResourceKindSlot is booked in sub-day slots (a professional).
	ResourceKindSlot ResourceKind = "slot"
	// ResourceKindWholeDay is booked one calendar day at a time (a venue).
	ResourceKindWholeDay ResourceKind = "whole_day"
)

type DaySchedule struct {
	Open  bool   `json:"open"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Window returns the open interval for the day; ok is false when the day is closed.
func (d DaySchedule) Window() (interval.Interval, bool, error) {
	if !d.Open {
		return interval.Interval{}, false, nil
	}
	start, err := interval.ParseClock(d.Start)
	if err != nil {
		return interval.Interval{}, false, err
	}
	end, err := interval.ParseClock(d.End)
	if err != nil {
		return interval.Interval{}, false, err
	}
	if start >= end {
		return interval.Interval{}, false, fmt.Errorf("%w: opening %s not before closing %s", ErrInvalidInterval, d.Start, d.End)
	}
	return interval.Interval{Start: start, End: end}, true, nil
}

type WeeklySchedule struct {
	// Days is indexed by time.Weekday (Sunday = 0).
	Days         [7]DaySchedule `json:"days"`
	SlotMinutes  int            `json:"slot_minutes"`
	BreakMinutes int            `json:"break_minutes,omitempty"`
}

func (w WeeklySchedule) Day(wd time.Weekday) DaySchedule {
	return w.Days[int(wd)%7]
}

func (w WeeklySchedule) Validate() error {
	if w.SlotMinutes <= 0 {
		return fmt.Errorf("%w: slot granularity must be positive", ErrInvalidResource)
	}
	if w.BreakMinutes < 0 {
		return fmt.Errorf("%w: break must not be negative", ErrInvalidResource)
	}
	for i, d := range w.Days {
		if _, _, err := d.Window(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidResource, time.Weekday(i), err)
		}
	}
	return nil
}

type Offering struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	Active          bool   `json:"active"`
}

type Resource struct {
	ID        string
	Name      string
	Kind      ResourceKind
	Active    bool
	Schedule  WeeklySchedule
	Offerings []Offering
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Offering returns the active offering with id.
func (r Resource) Offering(id string) (Offering, bool) {
	for _, o := range r.Offerings {
		if o.ID == id && o.Active {
			return o, true
		}
	}
	return Offering{}, false
}

func (r Resource) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidResource)
	}
	switch r.Kind {
	case ResourceKindSlot:
		if err := r.Schedule.Validate(); err != nil {
			return err
		}
	case ResourceKindWholeDay:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidResource, r.Kind)
	}
	seen := map[string]bool{}
	for _, o := range r.Offerings {
		if strings.TrimSpace(o.ID) == "" || seen[o.ID] {
			return fmt.Errorf("%w: offering ids must be unique and non-empty", ErrInvalidResource)
		}
		seen[o.ID] = true
		if o.DurationMinutes <= 0 || o.DurationMinutes > interval.MinutesPerDay {
			return fmt.Errorf("%w: offering %s duration out of range", ErrInvalidResource, o.ID)
		}
	}
	return nil
}

type BlockedDate struct {
	ID         string
	ResourceID string
	Date       string
	Reason     string
	CreatedAt  time.Time
}
