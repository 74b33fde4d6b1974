package availability

import (
	"fmt"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

// DefaultBufferMinutes applies when a resource has no active offering to size its buffer.
const DefaultBufferMinutes = 30

// Candidate is a requested reservation not yet written.
type Candidate struct {
	ResourceID      string
	Date            string
	Start           string
	DurationMinutes int
}

func (c Candidate) Interval() (interval.Interval, error) {
	return interval.FromClock(c.Start, c.DurationMinutes)
}

// MinBuffer is the shortest active offering duration, or fallback when there is none.
func MinBuffer(offerings []model.Offering, fallback int) int {
	shortest := 0
	for _, o := range offerings {
		if !o.Active || o.DurationMinutes <= 0 {
			continue
		}
		if shortest == 0 || o.DurationMinutes < shortest {
			shortest = o.DurationMinutes
		}
	}
	if shortest > 0 {
		return shortest
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultBufferMinutes
}

// FindConflict returns the first reservation that rejects c.
//
// An existing blocking reservation on the same resource and date rejects the candidate
// when the candidate intersects [existingStart-minBuffer, existingEnd). That covers direct
// overlap as well as a candidate starting, ending, or sitting inside the runway before
// the existing start. No buffer applies after an existing reservation ends.
func FindConflict(c Candidate, existing []model.Reservation, minBufferMinutes int, now time.Time) (model.Reservation, bool, error) {
	cand, err := c.Interval()
	if err != nil {
		return model.Reservation{}, false, err
	}
	if minBufferMinutes < 0 {
		minBufferMinutes = 0
	}

	for _, r := range existing {
		if r.ResourceID != c.ResourceID || r.Date != c.Date || !r.Blocking(now) {
			continue
		}
		iv, err := r.Interval()
		if err != nil {
			return model.Reservation{}, false, fmt.Errorf("reservation %s: %w", r.ID, err)
		}
		if cand.Overlaps(iv.WidenStart(minBufferMinutes)) {
			return r, true, nil
		}
	}
	return model.Reservation{}, false, nil
}

func IsSlotFree(c Candidate, existing []model.Reservation, minBufferMinutes int, now time.Time) (bool, error) {
	_, found, err := FindConflict(c, existing, minBufferMinutes, now)
	if err != nil {
		return false, err
	}
	return !found, nil
}
