package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

// Query asks for bookable starts of one resource on one date.
// Now must carry the resource's wall-clock location; it decides what "today" is.
type Query struct {
	Date                 string
	Resource             model.Resource
	DurationMinutes      int
	Existing             []model.Reservation
	Now                  time.Time
	DefaultBufferMinutes int
}

// AvailableSlots returns the ascending start times a reservation of DurationMinutes could
// take. Inactive resources, closed weekdays and past dates produce an empty list.
func AvailableSlots(q Query) ([]string, error) {
	if q.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidInterval)
	}
	day, err := interval.ParseDate(q.Date, q.Now.Location())
	if err != nil {
		return nil, err
	}

	today := q.Now.Format(interval.DateLayout)
	if !q.Resource.Active || q.Date < today {
		return []string{}, nil
	}

	candidates, err := DaySlots(q.Resource.Schedule, day.Weekday())
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	buffer := MinBuffer(q.Resource.Offerings, q.DefaultBufferMinutes)
	isToday := q.Date == today

	free := make([]string, 0, len(candidates))
	for _, start := range candidates {
		iv, err := interval.FromClock(start, q.DurationMinutes)
		if err != nil {
			// The request would run past midnight from this start.
			if errors.Is(err, model.ErrInvalidInterval) {
				continue
			}
			return nil, err
		}
		if isToday && !interval.At(day, iv.Start).After(q.Now) {
			continue
		}

		ok, err := IsSlotFree(Candidate{
			ResourceID:      q.Resource.ID,
			Date:            q.Date,
			Start:           start,
			DurationMinutes: q.DurationMinutes,
		}, q.Existing, buffer, q.Now)
		if err != nil {
			return nil, err
		}
		if ok {
			free = append(free, start)
		}
	}
	return free, nil
}
