package availability

import (
	"fmt"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

// GenerateSlots returns the start times open, open+granularity, ... while start < close.
// A trailing partial slot still gets a start as long as it begins before close.
func GenerateSlots(open, close string, granularityMinutes int) ([]string, error) {
	return GenerateSlotsWithBreak(open, close, granularityMinutes, 0)
}

// GenerateSlotsWithBreak is GenerateSlots with an idle gap of breakMinutes after every slot.
func GenerateSlotsWithBreak(open, close string, granularityMinutes, breakMinutes int) ([]string, error) {
	if granularityMinutes <= 0 {
		return nil, fmt.Errorf("%w: granularity must be positive", model.ErrInvalidInterval)
	}
	if breakMinutes < 0 {
		return nil, fmt.Errorf("%w: break must not be negative", model.ErrInvalidInterval)
	}
	start, err := interval.ParseClock(open)
	if err != nil {
		return nil, err
	}
	end, err := interval.ParseClock(close)
	if err != nil {
		return nil, err
	}

	step := granularityMinutes + breakMinutes
	slots := make([]string, 0, max(0, (end-start+step-1)/step))
	for cur := start; cur < end; cur += step {
		slots = append(slots, interval.FormatClock(cur))
	}
	return slots, nil
}

// DaySlots generates the candidate starts for weekday wd. Closed days yield an empty list.
func DaySlots(sched model.WeeklySchedule, wd time.Weekday) ([]string, error) {
	day := sched.Day(wd)
	if !day.Open {
		return []string{}, nil
	}
	return GenerateSlotsWithBreak(day.Start, day.End, sched.SlotMinutes, sched.BreakMinutes)
}
