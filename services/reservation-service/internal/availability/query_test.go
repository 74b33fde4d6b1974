package availability

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

func barber(open, close string, slot int) model.Resource {
	var sched model.WeeklySchedule
	sched.SlotMinutes = slot
	sched.Days[time.Monday] = model.DaySchedule{Open: true, Start: open, End: close}
	return model.Resource{
		ID:       "barber-1",
		Kind:     model.ResourceKindSlot,
		Active:   true,
		Schedule: sched,
		Offerings: []model.Offering{
			{ID: "cut", DurationMinutes: 30, Active: true},
			{ID: "cut-beard", DurationMinutes: 60, Active: true},
		},
	}
}

func TestAvailableSlotsEndToEnd(t *testing.T) {
	got, err := AvailableSlots(Query{
		Date:            "2026-03-16",
		Resource:        barber("09:00", "12:00", 30),
		DurationMinutes: 30,
		Existing:        []model.Reservation{confirmed("r1", "10:00", "10:30")},
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	// 09:30 lands in the 30 minute runway before 10:00.
	want := []string{"09:00", "10:30", "11:00", "11:30"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAvailableSlotsSkipsPastOnDSTChange(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	var sched model.WeeklySchedule
	sched.SlotMinutes = 30
	sched.Days[time.Sunday] = model.DaySchedule{Open: true, Start: "13:00", End: "16:00"}
	res := model.Resource{
		ID:        "barber-1",
		Kind:      model.ResourceKindSlot,
		Active:    true,
		Schedule:  sched,
		Offerings: []model.Offering{{ID: "cut", DurationMinutes: 30, Active: true}},
	}

	// Clocks sprang forward at 02:00 on 2026-03-08.
	got, err := AvailableSlots(Query{
		Date:            "2026-03-08",
		Resource:        res,
		DurationMinutes: 30,
		Now:             time.Date(2026, 3, 8, 14, 5, 0, 0, loc),
	})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	want := []string{"14:30", "15:00", "15:30"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAvailableSlotsSkipsPastToday(t *testing.T) {
	now := time.Date(2026, 3, 16, 14, 5, 0, 0, time.UTC)
	got, err := AvailableSlots(Query{
		Date:            "2026-03-16",
		Resource:        barber("13:30", "14:30", 10),
		DurationMinutes: 10,
		Now:             now,
	})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	want := []string{"14:10", "14:20"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAvailableSlotsUsesNowLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	// 02:00 UTC on the 17th is still 23:00 on the 16th in BRT.
	now := time.Date(2026, 3, 17, 2, 0, 0, 0, time.UTC).In(loc)
	got, err := AvailableSlots(Query{
		Date:            "2026-03-16",
		Resource:        barber("22:00", "24:00", 30),
		DurationMinutes: 30,
		Now:             now,
	})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if want := []string{"23:30"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAvailableSlotsExpiredHoldIsFree(t *testing.T) {
	expired := confirmed("h", "10:00", "10:30")
	expired.Status = model.StatusPending
	past := testNow.Add(-time.Second)
	expired.ExpiresAt = &past

	got, err := AvailableSlots(Query{
		Date:            "2026-03-16",
		Resource:        barber("09:00", "11:00", 30),
		DurationMinutes: 30,
		Existing:        []model.Reservation{expired},
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if want := []string{"09:00", "09:30", "10:00", "10:30"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAvailableSlotsEmptyCases(t *testing.T) {
	res := barber("09:00", "12:00", 30)

	cases := []struct {
		name string
		q    Query
	}{
		{name: "closed weekday", q: Query{Date: "2026-03-17", Resource: res, DurationMinutes: 30, Now: testNow}},
		{name: "past date", q: Query{Date: "2026-03-09", Resource: res, DurationMinutes: 30, Now: testNow}},
		{name: "inactive resource", q: Query{Date: "2026-03-16", Resource: func() model.Resource { r := res; r.Active = false; return r }(), DurationMinutes: 30, Now: testNow}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AvailableSlots(tc.q)
			if err != nil {
				t.Fatalf("AvailableSlots: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("expected no slots, got %v", got)
			}
		})
	}
}

func TestAvailableSlotsRejectsBadInput(t *testing.T) {
	res := barber("09:00", "12:00", 30)
	if _, err := AvailableSlots(Query{Date: "2026-03-16", Resource: res, DurationMinutes: 0, Now: testNow}); !errors.Is(err, model.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval for zero duration, got %v", err)
	}
	if _, err := AvailableSlots(Query{Date: "16/03/2026", Resource: res, DurationMinutes: 30, Now: testNow}); !errors.Is(err, model.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval for bad date, got %v", err)
	}
}
