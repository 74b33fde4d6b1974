package reservation_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/clock"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/storage/memory"
)

// Saturday morning; the fixtures book the following Monday.
var testNow = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

const monday = "2026-03-16"

func barber() model.Resource {
	var sched model.WeeklySchedule
	sched.SlotMinutes = 30
	sched.Days[time.Monday] = model.DaySchedule{Open: true, Start: "09:00", End: "12:00"}
	return model.Resource{
		ID:       "barber-1",
		Name:     "Chair 1",
		Kind:     model.ResourceKindSlot,
		Active:   true,
		Schedule: sched,
		Offerings: []model.Offering{
			{ID: "cut", Name: "Cut", DurationMinutes: 30, Active: true},
			{ID: "cut-beard", Name: "Cut and beard", DurationMinutes: 60, Active: true},
		},
	}
}

func venue() model.Resource {
	return model.Resource{ID: "hall-1", Name: "Hall", Kind: model.ResourceKindWholeDay, Active: true}
}

type fixture struct {
	store *memory.Store
	clock *clock.Manual
	svc   *reservation.Service
}

func newFixture(t *testing.T, opts ...reservation.Option) fixture {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(testNow)
	svc := reservation.NewService(store, clk, append([]reservation.Option{reservation.WithLocation(time.UTC)}, opts...)...)
	ctx := context.Background()
	for _, res := range []model.Resource{barber(), venue()} {
		if _, err := svc.UpsertResource(ctx, res); err != nil {
			t.Fatalf("UpsertResource(%s): %v", res.ID, err)
		}
	}
	return fixture{store: store, clock: clk, svc: svc}
}

func (f fixture) book(t *testing.T, start string) (model.Reservation, error) {
	t.Helper()
	return f.svc.Create(context.Background(), reservation.CreateInput{
		ResourceID: "barber-1",
		Date:       monday,
		Start:      start,
		OfferingID: "cut",
		Contact:    model.Contact{Name: "Ana"},
	})
}

func (f fixture) mustBook(t *testing.T, start string) model.Reservation {
	t.Helper()
	r, err := f.book(t, start)
	if err != nil {
		t.Fatalf("Create(%s): %v", start, err)
	}
	return r
}

func (f fixture) eventTypes() []string {
	var out []string
	for _, e := range f.store.Events() {
		out = append(out, e.EventType)
	}
	return out
}

func TestCreateHoldsSlot(t *testing.T) {
	f := newFixture(t)

	r := f.mustBook(t, "10:00")
	if r.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	if r.Start != "10:00" || r.End != "10:30" || r.OfferingID != "cut" {
		t.Fatalf("unexpected interval %s-%s offering %q", r.Start, r.End, r.OfferingID)
	}
	if r.ExpiresAt == nil || !r.ExpiresAt.Equal(testNow.Add(reservation.DefaultHoldTTL)) {
		t.Fatalf("expected expiry one hold after now, got %v", r.ExpiresAt)
	}

	got, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != r.ID || got.Contact.Name != "Ana" {
		t.Fatalf("unexpected stored reservation %+v", got)
	}
}

func TestCreateEnforcesBufferBeforeExisting(t *testing.T) {
	f := newFixture(t)
	f.mustBook(t, "10:00")

	tests := []struct {
		start string
		err   error
	}{
		{start: "10:00", err: model.ErrSlotTaken},
		{start: "09:30", err: model.ErrSlotTaken},
		{start: "10:30"},
		{start: "09:00"},
	}
	for _, tt := range tests {
		t.Run(tt.start, func(t *testing.T) {
			_, err := f.book(t, tt.start)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   reservation.CreateInput
		err  error
	}{
		{
			name: "before opening",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: monday, Start: "08:30", OfferingID: "cut"},
			err:  model.ErrResourceClosed,
		},
		{
			name: "at closing",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: monday, Start: "12:00", OfferingID: "cut"},
			err:  model.ErrResourceClosed,
		},
		{
			name: "off the slot grid",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: monday, Start: "09:07", OfferingID: "cut"},
			err:  model.ErrResourceClosed,
		},
		{
			name: "closed weekday",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: "2026-03-17", Start: "10:00", OfferingID: "cut"},
			err:  model.ErrResourceClosed,
		},
		{
			name: "malformed start",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: monday, Start: "10h", OfferingID: "cut"},
			err:  model.ErrInvalidInterval,
		},
		{
			name: "malformed date",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: "16/03/2026", Start: "10:00", OfferingID: "cut"},
			err:  model.ErrInvalidInterval,
		},
		{
			name: "no duration",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: monday, Start: "10:00"},
			err:  model.ErrInvalidInterval,
		},
		{
			name: "unknown offering",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: monday, Start: "10:00", OfferingID: "perm"},
			err:  model.ErrUnknownOffering,
		},
		{
			name: "whole day resource",
			in:   reservation.CreateInput{ResourceID: "hall-1", Date: monday, Start: "10:00", DurationMinutes: 30},
			err:  model.ErrWrongResourceKind,
		},
		{
			name: "unknown resource",
			in:   reservation.CreateInput{ResourceID: "nobody", Date: monday, Start: "10:00", DurationMinutes: 30},
			err:  model.ErrNotFound,
		},
		{
			name: "in the past",
			in:   reservation.CreateInput{ResourceID: "barber-1", Date: "2026-03-09", Start: "10:00", OfferingID: "cut"},
			err:  model.ErrInPast,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tt.in); !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
	if n := len(f.store.Events()); n != 0 {
		t.Fatalf("expected no outbox events, got %d", n)
	}
}

func TestCreateExplicitDurationWithoutOffering(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(context.Background(), reservation.CreateInput{
		ResourceID:      "barber-1",
		Date:            monday,
		Start:           "11:00",
		DurationMinutes: 45,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.End != "11:45" || r.OfferingID != "" {
		t.Fatalf("unexpected reservation %+v", r)
	}
}

func TestOffGridStartLeavesAdvertisedSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.book(t, "09:07"); !errors.Is(err, model.ErrResourceClosed) {
		t.Fatalf("expected ErrResourceClosed for 09:07, got %v", err)
	}
	got, err := f.svc.AvailableSlots(ctx, reservation.SlotQuery{ResourceID: "barber-1", Date: monday, OfferingID: "cut"})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	want := []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestConcurrentCreateAdmitsExactlyOne(t *testing.T) {
	f := newFixture(t)
	const n = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		taken   int
		unknown []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Create(context.Background(), reservation.CreateInput{
				ResourceID: "barber-1",
				Date:       monday,
				Start:      "10:00",
				OfferingID: "cut",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, model.ErrSlotTaken):
				taken++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(unknown) > 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if wins != 1 || taken != n-1 {
		t.Fatalf("expected 1 win and %d slot_taken, got %d and %d", n-1, wins, taken)
	}
	rs, err := f.svc.List(context.Background(), "barber-1", monday)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rs) != 1 {
		t.Fatalf("expected one stored reservation, got %d", len(rs))
	}
}

func TestConcurrentOverlappingDurationsNeverOverlap(t *testing.T) {
	f := newFixture(t)
	starts := []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}

	var wg sync.WaitGroup
	for round := 0; round < 4; round++ {
		for _, s := range starts {
			wg.Add(1)
			go func(start string) {
				defer wg.Done()
				_, _ = f.svc.Create(context.Background(), reservation.CreateInput{
					ResourceID: "barber-1",
					Date:       monday,
					Start:      start,
					OfferingID: "cut-beard",
				})
			}(s)
		}
	}
	wg.Wait()

	rs, err := f.svc.List(context.Background(), "barber-1", monday)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for i := range rs {
		a, _ := rs[i].Interval()
		for j := i + 1; j < len(rs); j++ {
			b, _ := rs[j].Interval()
			if a.Overlaps(b) {
				t.Fatalf("reservations %s %s-%s and %s %s-%s overlap",
					rs[i].ID, rs[i].Start, rs[i].End, rs[j].ID, rs[j].Start, rs[j].End)
			}
		}
	}
}

func TestExpiredHoldIsFreeOnRead(t *testing.T) {
	f := newFixture(t, reservation.WithHoldTTL(15*time.Minute))
	ctx := context.Background()
	r := f.mustBook(t, "10:00")

	query := reservation.SlotQuery{ResourceID: "barber-1", Date: monday, OfferingID: "cut"}
	slots, err := f.svc.AvailableSlots(ctx, query)
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if want := []string{"09:00", "10:30", "11:00", "11:30"}; !reflect.DeepEqual(slots, want) {
		t.Fatalf("expected %v while held, got %v", want, slots)
	}

	f.clock.Advance(15*time.Minute + time.Second)

	slots, err = f.svc.AvailableSlots(ctx, query)
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if want := []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}; !reflect.DeepEqual(slots, want) {
		t.Fatalf("expected %v after expiry, got %v", want, slots)
	}

	got, err := f.svc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPending || got.DisplayStatus(f.svc.Now()) != model.DisplayExpired {
		t.Fatalf("expected stored pending displayed as expired, got %s/%s", got.Status, got.DisplayStatus(f.svc.Now()))
	}
	if _, err := f.svc.Confirm(ctx, r.ID); !errors.Is(err, model.ErrNotPending) {
		t.Fatalf("confirming an expired hold: expected ErrNotPending, got %v", err)
	}

	again := f.mustBook(t, "10:00")
	if again.ID == r.ID {
		t.Fatalf("expected a new reservation")
	}
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	f := newFixture(t)
	r := f.mustBook(t, "10:00")

	f.clock.Set(*r.ExpiresAt)
	if _, err := f.book(t, "10:00"); !errors.Is(err, model.ErrSlotTaken) {
		t.Fatalf("at the expiry instant the hold still blocks, got %v", err)
	}
	f.clock.Advance(time.Nanosecond)
	if _, err := f.book(t, "10:00"); err != nil {
		t.Fatalf("just after expiry the slot is free, got %v", err)
	}
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.mustBook(t, "10:00")

	f.clock.Advance(5 * time.Minute)
	got, err := f.svc.Confirm(ctx, r.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Status != model.StatusConfirmed || got.ExpiresAt != nil {
		t.Fatalf("expected confirmed without expiry, got %s %v", got.Status, got.ExpiresAt)
	}
	if got.ConfirmedAt == nil || !got.ConfirmedAt.Equal(testNow.Add(5*time.Minute)) {
		t.Fatalf("unexpected confirmed_at %v", got.ConfirmedAt)
	}

	if _, err := f.svc.Confirm(ctx, r.ID); !errors.Is(err, model.ErrNotPending) {
		t.Fatalf("second confirm: expected ErrNotPending, got %v", err)
	}

	// A confirmed reservation never expires.
	f.clock.Set(testNow.Add(2 * time.Hour))
	if _, err := f.book(t, "10:00"); !errors.Is(err, model.ErrSlotTaken) {
		t.Fatalf("expected confirmed slot to stay taken, got %v", err)
	}

	if _, err := f.svc.Confirm(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.mustBook(t, "10:00")

	first, err := f.svc.Cancel(ctx, r.ID, " changed plans ")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if first.Status != model.StatusCancelled || first.CancelReason != "changed plans" || first.CancelledAt == nil {
		t.Fatalf("unexpected cancelled reservation %+v", first)
	}

	f.clock.Advance(time.Minute)
	second, err := f.svc.Cancel(ctx, r.ID, "again")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !second.CancelledAt.Equal(*first.CancelledAt) || second.CancelReason != first.CancelReason {
		t.Fatalf("second cancel changed the reservation: %+v", second)
	}

	want := []string{outbox.EventReservationCreated, outbox.EventReservationCancelled}
	if got := f.eventTypes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}

	if _, err := f.svc.Confirm(ctx, r.ID); !errors.Is(err, model.ErrNotPending) {
		t.Fatalf("confirming a cancelled reservation: expected ErrNotPending, got %v", err)
	}
	// The slot is free again.
	f.mustBook(t, "10:00")
}

func TestCancelConfirmedAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	confirmed := f.mustBook(t, "09:00")
	if _, err := f.svc.Confirm(ctx, confirmed.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got, err := f.svc.Cancel(ctx, confirmed.ID, ""); err != nil || got.Status != model.StatusCancelled {
		t.Fatalf("cancel confirmed: %+v %v", got, err)
	}

	expired := f.mustBook(t, "11:00")
	f.clock.Advance(2 * time.Hour)
	if got, err := f.svc.Cancel(ctx, expired.ID, ""); err != nil || got.Status != model.StatusCancelled {
		t.Fatalf("cancel expired: %+v %v", got, err)
	}
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.mustBook(t, "10:00")

	got, err := f.svc.MarkPaid(ctx, r.ID, "pi_123")
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if got.Status != model.StatusConfirmed || got.PaymentRef != "pi_123" {
		t.Fatalf("unexpected paid reservation %+v", got)
	}

	replay, err := f.svc.MarkPaid(ctx, r.ID, "pi_123")
	if err != nil {
		t.Fatalf("replayed MarkPaid: %v", err)
	}
	if replay.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", replay.Status)
	}
	want := []string{outbox.EventReservationCreated, outbox.EventReservationConfirmed}
	if got := f.eventTypes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}

	late := f.mustBook(t, "11:00")
	f.clock.Advance(2 * time.Hour)
	if _, err := f.svc.MarkPaid(ctx, late.ID, "pi_late"); !errors.Is(err, model.ErrNotPending) {
		t.Fatalf("paying an expired hold: expected ErrNotPending, got %v", err)
	}
}

func TestAttachPaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.mustBook(t, "10:00")

	if _, err := f.svc.AttachPaymentRef(ctx, r.ID, " "); !errors.Is(err, model.ErrPaymentRefRequired) {
		t.Fatalf("blank ref: expected ErrPaymentRefRequired, got %v", err)
	}
	got, err := f.svc.AttachPaymentRef(ctx, r.ID, "cs_1")
	if err != nil {
		t.Fatalf("AttachPaymentRef: %v", err)
	}
	if got.Status != model.StatusPending || got.PaymentRef != "cs_1" {
		t.Fatalf("unexpected reservation %+v", got)
	}
	if n := len(f.store.Events()); n != 1 {
		t.Fatalf("attaching a reference must not emit a lifecycle event, got %d events", n)
	}

	if _, err := f.svc.Cancel(ctx, r.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.svc.AttachPaymentRef(ctx, r.ID, "cs_2"); !errors.Is(err, model.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestCreateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := reservation.CreateInput{
		ResourceID:     "barber-1",
		Date:           monday,
		Start:          "10:00",
		OfferingID:     "cut",
		IdempotencyKey: "req-1",
	}

	first, err := f.svc.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := f.svc.Create(ctx, in)
	if err != nil {
		t.Fatalf("replayed Create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected replay to return %s, got %s", first.ID, second.ID)
	}
	if n := len(f.store.Events()); n != 1 {
		t.Fatalf("expected a single created event, got %d", n)
	}

	in.Start = "11:00"
	if _, err := f.svc.Create(ctx, in); !errors.Is(err, model.ErrIdempotencyConflict) {
		t.Fatalf("reused key with another start: expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestCreateWholeDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateWholeDay(ctx, reservation.WholeDayInput{
		ResourceID: "hall-1",
		Dates:      []string{"2026-03-20", "2026-03-18"},
		Contact:    model.Contact{Name: "Bia"},
	})
	if err != nil {
		t.Fatalf("CreateWholeDay: %v", err)
	}
	if len(created) != 2 || created[0].Date != "2026-03-18" || created[1].Date != "2026-03-20" {
		t.Fatalf("unexpected reservations %+v", created)
	}
	for _, r := range created {
		if !r.WholeDay || r.Start != "00:00" || r.End != "24:00" || r.Status != model.StatusPending {
			t.Fatalf("unexpected whole-day reservation %+v", r)
		}
	}

	// All or nothing: 2026-03-19 is free but 2026-03-20 is not.
	_, err = f.svc.CreateWholeDay(ctx, reservation.WholeDayInput{
		ResourceID: "hall-1",
		Dates:      []string{"2026-03-19", "2026-03-20"},
	})
	if !errors.Is(err, model.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if rs, _ := f.svc.List(ctx, "hall-1", "2026-03-19"); len(rs) != 0 {
		t.Fatalf("expected nothing written for 2026-03-19, got %d", len(rs))
	}

	if _, err := f.svc.BlockDate(ctx, "hall-1", "2026-03-21", "maintenance"); err != nil {
		t.Fatalf("BlockDate: %v", err)
	}

	tests := []struct {
		name  string
		dates []string
		err   error
	}{
		{name: "blocked", dates: []string{"2026-03-21"}, err: model.ErrSlotTaken},
		{name: "too many", dates: []string{"2026-03-22", "2026-03-23", "2026-03-24", "2026-03-25"}, err: model.ErrTooManyDates},
		{name: "none", dates: nil, err: model.ErrInvalidInterval},
		{name: "past", dates: []string{"2026-03-13"}, err: model.ErrInPast},
		{name: "malformed", dates: []string{"2026-3-22"}, err: model.ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateWholeDay(ctx, reservation.WholeDayInput{ResourceID: "hall-1", Dates: tt.dates})
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}

	if _, err := f.svc.CreateWholeDay(ctx, reservation.WholeDayInput{ResourceID: "barber-1", Dates: []string{"2026-03-22"}}); !errors.Is(err, model.ErrWrongResourceKind) {
		t.Fatalf("slot resource: expected ErrWrongResourceKind, got %v", err)
	}
}

func TestCreateWholeDayIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := reservation.WholeDayInput{ResourceID: "hall-1", Dates: []string{"2026-03-18", "2026-03-19"}, IdempotencyKey: "cart-7"}

	first, err := f.svc.CreateWholeDay(ctx, in)
	if err != nil {
		t.Fatalf("CreateWholeDay: %v", err)
	}
	second, err := f.svc.CreateWholeDay(ctx, in)
	if err != nil {
		t.Fatalf("replayed CreateWholeDay: %v", err)
	}
	if len(second) != 2 || second[0].ID != first[0].ID || second[1].ID != first[1].ID {
		t.Fatalf("expected replay of %v, got %v", first, second)
	}

	in.Dates = []string{"2026-03-18", "2026-03-25"}
	if _, err := f.svc.CreateWholeDay(ctx, in); !errors.Is(err, model.ErrIdempotencyConflict) {
		t.Fatalf("partial replay: expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestSelectableDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateWholeDay(ctx, reservation.WholeDayInput{ResourceID: "hall-1", Dates: []string{"2026-03-15"}}); err != nil {
		t.Fatalf("CreateWholeDay: %v", err)
	}
	if _, err := f.svc.BlockDate(ctx, "hall-1", "2026-03-17", ""); err != nil {
		t.Fatalf("BlockDate: %v", err)
	}

	days, err := f.svc.SelectableDays(ctx, "hall-1", "2026-03-13", "2026-03-18")
	if err != nil {
		t.Fatalf("SelectableDays: %v", err)
	}
	want := []string{"2026-03-14", "2026-03-16", "2026-03-18"}
	if !reflect.DeepEqual(days, want) {
		t.Fatalf("expected %v, got %v", want, days)
	}

	if err := f.svc.UnblockDate(ctx, "hall-1", "2026-03-17"); err != nil {
		t.Fatalf("UnblockDate: %v", err)
	}
	if err := f.svc.UnblockDate(ctx, "hall-1", "2026-03-17"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second UnblockDate: expected ErrNotFound, got %v", err)
	}

	if _, err := f.svc.SelectableDays(ctx, "barber-1", "2026-03-14", "2026-03-18"); !errors.Is(err, model.ErrWrongResourceKind) {
		t.Fatalf("expected ErrWrongResourceKind, got %v", err)
	}
}

func TestBlockDateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.BlockDate(ctx, "hall-1", "2026-04-01", "holiday")
	if err != nil {
		t.Fatalf("BlockDate: %v", err)
	}
	second, err := f.svc.BlockDate(ctx, "hall-1", "2026-04-01", "other")
	if err != nil {
		t.Fatalf("second BlockDate: %v", err)
	}
	if second.ID != first.ID || second.Reason != "holiday" {
		t.Fatalf("expected the original entry, got %+v", second)
	}
	if _, err := f.svc.BlockDate(ctx, "barber-1", "2026-04-01", ""); !errors.Is(err, model.ErrWrongResourceKind) {
		t.Fatalf("expected ErrWrongResourceKind, got %v", err)
	}
	blocked, err := f.svc.ListBlockedDates(ctx, "hall-1", "", "")
	if err != nil {
		t.Fatalf("ListBlockedDates: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("expected one blocked date, got %d", len(blocked))
	}
}

func TestUpsertResourceKeepsCreatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Advance(time.Hour)
	res := barber()
	res.Active = false
	saved, err := f.svc.UpsertResource(ctx, res)
	if err != nil {
		t.Fatalf("UpsertResource: %v", err)
	}
	if !saved.CreatedAt.Equal(testNow) || !saved.UpdatedAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("unexpected stamps created=%v updated=%v", saved.CreatedAt, saved.UpdatedAt)
	}
	if _, err := f.book(t, "10:00"); !errors.Is(err, model.ErrResourceClosed) {
		t.Fatalf("inactive resource: expected ErrResourceClosed, got %v", err)
	}

	bad := barber()
	bad.Schedule.SlotMinutes = 0
	if _, err := f.svc.UpsertResource(ctx, bad); !errors.Is(err, model.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
}

func TestOutboxEventsCarryReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.mustBook(t, "10:00")
	if _, err := f.svc.Confirm(ctx, r.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	events := f.store.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, want := range []struct {
		eventType string
		status    string
	}{
		{outbox.EventReservationCreated, "pending"},
		{outbox.EventReservationConfirmed, "confirmed"},
	} {
		e := events[i]
		if e.EventType != want.eventType || e.AggregateID != r.ID || e.PartitionKey != "barber-1" {
			t.Fatalf("event %d: unexpected envelope %+v", i, e)
		}
		var p reservation.EventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("event %d payload: %v", i, err)
		}
		if p.ReservationID != r.ID || p.Status != want.status || p.Start != "10:00" || p.Date != monday {
			t.Fatalf("event %d: unexpected payload %+v", i, p)
		}
	}
}

func TestChangeFeedReceivesMutations(t *testing.T) {
	hub := changefeed.NewHub(8)
	f := newFixture(t, reservation.WithChangeFeed(hub))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := hub.Subscribe(ctx, "barber-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	r := f.mustBook(t, "10:00")
	if _, err := f.svc.Cancel(ctx, r.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.book(t, "10:00"); err != nil {
		t.Fatalf("rebook: %v", err)
	}

	want := []string{changefeed.TypeCreated, changefeed.TypeCancelled, changefeed.TypeCreated}
	for i, typ := range want {
		select {
		case c := <-ch:
			if c.Type != typ || c.ResourceID != "barber-1" || c.Date != monday {
				t.Fatalf("change %d: expected %s, got %+v", i, typ, c)
			}
		case <-time.After(time.Second):
			t.Fatalf("change %d: timed out waiting for %s", i, typ)
		}
	}
}

type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ListReservations(ctx context.Context, resourceID, date string) ([]model.Reservation, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.ListReservations(ctx, resourceID, date)
}

func TestAvailableSlotsRetriesTransientReads(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 2}
	svc := reservation.NewService(store, clock.NewFixed(testNow), reservation.WithReadRetry(3, time.Millisecond))
	ctx := context.Background()
	if _, err := svc.UpsertResource(ctx, barber()); err != nil {
		t.Fatalf("UpsertResource: %v", err)
	}

	slots, err := svc.AvailableSlots(ctx, reservation.SlotQuery{ResourceID: "barber-1", Date: monday, OfferingID: "cut"})
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != 6 {
		t.Fatalf("expected 6 slots, got %v", slots)
	}

	store.failures = 5
	if _, err := svc.AvailableSlots(ctx, reservation.SlotQuery{ResourceID: "barber-1", Date: monday, OfferingID: "cut"}); err == nil {
		t.Fatalf("expected the error to surface after the retry budget")
	}

	// Domain errors are not retried.
	if _, err := svc.AvailableSlots(ctx, reservation.SlotQuery{ResourceID: "nobody", Date: monday, DurationMinutes: 30}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
