package expiry_test

import (
	"context"
	"testing"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/clock"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/expiry"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*memory.Store, *clock.Manual, *reservation.Service) {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(testNow)
	svc := reservation.NewService(store, clk, reservation.WithHoldTTL(10*time.Minute))

	var sched model.WeeklySchedule
	sched.SlotMinutes = 30
	sched.Days[time.Monday] = model.DaySchedule{Open: true, Start: "09:00", End: "12:00"}
	_, err := svc.UpsertResource(context.Background(), model.Resource{
		ID:        "barber-1",
		Kind:      model.ResourceKindSlot,
		Active:    true,
		Schedule:  sched,
		Offerings: []model.Offering{{ID: "cut", DurationMinutes: 30, Active: true}},
	})
	if err != nil {
		t.Fatalf("UpsertResource: %v", err)
	}
	return store, clk, svc
}

func hold(t *testing.T, svc *reservation.Service, start string) model.Reservation {
	t.Helper()
	r, err := svc.Create(context.Background(), reservation.CreateInput{
		ResourceID: "barber-1",
		Date:       "2026-03-16",
		Start:      start,
		OfferingID: "cut",
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", start, err)
	}
	return r
}

func countEvents(store *memory.Store, eventType string) int {
	n := 0
	for _, e := range store.Events() {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestSweepEmitsNoticeOnce(t *testing.T) {
	store, clk, svc := setup(t)
	ctx := context.Background()

	expiring := hold(t, svc, "09:00")
	confirmed := hold(t, svc, "10:30")
	if _, err := svc.Confirm(ctx, confirmed.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	cancelled := hold(t, svc, "11:30")
	if _, err := svc.Cancel(ctx, cancelled.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	hub := changefeed.NewHub(4)
	changes, stop, err := hub.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()
	sweeper := expiry.NewSweeper(store, clk, expiry.Config{Feed: hub})

	if n, err := sweeper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("before expiry: expected 0 notices, got %d (%v)", n, err)
	}

	clk.Advance(10 * time.Minute)
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 notice, got %d", n)
	}
	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep: expected 0 notices, got %d", n)
	}
	if got := countEvents(store, outbox.EventReservationExpired); got != 1 {
		t.Fatalf("expected 1 expired event, got %d", got)
	}

	got, err := svc.Get(ctx, expiring.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPending || !got.ExpiryNoticeSent {
		t.Fatalf("expected pending with notice sent, got %s sent=%v", got.Status, got.ExpiryNoticeSent)
	}

	select {
	case c := <-changes:
		if c.Type != changefeed.TypeExpired || c.ReservationID != expiring.ID || c.Status != model.DisplayExpired {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for expired change")
	}
}

func TestSweepDrainsInBatches(t *testing.T) {
	store, clk, svc := setup(t)
	ctx := context.Background()
	for _, start := range []string{"09:00", "10:00", "11:00"} {
		hold(t, svc, start)
	}
	clk.Advance(time.Hour)

	sweeper := expiry.NewSweeper(store, clk, expiry.Config{BatchSize: 2})
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 notices across batches, got %d", n)
	}
	if got := countEvents(store, outbox.EventReservationExpired); got != 3 {
		t.Fatalf("expected 3 expired events, got %d", got)
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	store, clk, _ := setup(t)
	sweeper := expiry.NewSweeper(store, clk, expiry.Config{})
	if err := sweeper.Run(context.Background(), "every minute please"); err == nil {
		t.Fatalf("expected a schedule parse error")
	}
}
