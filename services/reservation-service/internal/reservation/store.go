package reservation

import (
	"context"
	"sort"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
)

// Key identifies the shared mutable set every write must serialize on: all reservations of
// one resource on one calendar day.
type Key struct {
	ResourceID string
	Date       string
}

func (k Key) String() string {
	return k.ResourceID + "|" + k.Date
}

// SortedKeys returns the distinct keys in a stable order. Locking in this order keeps
// multi-day writers from deadlocking each other.
func SortedKeys(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Store is the persistence collaborator.
//
// Atomic runs fn while holding exclusive write access to every key. Writes issued with the
// ctx passed to fn commit together when fn returns nil and are discarded otherwise. Reads
// inside fn observe every write committed before the keys were acquired.
type Store interface {
	Atomic(ctx context.Context, keys []Key, fn func(ctx context.Context) error) error

	GetResource(ctx context.Context, id string) (model.Resource, error)
	UpsertResource(ctx context.Context, res model.Resource) error

	GetReservation(ctx context.Context, id string) (model.Reservation, error)
	ListReservations(ctx context.Context, resourceID, date string) ([]model.Reservation, error)
	// ListReservationsRange covers dates in [from, to].
	ListReservationsRange(ctx context.Context, resourceID, from, to string) ([]model.Reservation, error)
	FindByIdempotencyKey(ctx context.Context, resourceID, key string) (*model.Reservation, error)
	InsertReservation(ctx context.Context, r model.Reservation) error
	// UpdateReservation writes the lifecycle fields: status, expiry, payment reference and
	// the confirm/cancel stamps. The expiry notice flag is owned by the sweep.
	UpdateReservation(ctx context.Context, r model.Reservation) error

	// ListBlockedDates covers dates in [from, to]; empty bounds are open.
	ListBlockedDates(ctx context.Context, resourceID, from, to string) ([]model.BlockedDate, error)
	InsertBlockedDate(ctx context.Context, b model.BlockedDate) error
	DeleteBlockedDate(ctx context.Context, resourceID, date string) error

	Enqueue(ctx context.Context, evt outbox.Event) error
}
