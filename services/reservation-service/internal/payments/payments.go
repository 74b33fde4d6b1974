// Package payments turns "paid" signals from payment providers into reservation
// confirmations.
package payments

import (
	"context"
	"errors"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

// Confirmer is the slice of the reservation service payments need.
type Confirmer interface {
	MarkPaid(ctx context.Context, reservationID, paymentRef string) (model.Reservation, error)
}

// Inbox de-duplicates delivered events. Record reports false for an event seen before.
type Inbox interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
}

// Settled reports errors that retrying the same payment event can never fix: the
// reservation is gone, or it left the pending state before the payment landed.
func Settled(err error) bool {
	return errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrNotPending)
}
