package model

import (
	"errors"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
)

// Errors callers are expected to branch on. All of them are safe to surface to end users.
var (
	ErrSlotTaken      = errors.New("slot already taken")
	ErrNotPending     = errors.New("reservation is not pending")
	ErrResourceClosed = errors.New("resource closed at requested time")
	// ErrInvalidInterval is shared with the interval package so parse errors match directly.
	ErrInvalidInterval = interval.ErrInvalidInterval

	ErrNotFound            = errors.New("not found")
	ErrInPast              = errors.New("requested time is in the past")
	ErrTooManyDates        = errors.New("too many dates selected")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
	ErrInvalidResource     = errors.New("invalid resource definition")
	ErrUnknownOffering     = errors.New("unknown or inactive offering")
	ErrWrongResourceKind   = errors.New("operation not supported for this resource kind")
	ErrPaymentRefRequired  = errors.New("payment reference required")
)

var domainErrors = []error{
	ErrSlotTaken,
	ErrNotPending,
	ErrResourceClosed,
	ErrInvalidInterval,
	ErrNotFound,
	ErrInPast,
	ErrTooManyDates,
	ErrIdempotencyConflict,
	ErrInvalidResource,
	ErrUnknownOffering,
	ErrWrongResourceKind,
	ErrPaymentRefRequired,
}

// IsDomainError reports whether err is one of the errors above. Anything else is an
// infrastructure failure.
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
