package model

import (
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// DisplayExpired is derived on read for pending holds past their expiry. It is never stored.
const DisplayExpired = "expired"

type Contact struct {
	Name  string
	Email string
	Phone string
}

type Reservation struct {
	ID               string
	ResourceID       string
	Date             string
	Start            string
	End              string
	WholeDay         bool
	OfferingID       string
	Contact          Contact
	Status           Status
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	ExpiryNoticeSent bool
	PaymentRef       string
	IdempotencyKey   string
	ConfirmedAt      *time.Time
	CancelledAt      *time.Time
	CancelReason     string
}

// Expired reports a pending hold whose expiry has passed.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Blocking reports whether the reservation still occupies its interval.
func (r Reservation) Blocking(now time.Time) bool {
	switch r.Status {
	case StatusConfirmed:
		return true
	case StatusPending:
		return !r.Expired(now)
	default:
		return false
	}
}

func (r Reservation) DisplayStatus(now time.Time) string {
	if r.Expired(now) {
		return DisplayExpired
	}
	return string(r.Status)
}

// Interval is the occupied minute range; whole-day reservations cover the full day.
func (r Reservation) Interval() (interval.Interval, error) {
	if r.WholeDay {
		return interval.WholeDay(), nil
	}
	start, err := interval.ParseClock(r.Start)
	if err != nil {
		return interval.Interval{}, err
	}
	end, err := interval.ParseClock(r.End)
	if err != nil {
		return interval.Interval{}, err
	}
	return interval.New(start, end)
}
