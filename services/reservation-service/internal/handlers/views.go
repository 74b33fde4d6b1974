package handlers

import (
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

type contactView struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type reservationView struct {
	ID           string       `json:"reservation_id"`
	ResourceID   string       `json:"resource_id"`
	Date         string       `json:"date"`
	Start        string       `json:"start"`
	End          string       `json:"end"`
	WholeDay     bool         `json:"whole_day,omitempty"`
	OfferingID   string       `json:"offering_id,omitempty"`
	Status       string       `json:"status"`
	ExpiresAt    string       `json:"expires_at,omitempty"`
	PaymentRef   string       `json:"payment_ref,omitempty"`
	CreatedAt    string       `json:"created_at"`
	ConfirmedAt  string       `json:"confirmed_at,omitempty"`
	CancelledAt  string       `json:"cancelled_at,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty"`
	Customer     *contactView `json:"customer,omitempty"`
}

// viewReservation renders r with its display status. Contact details are only included
// for operators.
func viewReservation(r model.Reservation, now time.Time, withContact bool) reservationView {
	v := reservationView{
		ID:           r.ID,
		ResourceID:   r.ResourceID,
		Date:         r.Date,
		Start:        r.Start,
		End:          r.End,
		WholeDay:     r.WholeDay,
		OfferingID:   r.OfferingID,
		Status:       r.DisplayStatus(now),
		ExpiresAt:    formatTime(r.ExpiresAt),
		PaymentRef:   r.PaymentRef,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		ConfirmedAt:  formatTime(r.ConfirmedAt),
		CancelledAt:  formatTime(r.CancelledAt),
		CancelReason: r.CancelReason,
	}
	if withContact {
		v.Customer = &contactView{Name: r.Contact.Name, Email: r.Contact.Email, Phone: r.Contact.Phone}
	}
	return v
}

func viewReservations(rs []model.Reservation, now time.Time, withContact bool) []reservationView {
	out := make([]reservationView, 0, len(rs))
	for _, r := range rs {
		out = append(out, viewReservation(r, now, withContact))
	}
	return out
}

type resourceView struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Kind      model.ResourceKind   `json:"kind"`
	Active    bool                 `json:"active"`
	Schedule  model.WeeklySchedule `json:"schedule"`
	Offerings []model.Offering     `json:"offerings"`
	CreatedAt string               `json:"created_at,omitempty"`
	UpdatedAt string               `json:"updated_at,omitempty"`
}

// viewResource renders res. The public view hides inactive offerings.
func viewResource(res model.Resource, public bool) resourceView {
	offerings := make([]model.Offering, 0, len(res.Offerings))
	for _, o := range res.Offerings {
		if public && !o.Active {
			continue
		}
		offerings = append(offerings, o)
	}
	v := resourceView{
		ID:        res.ID,
		Name:      res.Name,
		Kind:      res.Kind,
		Active:    res.Active,
		Schedule:  res.Schedule,
		Offerings: offerings,
	}
	if !res.CreatedAt.IsZero() {
		v.CreatedAt = res.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !res.UpdatedAt.IsZero() {
		v.UpdatedAt = res.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return v
}

type blockedDateView struct {
	ResourceID string `json:"resource_id"`
	Date       string `json:"date"`
	Reason     string `json:"reason,omitempty"`
}

func viewBlockedDates(bs []model.BlockedDate) []blockedDateView {
	out := make([]blockedDateView, 0, len(bs))
	for _, b := range bs {
		out = append(out, blockedDateView{ResourceID: b.ResourceID, Date: b.Date, Reason: b.Reason})
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
