package reservation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
)

// EventPayload is the JSON body of every reservation.*.v1 event.
type EventPayload struct {
	ReservationID string `json:"reservation_id"`
	ResourceID    string `json:"resource_id"`
	Date          string `json:"date"`
	Start         string `json:"start"`
	End           string `json:"end"`
	WholeDay      bool   `json:"whole_day"`
	OfferingID    string `json:"offering_id,omitempty"`
	Status        string `json:"status"`
	ContactName   string `json:"contact_name,omitempty"`
	ContactEmail  string `json:"contact_email,omitempty"`
	ContactPhone  string `json:"contact_phone,omitempty"`
	PaymentRef    string `json:"payment_ref,omitempty"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type pendingEvent struct {
	eventType string
	r         model.Reservation
}

func eventCreated(r model.Reservation) pendingEvent {
	return pendingEvent{eventType: outbox.EventReservationCreated, r: r}
}

func eventForStatus(r model.Reservation) pendingEvent {
	switch r.Status {
	case model.StatusConfirmed:
		return pendingEvent{eventType: outbox.EventReservationConfirmed, r: r}
	case model.StatusCancelled:
		return pendingEvent{eventType: outbox.EventReservationCancelled, r: r}
	default:
		return pendingEvent{eventType: outbox.EventReservationCreated, r: r}
	}
}

func changeTypeForStatus(s model.Status) string {
	switch s {
	case model.StatusConfirmed:
		return changefeed.TypeConfirmed
	case model.StatusCancelled:
		return changefeed.TypeCancelled
	default:
		return changefeed.TypeCreated
	}
}

// NewEvent builds the outbox envelope for r under eventType.
func NewEvent(eventType string, r model.Reservation) (outbox.Event, error) {
	p := EventPayload{
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		Date:          r.Date,
		Start:         r.Start,
		End:           r.End,
		WholeDay:      r.WholeDay,
		OfferingID:    r.OfferingID,
		Status:        string(r.Status),
		ContactName:   r.Contact.Name,
		ContactEmail:  r.Contact.Email,
		ContactPhone:  r.Contact.Phone,
		PaymentRef:    r.PaymentRef,
		CancelReason:  r.CancelReason,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.ExpiresAt != nil {
		p.ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: outbox.AggregateReservation,
		AggregateID:   r.ID,
		PartitionKey:  r.ResourceID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

func (s *Service) enqueue(ctx context.Context, pe pendingEvent) error {
	evt, err := NewEvent(pe.eventType, pe.r)
	if err != nil {
		return err
	}
	return s.store.Enqueue(ctx, evt)
}
