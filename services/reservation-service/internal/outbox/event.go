package outbox

import "time"

// Event is the domain event envelope written to the outbox in the same transaction as the
// state change it describes. The Kafka topic equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	// PartitionKey orders messages on Kafka; reservation events use the resource id.
	PartitionKey string
	EventType    string
	Payload      []byte
	Traceparent  string
	Tracestate   string
}

const (
	AggregateReservation = "reservation"

	EventReservationCreated   = "reservation.created.v1"
	EventReservationConfirmed = "reservation.confirmed.v1"
	EventReservationCancelled = "reservation.cancelled.v1"
	EventReservationExpired   = "reservation.expired.v1"
)

type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	PartitionKey  string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}
