package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/kafkax"
	otelx "github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/otel"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultPaidTopic = "payments.reservation.paid.v1"

// PaidEvent is the payload of DefaultPaidTopic.
type PaidEvent struct {
	ReservationID string `json:"reservation_id"`
	PaymentRef    string `json:"payment_ref"`
}

type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer confirms reservations from payment events. Each event id is recorded in the
// inbox first, so redeliveries are dropped.
type Consumer struct {
	reader    Reader
	inbox     Inbox
	confirmer Confirmer
	logger    *slog.Logger
}

func NewConsumer(reader Reader, inbox Inbox, confirmer Confirmer, logger *slog.Logger) *Consumer {
	return &Consumer{reader: reader, inbox: inbox, confirmer: confirmer, logger: logger}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := c.Handle(ctx, msg); err != nil {
			c.logger.Error("payment event failed", "topic", msg.Topic, "err", err)
		}
	}
}

// Handle processes one message. Malformed and settled events are logged and dropped.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) (err error) {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := otelx.Start(ctx, "kafka", "kafka.consume",
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
	)
	defer func() { otelx.End(span, err) }()

	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID != "" {
		fresh, err := c.inbox.Record(ctx, meta.EventID, meta.EventType)
		if err != nil {
			return err
		}
		if !fresh {
			c.logger.InfoContext(ctx, "duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
			return nil
		}
	}

	var evt PaidEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		c.logger.ErrorContext(ctx, "invalid payment payload", "event_id", meta.EventID, "err", err)
		return nil
	}
	evt.ReservationID = strings.TrimSpace(evt.ReservationID)
	if evt.ReservationID == "" {
		c.logger.ErrorContext(ctx, "payment event without reservation_id", "event_id", meta.EventID)
		return nil
	}

	r, err := c.confirmer.MarkPaid(ctx, evt.ReservationID, strings.TrimSpace(evt.PaymentRef))
	if err != nil {
		if Settled(err) {
			c.logger.WarnContext(ctx, "payment for unconfirmable reservation",
				"event_id", meta.EventID,
				"reservation_id", evt.ReservationID,
				"err", err,
			)
			return nil
		}
		return err
	}
	c.logger.InfoContext(ctx, "reservation paid",
		"event_id", meta.EventID,
		"reservation_id", r.ID,
		"payment_ref", r.PaymentRef,
	)
	return nil
}
