package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/kafkax"
	otelx "github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/otel"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

// Source hands out batches of unpublished events. Both the Postgres repository and the
// in-memory store implement it.
type Source interface {
	Claim(ctx context.Context, limit int, fn func(ctx context.Context, records []Record) error) error
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	source    Source
	writer    Writer
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

// NewPublisher relays outbox rows to Kafka. A nil writer disables publishing.
func NewPublisher(source Source, writer Writer, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		source:    source,
		writer:    writer,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if p.writer == nil {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// PublishBatch sends one batch and returns how many events went out.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	sent := 0
	err := p.source.Claim(ctx, p.batchSize, func(ctx context.Context, records []Record) error {
		ctx, span := otelx.Start(ctx, "outbox", "outbox.publish", attribute.Int("outbox.batch_size", len(records)))
		msgs := make([]kafka.Message, 0, len(records))
		for _, r := range records {
			msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
			key := r.PartitionKey
			if key == "" {
				key = r.AggregateID
			}
			headers := kafkax.MetaHeaders(kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType})
			msgs = append(msgs, kafka.Message{
				Topic:   r.EventType,
				Key:     []byte(key),
				Value:   r.Payload,
				Headers: kafkax.InjectTraceHeaders(msgCtx, headers),
			})
		}
		err := p.writer.WriteMessages(ctx, msgs...)
		otelx.End(span, err)
		if err != nil {
			return err
		}
		sent = len(msgs)
		return nil
	})
	return sent, err
}
