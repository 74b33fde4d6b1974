package outbox

import (
	"context"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/db"
	otelx "github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/otel"
)

// Repository is the Postgres outbox. Insert joins the transaction carried on ctx, if any.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, evt Event) error {
	if evt.Traceparent == "" {
		evt.Traceparent, evt.Tracestate = otelx.TraceContextStrings(ctx)
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, partition_key, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.AggregateType, evt.AggregateID, evt.PartitionKey, evt.EventType, evt.Payload, evt.Traceparent, evt.Tracestate)
	return err
}

// Claim locks up to limit unpublished rows, hands them to fn and marks them published when
// fn succeeds. Rows locked by another publisher are skipped.
func (r *Repository) Claim(ctx context.Context, limit int, fn func(ctx context.Context, records []Record) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, r.pool)
		rows, err := conn.Query(ctx, `
			SELECT id, event_id::text, aggregate_type, aggregate_id, partition_key, event_type, payload, traceparent, tracestate, created_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		var records []Record
		for rows.Next() {
			var rcd Record
			if err := rows.Scan(&rcd.ID, &rcd.EventID, &rcd.AggregateType, &rcd.AggregateID, &rcd.PartitionKey,
				&rcd.EventType, &rcd.Payload, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt); err != nil {
				return err
			}
			records = append(records, rcd)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(records) == 0 {
			return nil
		}

		if err := fn(ctx, records); err != nil {
			return err
		}

		ids := make([]int64, 0, len(records))
		for _, rcd := range records {
			ids = append(ids, rcd.ID)
		}
		_, err = conn.Exec(ctx, `
			UPDATE outbox_events
			SET published_at = now()
			WHERE id = ANY($1)
		`, ids)
		return err
	})
}
