package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/db"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/jackc/pgx/v5"
)

// Store keeps reservations in Postgres. Atomic opens one transaction and takes a
// transaction-scoped advisory lock per (resource, date) key before running the caller, so
// the conflict re-check and the insert happen with no concurrent writer on that key.
type Store struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool, outbox: outbox.NewRepository(pool)}
}

var _ reservation.Store = (*Store)(nil)

func (s *Store) Atomic(ctx context.Context, keys []reservation.Key, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		for _, k := range reservation.SortedKeys(keys) {
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k.String()); err != nil {
				return fmt.Errorf("lock %s: %w", k, err)
			}
		}
		return fn(ctx)
	})
}

func (s *Store) GetResource(ctx context.Context, id string) (model.Resource, error) {
	var (
		res       model.Resource
		kind      string
		schedule  []byte
		offerings []byte
	)
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT id, name, kind, active, schedule, offerings, created_at, updated_at
		FROM resources
		WHERE id = $1
	`, id).Scan(&res.ID, &res.Name, &kind, &res.Active, &schedule, &offerings, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return model.Resource{}, mapErr(err)
	}
	res.Kind = model.ResourceKind(kind)
	if err := json.Unmarshal(schedule, &res.Schedule); err != nil {
		return model.Resource{}, fmt.Errorf("decode schedule of %s: %w", id, err)
	}
	if err := json.Unmarshal(offerings, &res.Offerings); err != nil {
		return model.Resource{}, fmt.Errorf("decode offerings of %s: %w", id, err)
	}
	return res, nil
}

func (s *Store) UpsertResource(ctx context.Context, res model.Resource) error {
	schedule, err := json.Marshal(res.Schedule)
	if err != nil {
		return err
	}
	if res.Offerings == nil {
		res.Offerings = []model.Offering{}
	}
	offerings, err := json.Marshal(res.Offerings)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO resources (id, name, kind, active, schedule, offerings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			active = EXCLUDED.active,
			schedule = EXCLUDED.schedule,
			offerings = EXCLUDED.offerings,
			updated_at = EXCLUDED.updated_at
	`, res.ID, res.Name, string(res.Kind), res.Active, schedule, offerings, res.CreatedAt, res.UpdatedAt)
	return err
}

const reservationColumns = `
	id::text, resource_id, to_char(reservation_date, 'YYYY-MM-DD'), start_time, end_time, whole_day, offering_id,
	contact_name, contact_email, contact_phone, status, created_at, expires_at, expiry_notice_sent,
	payment_ref, idempotency_key, confirmed_at, cancelled_at, cancel_reason`

func scanReservation(row pgx.Row) (model.Reservation, error) {
	var (
		r      model.Reservation
		status string
	)
	err := row.Scan(
		&r.ID,
		&r.ResourceID,
		&r.Date,
		&r.Start,
		&r.End,
		&r.WholeDay,
		&r.OfferingID,
		&r.Contact.Name,
		&r.Contact.Email,
		&r.Contact.Phone,
		&status,
		&r.CreatedAt,
		&r.ExpiresAt,
		&r.ExpiryNoticeSent,
		&r.PaymentRef,
		&r.IdempotencyKey,
		&r.ConfirmedAt,
		&r.CancelledAt,
		&r.CancelReason,
	)
	r.Status = model.Status(status)
	return r, err
}

func (s *Store) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	r, err := scanReservation(db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
	`, id))
	if err != nil {
		return model.Reservation{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) ListReservations(ctx context.Context, resourceID, date string) ([]model.Reservation, error) {
	return s.ListReservationsRange(ctx, resourceID, date, date)
}

func (s *Store) ListReservationsRange(ctx context.Context, resourceID, from, to string) ([]model.Reservation, error) {
	fromDate, err := interval.ParseDate(from, time.UTC)
	if err != nil {
		return nil, err
	}
	toDate, err := interval.ParseDate(to, time.UTC)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE resource_id = $1
			AND reservation_date BETWEEN $2 AND $3
		ORDER BY reservation_date, start_time, created_at
	`, resourceID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, resourceID, key string) (*model.Reservation, error) {
	r, err := scanReservation(db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE resource_id = $1 AND idempotency_key = $2
	`, resourceID, key))
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) InsertReservation(ctx context.Context, r model.Reservation) error {
	date, err := interval.ParseDate(r.Date, time.UTC)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO reservations
			(id, resource_id, reservation_date, start_time, end_time, whole_day, offering_id,
			contact_name, contact_email, contact_phone, status, created_at, expires_at, payment_ref, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, r.ID, r.ResourceID, date, r.Start, r.End, r.WholeDay, r.OfferingID,
		r.Contact.Name, r.Contact.Email, r.Contact.Phone, string(r.Status), r.CreatedAt, r.ExpiresAt, r.PaymentRef, r.IdempotencyKey)
	if db.IsUniqueViolation(err) {
		return model.ErrIdempotencyConflict
	}
	return err
}

func (s *Store) UpdateReservation(ctx context.Context, r model.Reservation) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE reservations
		SET status = $2,
			expires_at = $3,
			payment_ref = $4,
			confirmed_at = $5,
			cancelled_at = $6,
			cancel_reason = $7
		WHERE id = $1
	`, r.ID, string(r.Status), r.ExpiresAt, r.PaymentRef, r.ConfirmedAt, r.CancelledAt, r.CancelReason)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) ListBlockedDates(ctx context.Context, resourceID, from, to string) ([]model.BlockedDate, error) {
	var fromDate, toDate *time.Time
	if from != "" {
		d, err := interval.ParseDate(from, time.UTC)
		if err != nil {
			return nil, err
		}
		fromDate = &d
	}
	if to != "" {
		d, err := interval.ParseDate(to, time.UTC)
		if err != nil {
			return nil, err
		}
		toDate = &d
	}
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT id::text, resource_id, to_char(blocked_date, 'YYYY-MM-DD'), reason, created_at
		FROM blocked_dates
		WHERE resource_id = $1
			AND ($2::date IS NULL OR blocked_date >= $2)
			AND ($3::date IS NULL OR blocked_date <= $3)
		ORDER BY blocked_date
	`, resourceID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.BlockedDate{}
	for rows.Next() {
		var b model.BlockedDate
		if err := rows.Scan(&b.ID, &b.ResourceID, &b.Date, &b.Reason, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) InsertBlockedDate(ctx context.Context, b model.BlockedDate) error {
	date, err := interval.ParseDate(b.Date, time.UTC)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO blocked_dates (id, resource_id, blocked_date, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_id, blocked_date) DO NOTHING
	`, b.ID, b.ResourceID, date, b.Reason, b.CreatedAt)
	return err
}

func (s *Store) DeleteBlockedDate(ctx context.Context, resourceID, date string) error {
	d, err := interval.ParseDate(date, time.UTC)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		DELETE FROM blocked_dates
		WHERE resource_id = $1 AND blocked_date = $2
	`, resourceID, d)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, evt outbox.Event) error {
	return s.outbox.Insert(ctx, evt)
}

// Claim implements outbox.Source.
func (s *Store) Claim(ctx context.Context, limit int, fn func(ctx context.Context, records []outbox.Record) error) error {
	return s.outbox.Claim(ctx, limit, fn)
}

// ClaimExpired implements expiry.Store. Rows locked by a concurrent sweep are skipped.
func (s *Store) ClaimExpired(ctx context.Context, now time.Time, limit int, fn func(ctx context.Context, expired []model.Reservation) error) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		rows, err := conn.Query(ctx, `
			SELECT `+reservationColumns+`
			FROM reservations
			WHERE status = 'pending'
				AND expires_at <= $1
				AND NOT expiry_notice_sent
			ORDER BY expires_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, limit)
		if err != nil {
			return err
		}
		var due []model.Reservation
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		if err := fn(ctx, due); err != nil {
			return err
		}

		ids := make([]string, 0, len(due))
		for _, r := range due {
			ids = append(ids, r.ID)
		}
		_, err = conn.Exec(ctx, `
			UPDATE reservations
			SET expiry_notice_sent = TRUE
			WHERE id::text = ANY($1)
		`, ids)
		return err
	})
}

// Record implements the payment inbox: false means the event id was seen before.
func (s *Store) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// mapErr turns row-not-found and malformed ids into model.ErrNotFound.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNotFound(err), db.IsInvalidInput(err):
		return model.ErrNotFound
	default:
		return err
	}
}
