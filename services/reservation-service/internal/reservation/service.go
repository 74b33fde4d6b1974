// Package reservation is the admission controller: it decides whether a reservation may be
// created and owns every later status transition. All writes serialize on the
// (resource, date) key so the non-overlap invariant holds under concurrent requesters.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/availability"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/clock"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	DefaultHoldTTL = time.Hour
)

type Service struct {
	store         Store
	clock         clock.Clock
	loc           *time.Location
	holdTTL       time.Duration
	defaultBuffer int
	feed          changefeed.Publisher
	logger        *slog.Logger
	readTries     uint
	readBackoff   time.Duration
}

type Option func(*Service)

// WithHoldTTL sets how long a new reservation stays pending before it expires.
func WithHoldTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

// WithLocation sets the wall-clock zone that decides what "today" and "now" mean for
// schedules and dates.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithDefaultBuffer(minutes int) Option {
	return func(s *Service) {
		if minutes > 0 {
			s.defaultBuffer = minutes
		}
	}
}

func WithChangeFeed(p changefeed.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.feed = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReadRetry retries failed store reads on the availability paths. Writes are never
// retried.
func WithReadRetry(maxTries uint, initial time.Duration) Option {
	return func(s *Service) {
		if maxTries > 0 {
			s.readTries = maxTries
		}
		if initial > 0 {
			s.readBackoff = initial
		}
	}
}

func NewService(store Store, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		store:         store,
		clock:         clk,
		loc:           time.UTC,
		holdTTL:       DefaultHoldTTL,
		defaultBuffer: availability.DefaultBufferMinutes,
		feed:          changefeed.Nop{},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		readTries:     3,
		readBackoff:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the service clock in the service location.
func (s *Service) Now() time.Time {
	return s.clock.Now().In(s.loc)
}

func (s *Service) Location() *time.Location {
	return s.loc
}

type SlotQuery struct {
	ResourceID string
	Date       string
	// OfferingID wins over DurationMinutes when both are set.
	OfferingID      string
	DurationMinutes int
}

// AvailableSlots lists the start times still bookable for the requested duration.
func (s *Service) AvailableSlots(ctx context.Context, q SlotQuery) ([]string, error) {
	res, err := retryRead(ctx, s, func() (model.Resource, error) {
		return s.store.GetResource(ctx, q.ResourceID)
	})
	if err != nil {
		return nil, err
	}
	if res.Kind != model.ResourceKindSlot {
		return nil, model.ErrWrongResourceKind
	}
	duration, _, err := resolveDuration(res, q.OfferingID, q.DurationMinutes)
	if err != nil {
		return nil, err
	}
	if _, err := interval.ParseDate(q.Date, s.loc); err != nil {
		return nil, err
	}

	existing, err := retryRead(ctx, s, func() ([]model.Reservation, error) {
		return s.store.ListReservations(ctx, q.ResourceID, q.Date)
	})
	if err != nil {
		return nil, err
	}

	return availability.AvailableSlots(availability.Query{
		Date:                 q.Date,
		Resource:             res,
		DurationMinutes:      duration,
		Existing:             existing,
		Now:                  s.Now(),
		DefaultBufferMinutes: s.defaultBuffer,
	})
}

// SelectableDays lists the dates in [from, to] a whole-day resource can still be reserved on.
func (s *Service) SelectableDays(ctx context.Context, resourceID, from, to string) ([]string, error) {
	res, err := retryRead(ctx, s, func() (model.Resource, error) {
		return s.store.GetResource(ctx, resourceID)
	})
	if err != nil {
		return nil, err
	}
	if res.Kind != model.ResourceKindWholeDay {
		return nil, model.ErrWrongResourceKind
	}
	if !res.Active {
		return []string{}, nil
	}

	existing, err := retryRead(ctx, s, func() ([]model.Reservation, error) {
		return s.store.ListReservationsRange(ctx, resourceID, from, to)
	})
	if err != nil {
		return nil, err
	}
	blocked, err := retryRead(ctx, s, func() ([]model.BlockedDate, error) {
		return s.store.ListBlockedDates(ctx, resourceID, from, to)
	})
	if err != nil {
		return nil, err
	}
	return availability.SelectableDates(from, to, resourceID, existing, blocked, s.Now())
}

type CreateInput struct {
	ResourceID      string
	Date            string
	Start           string
	OfferingID      string
	DurationMinutes int
	Contact         model.Contact
	IdempotencyKey  string
}

// Create admits a slot reservation as a pending hold. The conflict check is repeated under
// the (resource, date) lock immediately before the write, so two requesters that both saw
// the slot as free cannot both claim it.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.Reservation, error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	now := s.Now()

	res, err := s.store.GetResource(ctx, in.ResourceID)
	if err != nil {
		return model.Reservation{}, err
	}
	if res.Kind != model.ResourceKindSlot {
		return model.Reservation{}, model.ErrWrongResourceKind
	}
	duration, offeringID, err := resolveDuration(res, in.OfferingID, in.DurationMinutes)
	if err != nil {
		return model.Reservation{}, err
	}
	iv, err := interval.FromClock(in.Start, duration)
	if err != nil {
		return model.Reservation{}, err
	}
	day, err := interval.ParseDate(in.Date, s.loc)
	if err != nil {
		return model.Reservation{}, err
	}
	if err := checkOpen(res, day, iv); err != nil {
		return model.Reservation{}, err
	}
	if !interval.At(day, iv.Start).After(now) {
		return model.Reservation{}, model.ErrInPast
	}

	expiresAt := now.Add(s.holdTTL)
	r := model.Reservation{
		ID:             uuid.NewString(),
		ResourceID:     res.ID,
		Date:           in.Date,
		Start:          interval.FormatClock(iv.Start),
		End:            interval.FormatClock(iv.End),
		OfferingID:     offeringID,
		Contact:        in.Contact,
		Status:         model.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      &expiresAt,
		IdempotencyKey: in.IdempotencyKey,
	}
	buffer := availability.MinBuffer(res.Offerings, s.defaultBuffer)

	var result model.Reservation
	replayed := false
	err = s.store.Atomic(ctx, []Key{{ResourceID: res.ID, Date: in.Date}}, func(ctx context.Context) error {
		if prior, err := s.replay(ctx, r); err != nil || prior != nil {
			if prior != nil {
				result, replayed = *prior, true
			}
			return err
		}

		existing, err := s.store.ListReservations(ctx, res.ID, in.Date)
		if err != nil {
			return err
		}
		conflict, found, err := availability.FindConflict(availability.Candidate{
			ResourceID:      res.ID,
			Date:            in.Date,
			Start:           r.Start,
			DurationMinutes: duration,
		}, existing, buffer, now)
		if err != nil {
			return err
		}
		if found {
			s.logger.InfoContext(ctx, "slot taken",
				"resource_id", res.ID,
				"date", in.Date,
				"start", r.Start,
				"conflicting_reservation_id", conflict.ID,
			)
			return model.ErrSlotTaken
		}

		if err := s.store.InsertReservation(ctx, r); err != nil {
			return err
		}
		result = r
		return s.enqueue(ctx, eventCreated(r))
	})
	if err != nil {
		if errors.Is(err, model.ErrIdempotencyConflict) && in.IdempotencyKey != "" {
			// A concurrent request with the same key on another date won the insert.
			if prior, rerr := s.replay(ctx, r); rerr == nil && prior != nil {
				return *prior, nil
			}
		}
		return model.Reservation{}, err
	}
	if replayed {
		return result, nil
	}

	s.logger.InfoContext(ctx, "reservation created",
		"reservation_id", result.ID,
		"resource_id", result.ResourceID,
		"date", result.Date,
		"start", result.Start,
		"end", result.End,
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
	)
	s.publish(ctx, changefeed.TypeCreated, result)
	return result, nil
}

type WholeDayInput struct {
	ResourceID     string
	Dates          []string
	Contact        model.Contact
	IdempotencyKey string
}

// CreateWholeDay holds up to MaxSelectedDays dates of a whole-day resource in one request.
// Every date is re-validated under its lock; either all dates are reserved or none.
func (s *Service) CreateWholeDay(ctx context.Context, in WholeDayInput) ([]model.Reservation, error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	now := s.Now()

	sel := availability.NewDaySelection(availability.MaxSelectedDays)
	for _, d := range in.Dates {
		if err := sel.Add(d); err != nil {
			return nil, err
		}
	}
	if sel.Len() == 0 {
		return nil, fmt.Errorf("%w: no dates selected", model.ErrInvalidInterval)
	}

	res, err := s.store.GetResource(ctx, in.ResourceID)
	if err != nil {
		return nil, err
	}
	if res.Kind != model.ResourceKindWholeDay {
		return nil, model.ErrWrongResourceKind
	}
	if !res.Active {
		return nil, model.ErrResourceClosed
	}

	dates := sel.Dates()
	expiresAt := now.Add(s.holdTTL)
	keys := make([]Key, 0, len(dates))
	pending := make([]model.Reservation, 0, len(dates))
	for _, d := range dates {
		if d < now.Format(interval.DateLayout) {
			return nil, model.ErrInPast
		}
		keys = append(keys, Key{ResourceID: res.ID, Date: d})
		idem := ""
		if in.IdempotencyKey != "" {
			idem = in.IdempotencyKey + ":" + d
		}
		pending = append(pending, model.Reservation{
			ID:             uuid.NewString(),
			ResourceID:     res.ID,
			Date:           d,
			Start:          interval.FormatClock(0),
			End:            interval.FormatClock(interval.MinutesPerDay),
			WholeDay:       true,
			Contact:        in.Contact,
			Status:         model.StatusPending,
			CreatedAt:      now,
			ExpiresAt:      &expiresAt,
			IdempotencyKey: idem,
		})
	}

	var (
		created  []model.Reservation
		replayed bool
	)
	err = s.store.Atomic(ctx, keys, func(ctx context.Context) error {
		created = created[:0]
		replays := 0
		for i := range pending {
			prior, err := s.replay(ctx, pending[i])
			if err != nil {
				return err
			}
			if prior != nil {
				pending[i] = *prior
				replays++
			}
		}
		if replays == len(pending) {
			created = append(created, pending...)
			replayed = true
			return nil
		}
		if replays > 0 {
			return model.ErrIdempotencyConflict
		}

		from, to := dates[0], dates[len(dates)-1]
		existing, err := s.store.ListReservationsRange(ctx, res.ID, from, to)
		if err != nil {
			return err
		}
		blocked, err := s.store.ListBlockedDates(ctx, res.ID, from, to)
		if err != nil {
			return err
		}
		for _, r := range pending {
			ok, err := availability.IsDateSelectable(r.Date, res.ID, existing, blocked, now)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.InfoContext(ctx, "date taken", "resource_id", res.ID, "date", r.Date)
				return model.ErrSlotTaken
			}
		}
		for _, r := range pending {
			if err := s.store.InsertReservation(ctx, r); err != nil {
				return err
			}
			if err := s.enqueue(ctx, eventCreated(r)); err != nil {
				return err
			}
			created = append(created, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return created, nil
	}

	for _, r := range created {
		s.logger.InfoContext(ctx, "reservation created",
			"reservation_id", r.ID,
			"resource_id", r.ResourceID,
			"date", r.Date,
			"whole_day", true,
			"expires_at", expiresAt.UTC().Format(time.RFC3339),
		)
		s.publish(ctx, changefeed.TypeCreated, r)
	}
	return created, nil
}

// Confirm moves a live pending hold to confirmed and clears its expiry.
func (s *Service) Confirm(ctx context.Context, id string) (model.Reservation, error) {
	return s.transition(ctx, id, func(now time.Time, r *model.Reservation) (bool, error) {
		if r.Status != model.StatusPending || r.Expired(now) {
			return false, model.ErrNotPending
		}
		r.Status = model.StatusConfirmed
		r.ExpiresAt = nil
		r.ConfirmedAt = &now
		return true, nil
	})
}

// MarkPaid is the payment path to confirmation. Replaying it on a reservation already
// confirmed is a no-op.
func (s *Service) MarkPaid(ctx context.Context, id, paymentRef string) (model.Reservation, error) {
	return s.transition(ctx, id, func(now time.Time, r *model.Reservation) (bool, error) {
		if r.Status == model.StatusConfirmed {
			return false, nil
		}
		if r.Status != model.StatusPending || r.Expired(now) {
			return false, model.ErrNotPending
		}
		r.Status = model.StatusConfirmed
		r.ExpiresAt = nil
		r.ConfirmedAt = &now
		if paymentRef != "" {
			r.PaymentRef = paymentRef
		}
		return true, nil
	})
}

// AttachPaymentRef records a pending payment against a live hold without confirming it.
func (s *Service) AttachPaymentRef(ctx context.Context, id, paymentRef string) (model.Reservation, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return model.Reservation{}, model.ErrPaymentRefRequired
	}
	return s.transition(ctx, id, func(now time.Time, r *model.Reservation) (bool, error) {
		if r.Status != model.StatusPending || r.Expired(now) {
			return false, model.ErrNotPending
		}
		if r.PaymentRef == paymentRef {
			return false, nil
		}
		r.PaymentRef = paymentRef
		return true, nil
	})
}

// Cancel is allowed from pending (expired or not) and confirmed. Cancelling a cancelled
// reservation succeeds and changes nothing.
func (s *Service) Cancel(ctx context.Context, id, reason string) (model.Reservation, error) {
	return s.transition(ctx, id, func(now time.Time, r *model.Reservation) (bool, error) {
		if r.Status == model.StatusCancelled {
			return false, nil
		}
		r.Status = model.StatusCancelled
		r.CancelledAt = &now
		r.CancelReason = strings.TrimSpace(reason)
		return true, nil
	})
}

// transition loads the reservation under its key lock and applies mutate. mutate reports
// whether anything changed; unchanged reservations are returned without a write.
func (s *Service) transition(ctx context.Context, id string, mutate func(now time.Time, r *model.Reservation) (bool, error)) (model.Reservation, error) {
	current, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return model.Reservation{}, err
	}

	var (
		result  model.Reservation
		changed bool
		before  model.Status
	)
	err = s.store.Atomic(ctx, []Key{{ResourceID: current.ResourceID, Date: current.Date}}, func(ctx context.Context) error {
		r, err := s.store.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		before = r.Status
		changed, err = mutate(s.Now(), &r)
		if err != nil {
			return err
		}
		result = r
		if !changed {
			return nil
		}
		if err := s.store.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if before == r.Status {
			return nil
		}
		return s.enqueue(ctx, eventForStatus(r))
	})
	if err != nil {
		return model.Reservation{}, err
	}

	if changed {
		s.logger.InfoContext(ctx, "reservation updated",
			"reservation_id", result.ID,
			"resource_id", result.ResourceID,
			"from", before,
			"to", result.Status,
		)
		if before != result.Status {
			s.publish(ctx, changeTypeForStatus(result.Status), result)
		}
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// List returns every reservation of a resource on date, cancelled ones included.
func (s *Service) List(ctx context.Context, resourceID, date string) ([]model.Reservation, error) {
	if _, err := interval.ParseDate(date, s.loc); err != nil {
		return nil, err
	}
	return s.store.ListReservations(ctx, resourceID, date)
}

func (s *Service) replay(ctx context.Context, want model.Reservation) (*model.Reservation, error) {
	if want.IdempotencyKey == "" {
		return nil, nil
	}
	prior, err := s.store.FindByIdempotencyKey(ctx, want.ResourceID, want.IdempotencyKey)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.Date != want.Date || prior.Start != want.Start || prior.End != want.End || prior.WholeDay != want.WholeDay {
		return nil, model.ErrIdempotencyConflict
	}
	return prior, nil
}

func (s *Service) publish(ctx context.Context, typ string, r model.Reservation) {
	err := s.feed.Publish(ctx, changefeed.Change{
		Type:          typ,
		ResourceID:    r.ResourceID,
		Date:          r.Date,
		ReservationID: r.ID,
		Status:        r.DisplayStatus(s.Now()),
		At:            s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "change feed publish failed", "reservation_id", r.ID, "err", err)
	}
}

func resolveDuration(res model.Resource, offeringID string, minutes int) (int, string, error) {
	if offeringID = strings.TrimSpace(offeringID); offeringID != "" {
		o, ok := res.Offering(offeringID)
		if !ok {
			return 0, "", model.ErrUnknownOffering
		}
		return o.DurationMinutes, o.ID, nil
	}
	if minutes <= 0 {
		return 0, "", fmt.Errorf("%w: duration or offering required", model.ErrInvalidInterval)
	}
	return minutes, "", nil
}

// checkOpen requires an active resource whose schedule offers the requested start on day.
// Starts off the slot grid are refused the same as closed hours.
func checkOpen(res model.Resource, day time.Time, iv interval.Interval) error {
	if !res.Active {
		return model.ErrResourceClosed
	}
	slots, err := availability.DaySlots(res.Schedule, day.Weekday())
	if err != nil {
		return err
	}
	start := interval.FormatClock(iv.Start)
	for _, slot := range slots {
		if slot == start {
			return nil
		}
	}
	return model.ErrResourceClosed
}

// retryRead retries transient store failures with exponential backoff. Domain errors and
// context cancellation end the retry immediately.
func retryRead[T any](ctx context.Context, s *Service, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.readBackoff
	b.MaxInterval = 20 * s.readBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && (model.IsDomainError(err) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.readTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WarnContext(ctx, "store read failed; retrying", "err", err, "retry_in", next)
		}),
	)
}
