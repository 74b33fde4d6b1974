// Package memory is a single-process Store. Writers serialize on a mutex per
// (resource, date) key; writes made inside Atomic are staged and applied together on
// success.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/google/uuid"
)

type Store struct {
	locks keyLocks

	mu           sync.RWMutex
	resources    map[string]model.Resource
	reservations map[string]model.Reservation
	blocked      map[string]model.BlockedDate
	events       []eventRow
	nextEventID  int64
	inbox        map[string]string

	claimMu  sync.Mutex
	expiryMu sync.Mutex
}

type eventRow struct {
	outbox.Record
	published bool
}

func New() *Store {
	return &Store{
		locks:        keyLocks{m: map[string]*keyLock{}},
		resources:    map[string]model.Resource{},
		reservations: map[string]model.Reservation{},
		blocked:      map[string]model.BlockedDate{},
		inbox:        map[string]string{},
	}
}

var _ reservation.Store = (*Store)(nil)

type txKey struct{}

// tx collects writes until commit.
type tx struct {
	inserts      []model.Reservation
	updates      []model.Reservation
	blockAdds    []model.BlockedDate
	blockDeletes []string
	noticesSent  []string
	events       []outbox.Event
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

func (s *Store) Atomic(ctx context.Context, keys []reservation.Key, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	for _, k := range reservation.SortedKeys(keys) {
		unlock := s.locks.lock(k.String())
		defer unlock()
	}
	return s.run(ctx, fn)
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	return s.commit(t)
}

// write stages fn's writes on the transaction in ctx, or commits them immediately when
// there is none.
func (s *Store) write(ctx context.Context, stage func(t *tx)) error {
	if t := txFrom(ctx); t != nil {
		stage(t)
		return nil
	}
	t := &tx{}
	stage(t)
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before applying anything.
	staged := map[string]string{}
	for _, r := range t.inserts {
		if _, ok := s.reservations[r.ID]; ok {
			return model.ErrIdempotencyConflict
		}
		if r.IdempotencyKey == "" {
			continue
		}
		k := r.ResourceID + "|" + r.IdempotencyKey
		if _, dup := staged[k]; dup || s.idempotencyTaken(r.ResourceID, r.IdempotencyKey) {
			return model.ErrIdempotencyConflict
		}
		staged[k] = r.ID
	}
	for _, r := range t.updates {
		if _, ok := s.reservations[r.ID]; !ok && !containsID(t.inserts, r.ID) {
			return model.ErrNotFound
		}
	}

	for _, r := range t.inserts {
		s.reservations[r.ID] = cloneReservation(r)
	}
	for _, u := range t.updates {
		cur := s.reservations[u.ID]
		cur.Status = u.Status
		cur.ExpiresAt = cloneTime(u.ExpiresAt)
		cur.PaymentRef = u.PaymentRef
		cur.ConfirmedAt = cloneTime(u.ConfirmedAt)
		cur.CancelledAt = cloneTime(u.CancelledAt)
		cur.CancelReason = u.CancelReason
		s.reservations[u.ID] = cur
	}
	for _, id := range t.noticesSent {
		if cur, ok := s.reservations[id]; ok {
			cur.ExpiryNoticeSent = true
			s.reservations[id] = cur
		}
	}
	for _, b := range t.blockAdds {
		k := b.ResourceID + "|" + b.Date
		if _, ok := s.blocked[k]; !ok {
			s.blocked[k] = b
		}
	}
	for _, k := range t.blockDeletes {
		delete(s.blocked, k)
	}
	now := time.Now().UTC()
	for _, e := range t.events {
		s.nextEventID++
		s.events = append(s.events, eventRow{Record: outbox.Record{
			ID:            s.nextEventID,
			EventID:       uuid.NewString(),
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			PartitionKey:  e.PartitionKey,
			EventType:     e.EventType,
			Payload:       append([]byte(nil), e.Payload...),
			Traceparent:   e.Traceparent,
			Tracestate:    e.Tracestate,
			CreatedAt:     now,
		}})
	}
	return nil
}

func (s *Store) idempotencyTaken(resourceID, key string) bool {
	for _, r := range s.reservations {
		if r.ResourceID == resourceID && r.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (s *Store) GetResource(_ context.Context, id string) (model.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[id]
	if !ok {
		return model.Resource{}, model.ErrNotFound
	}
	res.Offerings = append([]model.Offering(nil), res.Offerings...)
	return res, nil
}

func (s *Store) UpsertResource(_ context.Context, res model.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res.Offerings = append([]model.Offering(nil), res.Offerings...)
	s.resources[res.ID] = res
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, model.ErrNotFound
	}
	return cloneReservation(r), nil
}

func (s *Store) ListReservations(ctx context.Context, resourceID, date string) ([]model.Reservation, error) {
	return s.ListReservationsRange(ctx, resourceID, date, date)
}

func (s *Store) ListReservationsRange(_ context.Context, resourceID, from, to string) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Reservation{}
	for _, r := range s.reservations {
		if r.ResourceID != resourceID || !inRange(r.Date, from, to) {
			continue
		}
		out = append(out, cloneReservation(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, resourceID, key string) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reservations {
		if r.ResourceID == resourceID && r.IdempotencyKey == key {
			c := cloneReservation(r)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertReservation(ctx context.Context, r model.Reservation) error {
	return s.write(ctx, func(t *tx) { t.inserts = append(t.inserts, cloneReservation(r)) })
}

func (s *Store) UpdateReservation(ctx context.Context, r model.Reservation) error {
	return s.write(ctx, func(t *tx) { t.updates = append(t.updates, cloneReservation(r)) })
}

func (s *Store) ListBlockedDates(_ context.Context, resourceID, from, to string) ([]model.BlockedDate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.BlockedDate{}
	for _, b := range s.blocked {
		if b.ResourceID == resourceID && inRange(b.Date, from, to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *Store) InsertBlockedDate(ctx context.Context, b model.BlockedDate) error {
	return s.write(ctx, func(t *tx) { t.blockAdds = append(t.blockAdds, b) })
}

func (s *Store) DeleteBlockedDate(ctx context.Context, resourceID, date string) error {
	s.mu.RLock()
	_, ok := s.blocked[resourceID+"|"+date]
	s.mu.RUnlock()
	if !ok {
		return model.ErrNotFound
	}
	return s.write(ctx, func(t *tx) { t.blockDeletes = append(t.blockDeletes, resourceID+"|"+date) })
}

func (s *Store) Enqueue(ctx context.Context, evt outbox.Event) error {
	return s.write(ctx, func(t *tx) { t.events = append(t.events, evt) })
}

// Claim implements outbox.Source.
func (s *Store) Claim(ctx context.Context, limit int, fn func(ctx context.Context, records []outbox.Record) error) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	s.mu.RLock()
	var (
		records []outbox.Record
		idx     []int
	)
	for i, e := range s.events {
		if e.published {
			continue
		}
		if limit > 0 && len(records) >= limit {
			break
		}
		records = append(records, e.Record)
		idx = append(idx, i)
	}
	s.mu.RUnlock()
	if len(records) == 0 {
		return nil
	}

	if err := fn(ctx, records); err != nil {
		return err
	}

	s.mu.Lock()
	for _, i := range idx {
		s.events[i].published = true
	}
	s.mu.Unlock()
	return nil
}

// ClaimExpired implements expiry.Store.
func (s *Store) ClaimExpired(ctx context.Context, now time.Time, limit int, fn func(ctx context.Context, expired []model.Reservation) error) error {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()

	s.mu.RLock()
	var due []model.Reservation
	for _, r := range s.reservations {
		if r.Status == model.StatusPending && r.ExpiresAt != nil && !r.ExpiresAt.After(now) && !r.ExpiryNoticeSent {
			due = append(due, cloneReservation(r))
		}
	}
	s.mu.RUnlock()
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(*due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(*due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	// Take the (resource, date) locks and re-check, so a hold cancelled or confirmed since
	// the scan above gets no notice.
	keys := make([]reservation.Key, 0, len(due))
	for _, r := range due {
		keys = append(keys, reservation.Key{ResourceID: r.ResourceID, Date: r.Date})
	}
	for _, k := range reservation.SortedKeys(keys) {
		unlock := s.locks.lock(k.String())
		defer unlock()
	}
	s.mu.RLock()
	still := due[:0]
	for _, r := range due {
		cur, ok := s.reservations[r.ID]
		if ok && cur.Status == model.StatusPending && cur.ExpiresAt != nil && !cur.ExpiresAt.After(now) && !cur.ExpiryNoticeSent {
			still = append(still, cloneReservation(cur))
		}
	}
	s.mu.RUnlock()
	due = still
	if len(due) == 0 {
		return nil
	}

	return s.run(ctx, func(ctx context.Context) error {
		if err := fn(ctx, due); err != nil {
			return err
		}
		t := txFrom(ctx)
		for _, r := range due {
			t.noticesSent = append(t.noticesSent, r.ID)
		}
		return nil
	})
}

// Record implements the payment inbox: it reports false for an event id seen before.
func (s *Store) Record(_ context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbox[eventID]; seen {
		return false, nil
	}
	s.inbox[eventID] = eventType
	return true, nil
}

// Events returns every outbox record in insertion order, published or not.
func (s *Store) Events() []outbox.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outbox.Record, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Record)
	}
	return out
}

func (s *Store) Ping(context.Context) error { return nil }

func inRange(date, from, to string) bool {
	return (from == "" || date >= from) && (to == "" || date <= to)
}

func containsID(rs []model.Reservation, id string) bool {
	for _, r := range rs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func cloneReservation(r model.Reservation) model.Reservation {
	r.ExpiresAt = cloneTime(r.ExpiresAt)
	r.ConfirmedAt = cloneTime(r.ConfirmedAt)
	r.CancelledAt = cloneTime(r.CancelledAt)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release func. Entries are dropped once
// nobody holds or waits for them.
func (l *keyLocks) lock(key string) func() {
	l.mu.Lock()
	e := l.m[key]
	if e == nil {
		e = &keyLock{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
