// Package changefeed fans reservation state changes out to live subscribers (operator
// dashboards, booking pages) so they can refresh without polling.
package changefeed

import (
	"context"
	"sync"
	"time"
)

const (
	TypeCreated        = "reservation.created"
	TypeConfirmed      = "reservation.confirmed"
	TypeCancelled      = "reservation.cancelled"
	TypeExpired        = "reservation.expired"
	TypeDateBlocked    = "date.blocked"
	TypeDateUnblocked  = "date.unblocked"
	TypeResourceUpdate = "resource.updated"
)

type Change struct {
	Type          string    `json:"type"`
	ResourceID    string    `json:"resource_id"`
	Date          string    `json:"date,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	At            time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Subscriber streams changes for one resource, or for every resource when resourceID is
// empty. The channel closes when ctx ends or the returned cancel func is called.
type Subscriber interface {
	Subscribe(ctx context.Context, resourceID string) (<-chan Change, func(), error)
}

type Feed interface {
	Publisher
	Subscriber
}

// Hub is an in-process Feed. Slow subscribers drop changes rather than block publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
}

type subscription struct {
	resourceID string
	ch         chan Change
	stop       chan struct{}
	once       sync.Once
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: map[*subscription]struct{}{}, buffer: buffer}
}

func (h *Hub) Publish(_ context.Context, c Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.resourceID != "" && s.resourceID != c.ResourceID {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, resourceID string) (<-chan Change, func(), error) {
	s := &subscription{resourceID: resourceID, ch: make(chan Change, h.buffer), stop: make(chan struct{})}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.stop)
			close(s.ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.stop:
		}
	}()
	return s.ch, cancel, nil
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Nop discards changes.
type Nop struct{}

func (Nop) Publish(context.Context, Change) error { return nil }
