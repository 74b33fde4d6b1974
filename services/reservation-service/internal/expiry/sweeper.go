// Package expiry emits the one-time notice for pending holds whose expiry has passed.
// Holds are already free for availability from the moment they expire; the sweep never
// changes their status.
package expiry

import (
	"context"
	"io"
	"log/slog"
	"time"

	otelx "github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/otel"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/clock"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
)

// Store selects pending reservations with expires_at <= now whose notice is unsent, runs fn
// over them and marks their notice sent in the same transaction when fn succeeds.
type Store interface {
	ClaimExpired(ctx context.Context, now time.Time, limit int, fn func(ctx context.Context, expired []model.Reservation) error) error
	Enqueue(ctx context.Context, evt outbox.Event) error
}

const DefaultSchedule = "@every 1m"

type Sweeper struct {
	store     Store
	clock     clock.Clock
	feed      changefeed.Publisher
	logger    *slog.Logger
	batchSize int
}

type Config struct {
	BatchSize int
	Feed      changefeed.Publisher
	Logger    *slog.Logger
}

func NewSweeper(store Store, clk clock.Clock, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Feed == nil {
		cfg.Feed = changefeed.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		store:     store,
		clock:     clk,
		feed:      cfg.Feed,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
	}
}

// Sweep drains every due notice in batches and returns how many were emitted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := otelx.Start(ctx, "expiry", "expiry.sweep")
	now := s.clock.Now()
	total := 0
	var err error
	for {
		var batch []model.Reservation
		err = s.store.ClaimExpired(ctx, now, s.batchSize, func(ctx context.Context, expired []model.Reservation) error {
			for _, r := range expired {
				evt, err := reservation.NewEvent(outbox.EventReservationExpired, r)
				if err != nil {
					return err
				}
				if err := s.store.Enqueue(ctx, evt); err != nil {
					return err
				}
			}
			batch = expired
			return nil
		})
		if err != nil {
			break
		}
		total += len(batch)
		for _, r := range batch {
			s.logger.InfoContext(ctx, "reservation hold expired",
				"reservation_id", r.ID,
				"resource_id", r.ResourceID,
				"date", r.Date,
				"expires_at", r.ExpiresAt.UTC().Format(time.RFC3339),
			)
			if perr := s.feed.Publish(ctx, changefeed.Change{
				Type:          changefeed.TypeExpired,
				ResourceID:    r.ResourceID,
				Date:          r.Date,
				ReservationID: r.ID,
				Status:        model.DisplayExpired,
				At:            now.UTC(),
			}); perr != nil {
				s.logger.WarnContext(ctx, "change feed publish failed", "reservation_id", r.ID, "err", perr)
			}
		}
		if len(batch) < s.batchSize || ctx.Err() != nil {
			break
		}
	}
	span.SetAttributes(attribute.Int("expiry.notices", total))
	otelx.End(span, err)
	return total, err
}

// Run sweeps on the cron schedule until ctx ends. Runs never overlap.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("expiry sweep failed", "err", err)
			return
		}
		if n > 0 {
			s.logger.Info("expiry sweep done", "notices", n)
		}
	})
	if err != nil {
		return err
	}

	s.logger.Info("expiry sweeper started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
