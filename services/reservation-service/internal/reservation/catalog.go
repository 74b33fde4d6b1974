package reservation

import (
	"context"
	"strings"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/google/uuid"
)

// UpsertResource creates or replaces a resource definition. Deactivating a resource hides
// it from availability without touching its reservations.
func (s *Service) UpsertResource(ctx context.Context, res model.Resource) (model.Resource, error) {
	res.ID = strings.TrimSpace(res.ID)
	if err := res.Validate(); err != nil {
		return model.Resource{}, err
	}
	now := s.clock.Now().UTC()
	if prior, err := s.store.GetResource(ctx, res.ID); err == nil {
		res.CreatedAt = prior.CreatedAt
	} else if !model.IsNotFound(err) {
		return model.Resource{}, err
	} else {
		res.CreatedAt = now
	}
	res.UpdatedAt = now

	if err := s.store.UpsertResource(ctx, res); err != nil {
		return model.Resource{}, err
	}
	s.logger.InfoContext(ctx, "resource saved", "resource_id", res.ID, "kind", res.Kind, "active", res.Active)
	s.publishCatalog(ctx, changefeed.TypeResourceUpdate, res.ID, "")
	return res, nil
}

func (s *Service) GetResource(ctx context.Context, id string) (model.Resource, error) {
	return retryRead(ctx, s, func() (model.Resource, error) {
		return s.store.GetResource(ctx, id)
	})
}

// BlockDate marks date unavailable for a whole-day resource. Blocking an already blocked
// date returns the existing entry. Existing reservations on the date are left alone.
func (s *Service) BlockDate(ctx context.Context, resourceID, date, reason string) (model.BlockedDate, error) {
	if _, err := interval.ParseDate(date, s.loc); err != nil {
		return model.BlockedDate{}, err
	}
	res, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return model.BlockedDate{}, err
	}
	if res.Kind != model.ResourceKindWholeDay {
		return model.BlockedDate{}, model.ErrWrongResourceKind
	}

	var (
		result  model.BlockedDate
		created bool
	)
	err = s.store.Atomic(ctx, []Key{{ResourceID: resourceID, Date: date}}, func(ctx context.Context) error {
		existing, err := s.store.ListBlockedDates(ctx, resourceID, date, date)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			result = existing[0]
			return nil
		}
		result = model.BlockedDate{
			ID:         uuid.NewString(),
			ResourceID: resourceID,
			Date:       date,
			Reason:     strings.TrimSpace(reason),
			CreatedAt:  s.clock.Now().UTC(),
		}
		created = true
		return s.store.InsertBlockedDate(ctx, result)
	})
	if err != nil {
		return model.BlockedDate{}, err
	}
	if created {
		s.logger.InfoContext(ctx, "date blocked", "resource_id", resourceID, "date", date)
		s.publishCatalog(ctx, changefeed.TypeDateBlocked, resourceID, date)
	}
	return result, nil
}

func (s *Service) UnblockDate(ctx context.Context, resourceID, date string) error {
	if _, err := interval.ParseDate(date, s.loc); err != nil {
		return err
	}
	err := s.store.Atomic(ctx, []Key{{ResourceID: resourceID, Date: date}}, func(ctx context.Context) error {
		return s.store.DeleteBlockedDate(ctx, resourceID, date)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "date unblocked", "resource_id", resourceID, "date", date)
	s.publishCatalog(ctx, changefeed.TypeDateUnblocked, resourceID, date)
	return nil
}

func (s *Service) ListBlockedDates(ctx context.Context, resourceID, from, to string) ([]model.BlockedDate, error) {
	return retryRead(ctx, s, func() ([]model.BlockedDate, error) {
		return s.store.ListBlockedDates(ctx, resourceID, from, to)
	})
}

func (s *Service) publishCatalog(ctx context.Context, typ, resourceID, date string) {
	err := s.feed.Publish(ctx, changefeed.Change{
		Type:       typ,
		ResourceID: resourceID,
		Date:       date,
		At:         s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "change feed publish failed", "resource_id", resourceID, "err", err)
	}
}
