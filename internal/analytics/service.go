package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/future-self/internal/core"
)

const cachePrefix = "analytics:"

// Cache stores expensive platform projections. A miss returns ok=false.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (ok bool, err error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	// Invalidate drops every key starting with prefix.
	Invalidate(ctx context.Context, prefix string) (int, error)
}

type Service struct {
	Store   core.Store
	Clock   core.Clock
	Pricing Pricing
	Cache   Cache // optional
	TTL     time.Duration
	Log     *zap.Logger
}

func NewService(store core.Store, pricing Pricing, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:   store,
		Clock:   core.SystemClock{},
		Pricing: pricing,
		TTL:     time.Minute,
		Log:     log,
	}
}

// Invalidate drops cached projections so the next read recomputes them.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.Cache == nil {
		return nil
	}
	_, err := s.Cache.Invalidate(ctx, cachePrefix)
	return err
}

// Publish lets the service sit behind core.EventPublisher: every committed
// write invalidates the cache.
func (s *Service) Publish(ctx context.Context, ev core.LifecycleEvent) error {
	if err := s.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate analytics cache after %s: %w", ev.Type, err)
	}
	return nil
}

func (s *Service) User(ctx context.Context, ownerID string) (UserAnalytics, error) {
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{OwnerID: ownerID})
	if err != nil {
		return UserAnalytics{}, err
	}
	var u *core.User
	got, err := s.Store.GetUser(ctx, ownerID)
	switch {
	case err == nil:
		u = &got
	case !errors.Is(err, core.ErrNotFound):
		return UserAnalytics{}, err
	}
	return User(ownerID, u, msgs, s.Clock.Now()), nil
}

func (s *Service) Platform(ctx context.Context) (PlatformAnalytics, error) {
	return cached(ctx, s, "platform", func() (PlatformAnalytics, error) {
		users, msgs, err := s.loadAll(ctx)
		if err != nil {
			return PlatformAnalytics{}, err
		}
		return Platform(users, msgs, s.Clock.Now(), s.Pricing), nil
	})
}

func (s *Service) Growth(ctx context.Context, days int) ([]GrowthPoint, error) {
	now := s.Clock.Now()
	key := fmt.Sprintf("growth:%d:%s", days, now.Format(time.DateOnly))
	return cached(ctx, s, key, func() ([]GrowthPoint, error) {
		users, msgs, err := s.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		return Growth(users, msgs, now, days, s.Pricing), nil
	})
}

func (s *Service) Retention(ctx context.Context) (Retention, error) {
	return cached(ctx, s, "retention", func() (Retention, error) {
		users, msgs, err := s.loadAll(ctx)
		if err != nil {
			return Retention{}, err
		}
		return RetentionOf(users, msgs, s.Clock.Now()), nil
	})
}

func (s *Service) DeliveryStats(ctx context.Context) (DeliveryStats, error) {
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{})
	if err != nil {
		return DeliveryStats{}, err
	}
	return Deliveries(msgs, s.Clock.Now()), nil
}

func (s *Service) Upcoming(ctx context.Context, days int) ([]UpcomingItem, error) {
	if days <= 0 {
		days = 7
	}
	now := s.Clock.Now()
	end := now.Add(time.Duration(days) * day)
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{
		Statuses:        []core.Status{core.StatusScheduled},
		ScheduledAfter:  &now,
		ScheduledBefore: &end,
		Order:           core.OrderScheduledAsc,
	})
	if err != nil {
		return nil, err
	}
	return Upcoming(msgs, now, days), nil
}

func (s *Service) Overdue(ctx context.Context) ([]OverdueItem, error) {
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{
		Statuses: []core.Status{core.StatusOverdue, core.StatusFailed},
		Order:    core.OrderScheduledAsc,
	})
	if err != nil {
		return nil, err
	}
	return Overdue(msgs, s.Clock.Now()), nil
}

func (s *Service) Performance(ctx context.Context) (Performance, error) {
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{
		Statuses: []core.Status{core.StatusDelivered, core.StatusRead},
	})
	if err != nil {
		return Performance{}, err
	}
	return Perf(msgs), nil
}

func (s *Service) Timeline(ctx context.Context, days int) ([]TimelinePoint, error) {
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{
		Statuses: []core.Status{core.StatusDelivered, core.StatusRead},
	})
	if err != nil {
		return nil, err
	}
	return Timeline(msgs, s.Clock.Now(), days), nil
}

func (s *Service) MessageTimeline(ctx context.Context, ownerID string) ([]MessageTimelineItem, error) {
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	return MessageTimeline(msgs), nil
}

func (s *Service) UserDeliveries(ctx context.Context, ownerID string) (UserDeliveryStats, error) {
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{OwnerID: ownerID})
	if err != nil {
		return UserDeliveryStats{}, err
	}
	return UserDeliveries(msgs, s.Clock.Now()), nil
}

func (s *Service) loadAll(ctx context.Context) ([]core.User, []core.Message, error) {
	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list users: %w", err)
	}
	msgs, err := s.Store.QueryMessages(ctx, core.MessageQuery{})
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return users, msgs, nil
}

// cached serves key from the cache when present. Cache failures only cost
// a recomputation.
func cached[T any](ctx context.Context, s *Service, key string, compute func() (T, error)) (T, error) {
	if s.Cache != nil {
		var v T
		ok, err := s.Cache.GetJSON(ctx, cachePrefix+key, &v)
		if err != nil {
			s.Log.Warn("analytics cache get", zap.String("key", key), zap.Error(err))
		}
		if ok {
			return v, nil
		}
	}
	v, err := compute()
	if err != nil {
		return v, err
	}
	if s.Cache != nil {
		if err := s.Cache.SetJSON(ctx, cachePrefix+key, v, s.TTL); err != nil {
			s.Log.Warn("analytics cache set", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}
