package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const MaxContentLength = 20000

// Service implements the user-facing operations on top of a Store.
type Service struct {
	Store    Store
	Resolver Resolver
	Clock    Clock
	Events   EventPublisher
	Log      *zap.Logger

	// MilestoneOffset is added to a milestone's occurred_at to obtain the due time.
	MilestoneOffset time.Duration
}

func NewService(store Store, resolver Resolver, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:    store,
		Resolver: resolver,
		Clock:    SystemClock{},
		Events:   NopPublisher{},
		Log:      log,
	}
}

type CreateRequest struct {
	OwnerID      string
	Content      string
	Strategy     Strategy
	RequestedAt  *time.Time
	MilestoneKey string
	Category     string
	Tags         []string
}

type ListFilter struct {
	Status Status
	Search string
	Limit  int
	Offset int
}

func (s *Service) CreateUser(ctx context.Context, u User) (User, error) {
	if strings.TrimSpace(u.Name) == "" {
		return User{}, invalid("name", ReasonRequired)
	}
	switch u.Tier {
	case "":
		u.Tier = TierFree
	case TierFree, TierPremium, TierLifetime:
	default:
		return User{}, invalid("tier", "invalid_tier")
	}
	now := s.Clock.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u, err := s.Store.CreateUser(ctx, u)
	if err != nil {
		return User{}, err
	}
	s.emit(ctx, LifecycleEvent{Type: EventUserCreated, OwnerID: u.ID, At: now})
	return u, nil
}

// CreateMessage resolves the due time and persists the message as scheduled,
// or as draft when the resolution is pending. Validation failures persist nothing.
func (s *Service) CreateMessage(ctx context.Context, r CreateRequest) (Message, error) {
	if r.OwnerID == "" {
		return Message{}, invalid("owner_id", ReasonRequired)
	}
	if strings.TrimSpace(r.Content) == "" {
		return Message{}, invalid("content", ReasonRequired)
	}
	if utf8.RuneCountInString(r.Content) > MaxContentLength {
		return Message{}, invalid("content", ReasonTooLong)
	}
	if !r.Strategy.Valid() {
		return Message{}, invalid("timing_strategy", ReasonInvalidStrategy)
	}
	if r.Strategy == StrategyMilestone && strings.TrimSpace(r.MilestoneKey) == "" {
		return Message{}, invalid("milestone_key", ReasonRequired)
	}

	now := s.Clock.Now()
	res, err := s.Resolver.Resolve(ctx, ResolveRequest{
		Strategy:     r.Strategy,
		OwnerID:      r.OwnerID,
		Content:      r.Content,
		RequestedAt:  r.RequestedAt,
		MilestoneKey: r.MilestoneKey,
	}, now)
	if err != nil {
		return Message{}, err
	}

	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	m := Message{
		OwnerID:   r.OwnerID,
		Content:   r.Content,
		Strategy:  r.Strategy,
		Status:    StatusDraft,
		Category:  strings.TrimSpace(r.Category),
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.Strategy == StrategyMilestone {
		m.MilestoneKey = strings.TrimSpace(r.MilestoneKey)
	}
	if !res.Pending {
		due := res.DueAt
		m.ScheduledFor = &due
		m.Status = StatusScheduled
	}

	m, err = s.Store.InsertMessage(ctx, m)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.Log.Info("message created",
		zap.String("message_id", m.ID),
		zap.String("owner_id", m.OwnerID),
		zap.String("strategy", string(m.Strategy)),
		zap.String("status", string(m.Status)))
	s.publish(ctx, EventCreated, m, now)
	return m, nil
}

func (s *Service) GetMessage(ctx context.Context, ownerID, id string) (Message, error) {
	m, err := s.Store.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if m.OwnerID != ownerID {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (s *Service) ListMessages(ctx context.Context, ownerID string, f ListFilter) ([]Message, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", ReasonRequired)
	}
	q := MessageQuery{
		OwnerID: ownerID,
		Search:  strings.TrimSpace(f.Search),
		Limit:   f.Limit,
		Offset:  f.Offset,
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, invalid("status", "invalid_status")
		}
		q.Statuses = []Status{f.Status}
	}
	return s.Store.QueryMessages(ctx, q)
}

// DeleteMessage cancels scheduling by removing the record; any later claim
// against the id finds nothing and is skipped.
func (s *Service) DeleteMessage(ctx context.Context, ownerID, id string) error {
	if err := s.Store.DeleteMessage(ctx, ownerID, id); err != nil {
		return err
	}
	s.Log.Info("message deleted", zap.String("message_id", id), zap.String("owner_id", ownerID))
	s.emit(ctx, LifecycleEvent{Type: EventDeleted, MessageID: id, OwnerID: ownerID, At: s.Clock.Now()})
	return nil
}

// MarkRead moves a delivered message to read. Messages that were never
// delivered fail with ErrPrecondition.
func (s *Service) MarkRead(ctx context.Context, ownerID, id string) (Message, error) {
	if _, err := s.GetMessage(ctx, ownerID, id); err != nil {
		return Message{}, err
	}
	now := s.Clock.Now()
	m, applied, err := s.Store.Transition(ctx, id, Transition{
		From: []Status{StatusDelivered},
		To:   StatusRead,
		At:   now,
	})
	if err != nil {
		return Message{}, err
	}
	if !applied {
		if m.Status == StatusRead {
			return m, fmt.Errorf("%w: message already read", ErrPrecondition)
		}
		return m, fmt.Errorf("%w: message is %s, not delivered", ErrPrecondition, m.Status)
	}
	s.publish(ctx, EventRead, m, now)
	return m, nil
}

// TriggerMilestone schedules every pending milestone message of the owner
// registered under the event's key. It returns how many were scheduled.
func (s *Service) TriggerMilestone(ctx context.Context, ev MilestoneEvent) (int, error) {
	if ev.OwnerID == "" {
		return 0, invalid("owner_id", ReasonRequired)
	}
	if strings.TrimSpace(ev.Key) == "" {
		return 0, invalid("milestone_key", ReasonRequired)
	}
	now := s.Clock.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	pending, err := s.Store.QueryMessages(ctx, MessageQuery{
		OwnerID:      ev.OwnerID,
		Statuses:     []Status{StatusDraft},
		Strategy:     StrategyMilestone,
		MilestoneKey: strings.TrimSpace(ev.Key),
		Order:        OrderScheduledAsc,
	})
	if err != nil {
		return 0, err
	}

	due := ev.OccurredAt.Add(s.MilestoneOffset)
	scheduled := 0
	for _, p := range pending {
		m, applied, err := s.Store.Transition(ctx, p.ID, Transition{
			From:         []Status{StatusDraft},
			To:           StatusScheduled,
			At:           now,
			ScheduledFor: &due,
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return scheduled, err
		}
		if !applied {
			continue
		}
		scheduled++
		s.publish(ctx, EventScheduled, m, now)
	}
	s.Log.Info("milestone triggered",
		zap.String("owner_id", ev.OwnerID),
		zap.String("milestone_key", ev.Key),
		zap.Int("scheduled", scheduled))
	return scheduled, nil
}

func (s *Service) publish(ctx context.Context, typ string, m Message, at time.Time) {
	s.emit(ctx, NewEvent(typ, m, at))
}

func (s *Service) emit(ctx context.Context, ev LifecycleEvent) {
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Log.Warn("publish event", zap.String("type", ev.Type), zap.String("message_id", ev.MessageID), zap.Error(err))
	}
}
