// Package memstore is an in-process core.Store. A single mutex serialises
// writes, which gives Transition the same compare-and-set guarantee the
// Postgres store gets from a conditional UPDATE.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/future-self/internal/core"
)

type Store struct {
	mu       sync.RWMutex
	messages map[string]core.Message
	users    map[string]core.User
	reminded map[string]time.Time // owner -> last reminder day
}

func New() *Store {
	return &Store{
		messages: make(map[string]core.Message),
		users:    make(map[string]core.User),
		reminded: make(map[string]time.Time),
	}
}

func (s *Store) CreateUser(_ context.Context, u core.User) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, ok := s.users[u.ID]; ok {
		return core.User{}, fmt.Errorf("%w: user %s already exists", core.ErrConflict, u.ID)
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return core.User{}, core.ErrNotFound
	}
	return u, nil
}

func (s *Store) ListUsers(_ context.Context) ([]core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InsertMessage(_ context.Context, m core.Message) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, ok := s.messages[m.ID]; ok {
		return core.Message{}, fmt.Errorf("%w: message %s already exists", core.ErrConflict, m.ID)
	}
	m = clone(m)
	s.messages[m.ID] = m
	return clone(m), nil
}

func (s *Store) GetMessage(_ context.Context, id string) (core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return core.Message{}, core.ErrNotFound
	}
	return clone(m), nil
}

func (s *Store) QueryMessages(_ context.Context, q core.MessageQuery) ([]core.Message, error) {
	s.mu.RLock()
	out := make([]core.Message, 0)
	for _, m := range s.messages {
		if q.Matches(m) {
			out = append(out, clone(m))
		}
	}
	s.mu.RUnlock()

	switch q.Order {
	case core.OrderScheduledAsc:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].ScheduledFor, out[j].ScheduledFor
			switch {
			case a == nil && b == nil:
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			case a == nil:
				return false
			case b == nil:
				return true
			}
			return a.Before(*b)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []core.Message{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) DeleteMessage(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.OwnerID != ownerID {
		return core.ErrNotFound
	}
	if m.Status == core.StatusDelivering {
		return core.ErrConflict
	}
	delete(s.messages, id)
	return nil
}

func (s *Store) ClaimReminder(_ context.Context, ownerID string, day time.Time) (bool, error) {
	day = core.ReminderDay(day)
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.reminded[ownerID]; ok && !last.Before(day) {
		return false, nil
	}
	s.reminded[ownerID] = day
	return true, nil
}

func (s *Store) Transition(_ context.Context, id string, t core.Transition) (core.Message, bool, error) {
	if err := t.Validate(); err != nil {
		return core.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return core.Message{}, false, core.ErrNotFound
	}
	if !t.Matches(m) {
		return clone(m), false, nil
	}
	m = t.Apply(m)
	s.messages[id] = m
	return clone(m), true, nil
}

func clone(m core.Message) core.Message {
	m.Tags = slices.Clone(m.Tags)
	if m.Tags == nil {
		m.Tags = []string{}
	}
	m.ScheduledFor = cloneTime(m.ScheduledFor)
	m.DeliveredAt = cloneTime(m.DeliveredAt)
	m.ReadAt = cloneTime(m.ReadAt)
	m.NextAttemptAt = cloneTime(m.NextAttemptAt)
	return m
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
