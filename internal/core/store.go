package core

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Store is the single shared mutable resource. Every engine component reads
// and writes message state through it; Transition is the only write path for
// status changes and must be an atomic compare-and-set.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	InsertMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	// DeleteMessage removes an owner's message. It fails with ErrConflict while
	// the message is being delivered and ErrNotFound for unknown ids.
	DeleteMessage(ctx context.Context, ownerID, id string) error
	// Transition applies t if the precondition holds and returns the stored
	// message with applied=true. When the precondition fails it returns the
	// current record with applied=false. Unknown ids yield ErrNotFound.
	Transition(ctx context.Context, id string, t Transition) (m Message, applied bool, err error)

	// ClaimReminder records that ownerID is reminded on the UTC calendar day
	// of day. It reports true for exactly one caller per owner and day.
	ClaimReminder(ctx context.Context, ownerID string, day time.Time) (bool, error)
}

// ReminderDay truncates t to the start of its UTC calendar day.
func ReminderDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type Order int

const (
	OrderCreatedDesc Order = iota
	OrderScheduledAsc
)

type MessageQuery struct {
	OwnerID      string
	Statuses     []Status
	Strategy     Strategy
	MilestoneKey string

	ScheduledBefore *time.Time // scheduled_for <= t
	ScheduledAfter  *time.Time // scheduled_for > t
	CreatedBefore   *time.Time // created_at <= t
	ReadyBy         *time.Time // next_attempt_at unset or <= t

	Search string
	Order  Order
	Limit  int
	Offset int
}

// Matches evaluates the filter part of q against m. Ordering and paging are
// left to the store.
func (q MessageQuery) Matches(m Message) bool {
	if q.OwnerID != "" && m.OwnerID != q.OwnerID {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, m.Status) {
		return false
	}
	if q.Strategy != "" && m.Strategy != q.Strategy {
		return false
	}
	if q.MilestoneKey != "" && m.MilestoneKey != q.MilestoneKey {
		return false
	}
	if q.ScheduledBefore != nil && (m.ScheduledFor == nil || m.ScheduledFor.After(*q.ScheduledBefore)) {
		return false
	}
	if q.ScheduledAfter != nil && (m.ScheduledFor == nil || !m.ScheduledFor.After(*q.ScheduledAfter)) {
		return false
	}
	if q.CreatedBefore != nil && m.CreatedAt.After(*q.CreatedBefore) {
		return false
	}
	if q.ReadyBy != nil && m.NextAttemptAt != nil && m.NextAttemptAt.After(*q.ReadyBy) {
		return false
	}
	if q.Search != "" && !matchesText(m, q.Search) {
		return false
	}
	return true
}

func matchesText(m Message, needle string) bool {
	needle = strings.ToLower(needle)
	if strings.Contains(strings.ToLower(m.Content), needle) ||
		strings.Contains(strings.ToLower(m.Category), needle) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(t time.Time) *ManualClock { return &ManualClock{now: t.UTC()} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Oracle recommends a delivery time for a message. ok=false means it had no
// recommendation; an error means it was unreachable.
type Oracle interface {
	Recommend(ctx context.Context, ownerID, content string) (at time.Time, ok bool, err error)
}

type ResolveRequest struct {
	Strategy     Strategy
	OwnerID      string
	Content      string
	RequestedAt  *time.Time
	MilestoneKey string
}

// Resolution is either a concrete due time or Pending.
type Resolution struct {
	DueAt   time.Time
	Pending bool
}

type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest, now time.Time) (Resolution, error)
}
