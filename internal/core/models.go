package core

import (
	"time"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusDue        Status = "due"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusRead       Status = "read"
	StatusOverdue    Status = "overdue"
	StatusFailed     Status = "failed"
)

// AllStatuses is in lifecycle order; reports iterate it to emit stable keys.
var AllStatuses = []Status{
	StatusDraft, StatusScheduled, StatusDue, StatusOverdue,
	StatusDelivering, StatusDelivered, StatusRead, StatusFailed,
}

type Strategy string

const (
	StrategySpecificDate Strategy = "specific_date"
	StrategyRandom       Strategy = "random"
	StrategyAIOptimal    Strategy = "ai_optimal"
	StrategyMilestone    Strategy = "milestone"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategySpecificDate, StrategyRandom, StrategyAIOptimal, StrategyMilestone:
		return true
	}
	return false
}

type Tier string

const (
	TierFree     Tier = "free"
	TierPremium  Tier = "premium"
	TierLifetime Tier = "lifetime"
)

type Message struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Content       string     `json:"content"`
	Strategy      Strategy   `json:"timing_strategy"`
	MilestoneKey  string     `json:"milestone_key,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	Status        Status     `json:"status"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	Attempts      int        `json:"delivery_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Category      string     `json:"category,omitempty"`
	Tags          []string   `json:"tags"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Pending reports whether the message still waits for its due time to be resolved.
func (m Message) Pending() bool { return m.Status == StatusDraft && m.ScheduledFor == nil }

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// MilestoneEvent is emitted by the external life-event source.
type MilestoneEvent struct {
	OwnerID    string    `json:"owner_id"`
	Key        string    `json:"milestone_key"`
	OccurredAt time.Time `json:"occurred_at"`
}
