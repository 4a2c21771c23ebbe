package core

import (
	"fmt"
	"slices"
	"time"
)

// Legal edges of the message lifecycle. Nothing moves backwards except the
// bounded retry edge delivering -> due.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusScheduled},
	StatusScheduled:  {StatusDue},
	StatusDue:        {StatusDelivering, StatusOverdue},
	StatusOverdue:    {StatusDelivering},
	StatusDelivering: {StatusDelivered, StatusDue, StatusFailed},
	StatusDelivered:  {StatusRead},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

func (s Status) Valid() bool { return slices.Contains(AllStatuses, s) }

func (s Status) Terminal() bool { return s == StatusRead || s == StatusFailed }

// Claimable statuses may be taken by a delivery worker.
var Claimable = []Status{StatusDue, StatusOverdue}

// Transition is a conditional update: it applies only while the record's
// current status is one of From. Stores must evaluate the condition and the
// write as a single atomic step.
type Transition struct {
	From []Status
	To   Status
	At   time.Time

	// RequireReady additionally requires next_attempt_at to be unset or <= At.
	RequireReady bool

	ScheduledFor  *time.Time
	NextAttemptAt *time.Time
	IncAttempts   bool
	LastError     *string
}

func (t Transition) Validate() error {
	if len(t.From) == 0 {
		return fmt.Errorf("transition to %s: no source status", t.To)
	}
	if t.At.IsZero() {
		return fmt.Errorf("transition to %s: missing timestamp", t.To)
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return fmt.Errorf("illegal transition %s -> %s", from, t.To)
		}
	}
	if t.To == StatusScheduled && t.ScheduledFor == nil {
		return fmt.Errorf("transition to %s requires scheduled_for", t.To)
	}
	return nil
}

// Matches reports whether the transition's precondition holds for m.
func (t Transition) Matches(m Message) bool {
	if !slices.Contains(t.From, m.Status) {
		return false
	}
	if t.RequireReady && m.NextAttemptAt != nil && m.NextAttemptAt.After(t.At) {
		return false
	}
	return true
}

// Apply returns m with the transition's writes applied. The caller has already
// checked Matches under the store's lock.
func (t Transition) Apply(m Message) Message {
	m.Status = t.To
	m.UpdatedAt = t.At
	if t.ScheduledFor != nil {
		at := *t.ScheduledFor
		m.ScheduledFor = &at
	}
	if t.NextAttemptAt != nil {
		at := *t.NextAttemptAt
		m.NextAttemptAt = &at
	}
	if t.IncAttempts {
		m.Attempts++
	}
	if t.LastError != nil {
		m.LastError = *t.LastError
	}
	switch t.To {
	case StatusDelivered:
		if m.DeliveredAt == nil {
			at := t.At
			m.DeliveredAt = &at
		}
	case StatusRead:
		if m.ReadAt == nil {
			at := t.At
			m.ReadAt = &at
		}
	}
	return m
}

// StatusStrings converts statuses for drivers that only bind plain strings.
func StatusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
