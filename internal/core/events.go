package core

import (
	"context"
	"errors"
	"time"
)

const (
	EventCreated   = "message.created"
	EventScheduled = "message.scheduled"
	EventDelivered = "message.delivered"
	EventFailed    = "message.failed"
	EventRead      = "message.read"
	EventDeleted   = "message.deleted"

	EventUserCreated = "user.created"
)

// LifecycleEvent describes one committed change. User events carry no
// message fields.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	OwnerID   string    `json:"owner_id"`
	Status    Status    `json:"status,omitempty"`
	Attempts  int       `json:"delivery_attempts"`
	At        time.Time `json:"at"`
}

func NewEvent(typ string, m Message, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		Type:      typ,
		MessageID: m.ID,
		OwnerID:   m.OwnerID,
		Status:    m.Status,
		Attempts:  m.Attempts,
		At:        at,
	}
}

// EventPublisher receives lifecycle notifications after the store has
// committed the corresponding transition. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }

// Publishers fans an event out to every publisher, joining their errors.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, ev LifecycleEvent) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
