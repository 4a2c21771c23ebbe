package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Cypherspark/future-self/internal/core"
)

type MilestoneHandler interface {
	TriggerMilestone(ctx context.Context, ev core.MilestoneEvent) (int, error)
}

// MilestoneConsumer reads milestone events and hands them to the service.
// Offsets are committed manually after the handler succeeds; triggers are
// idempotent, so a redelivered event schedules nothing new.
type MilestoneConsumer struct {
	reader *kgo.Reader
	log    *zap.Logger
}

func NewMilestoneConsumer(brokers []string, topic, groupID string, log *zap.Logger) *MilestoneConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return &MilestoneConsumer{reader: r, log: log}
}

func (c *MilestoneConsumer) Close() error { return c.reader.Close() }

// Run consumes until ctx is cancelled.
func (c *MilestoneConsumer) Run(ctx context.Context, h MilestoneHandler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("milestone fetch", zap.Error(err))
			if !sleep(ctx, 500*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}

		ev, err := decodeMilestone(m.Value)
		if err == nil {
			var n int
			n, err = h.TriggerMilestone(ctx, ev)
			if err == nil {
				c.log.Info("milestone triggered",
					zap.String("owner_id", ev.OwnerID),
					zap.String("milestone_key", ev.Key),
					zap.Int("scheduled", n))
			}
		}
		if err != nil && !errors.Is(err, core.ErrValidation) {
			// leave uncommitted; the group redelivers it
			c.log.Error("milestone handle", zap.Int64("offset", m.Offset), zap.Error(err))
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			c.log.Warn("milestone dropped", zap.Int64("offset", m.Offset), zap.Error(err))
		}

		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := c.reader.CommitMessages(cctx, m); err != nil {
			c.log.Warn("milestone commit", zap.Error(err))
		}
		cancel()
	}
}

func decodeMilestone(b []byte) (core.MilestoneEvent, error) {
	var ev core.MilestoneEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("%w: milestone payload: %v", core.ErrValidation, err)
	}
	return ev, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
