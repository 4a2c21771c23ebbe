// Package events moves lifecycle notifications and milestone triggers
// over Kafka.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/Cypherspark/future-self/internal/core"
)

// Publisher writes core.LifecycleEvent values keyed by message id, so every
// event of one message lands on the same partition in order.
type Publisher struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &Publisher{writer: w, timeout: 3 * time.Second}
}

func (p *Publisher) Close() error { return p.writer.Close() }

func (p *Publisher) Publish(ctx context.Context, ev core.LifecycleEvent) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	// the API must not hang when the brokers are down
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(cctx, msg)
}

func encode(ev core.LifecycleEvent) (kgo.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kgo.Message{}, err
	}
	key := ev.MessageID
	if key == "" {
		key = ev.OwnerID
	}
	return kgo.Message{
		Key:     []byte(key),
		Value:   b,
		Time:    ev.At,
		Headers: []kgo.Header{{Key: "type", Value: []byte(ev.Type)}},
	}, nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
