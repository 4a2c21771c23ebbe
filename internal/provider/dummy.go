package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Cypherspark/future-self/internal/core"
)

// Dummy simulates a transport with latency and occasional failures.
type Dummy struct {
	Latency     time.Duration
	FailPercent int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewDummy() *Dummy {
	return &Dummy{
		Latency:     50 * time.Millisecond,
		FailPercent: 3,
		rnd:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func (d *Dummy) Deliver(ctx context.Context, _ core.Message) error {
	return d.send(ctx)
}

func (d *Dummy) Remind(ctx context.Context, _ string, _ []core.Message) error {
	return d.send(ctx)
}

func (d *Dummy) send(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	d.mu.Lock()
	roll := d.rnd.IntN(100)
	d.mu.Unlock()
	if roll < d.FailPercent {
		return errors.New("provider_temporary_error")
	}
	return nil
}
