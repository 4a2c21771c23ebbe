package timing

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/future-self/internal/core"
)

const day = 24 * time.Hour

type Config struct {
	RandomMin     time.Duration // lower bound of the random strategy delay
	RandomMax     time.Duration // upper bound, inclusive
	OracleTimeout time.Duration // per-call bound on the recommendation oracle
	Grace         time.Duration // how long ai_optimal may stay pending
	DefaultDelay  time.Duration // fallback delay once the grace period has passed
}

func DefaultConfig() Config {
	return Config{
		RandomMin:     30 * day,
		RandomMax:     180 * day,
		OracleTimeout: 2 * time.Second,
		Grace:         24 * time.Hour,
		DefaultDelay:  90 * day,
	}
}

// Resolver turns a timing strategy into a due time. It owns no clock: callers
// pass now, and randomness comes from the injected source.
type Resolver struct {
	cfg    Config
	oracle core.Oracle
	log    *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewResolver(cfg Config, oracle core.Oracle, rnd *rand.Rand, log *zap.Logger) *Resolver {
	if cfg.RandomMax < cfg.RandomMin {
		cfg.RandomMin, cfg.RandomMax = cfg.RandomMax, cfg.RandomMin
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{cfg: cfg, oracle: oracle, rnd: rnd, log: log}
}

func (r *Resolver) Config() Config { return r.cfg }

func (r *Resolver) Resolve(ctx context.Context, req core.ResolveRequest, now time.Time) (core.Resolution, error) {
	switch req.Strategy {
	case core.StrategySpecificDate:
		return resolveSpecificDate(req, now)
	case core.StrategyRandom:
		return r.resolveRandom(now), nil
	case core.StrategyAIOptimal:
		return r.resolveAIOptimal(ctx, req, now)
	case core.StrategyMilestone:
		return core.Resolution{Pending: true}, nil
	}
	return core.Resolution{}, &core.ValidationError{Field: "timing_strategy", Reason: core.ReasonInvalidStrategy}
}

func resolveSpecificDate(req core.ResolveRequest, now time.Time) (core.Resolution, error) {
	if req.RequestedAt == nil {
		return core.Resolution{}, &core.ValidationError{Field: "scheduled_for", Reason: core.ReasonRequired}
	}
	if !req.RequestedAt.After(now) {
		return core.Resolution{}, core.PastDate("scheduled_for")
	}
	return core.Resolution{DueAt: req.RequestedAt.UTC()}, nil
}

func (r *Resolver) resolveRandom(now time.Time) core.Resolution {
	span := int64(r.cfg.RandomMax - r.cfg.RandomMin)
	var offset int64
	if span > 0 {
		r.mu.Lock()
		offset = r.rnd.Int64N(span + 1)
		r.mu.Unlock()
	}
	return core.Resolution{DueAt: now.Add(r.cfg.RandomMin + time.Duration(offset))}
}

func (r *Resolver) resolveAIOptimal(ctx context.Context, req core.ResolveRequest, now time.Time) (core.Resolution, error) {
	at, ok, err := r.recommend(ctx, req.OwnerID, req.Content)
	if err != nil || !ok {
		r.log.Info("oracle gave no recommendation, message stays pending",
			zap.String("owner_id", req.OwnerID), zap.Error(err))
		return core.Resolution{Pending: true}, nil
	}
	if !at.After(now) {
		return core.Resolution{}, core.InvalidOracleTime()
	}
	return core.Resolution{DueAt: at.UTC()}, nil
}

// recommend calls the oracle with the configured timeout. A missing oracle
// behaves like an unreachable one.
func (r *Resolver) recommend(ctx context.Context, ownerID, content string) (time.Time, bool, error) {
	if r.oracle == nil {
		return time.Time{}, false, core.ErrOracleUnavailable
	}
	cctx := ctx
	if r.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.cfg.OracleTimeout)
		defer cancel()
	}
	at, ok, err := r.oracle.Recommend(cctx, ownerID, content)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return time.Time{}, false, errors.Join(core.ErrOracleUnavailable, context.DeadlineExceeded)
		}
		return time.Time{}, false, errors.Join(core.ErrOracleUnavailable, err)
	}
	return at, ok, nil
}

// ResolvePending settles an ai_optimal draft. Within the grace period the
// oracle is asked again; afterwards the message falls back to now+DefaultDelay.
// ok=false means the message should stay pending for now.
func (r *Resolver) ResolvePending(ctx context.Context, m core.Message, now time.Time) (due time.Time, fallback bool, ok bool) {
	if !m.CreatedAt.Add(r.cfg.Grace).After(now) {
		return now.Add(r.cfg.DefaultDelay), true, true
	}
	at, found, err := r.recommend(ctx, m.OwnerID, m.Content)
	if err != nil || !found {
		return time.Time{}, false, false
	}
	if !at.After(now) {
		r.log.Warn("oracle recommended a past time, ignoring",
			zap.String("message_id", m.ID), zap.Time("recommended_at", at))
		return time.Time{}, false, false
	}
	return at.UTC(), false, true
}
