package timing_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/future-self/internal/core"
	"github.com/Cypherspark/future-self/internal/timing"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type oracleFunc func(ctx context.Context) (time.Time, bool, error)

func (f oracleFunc) Recommend(ctx context.Context, _, _ string) (time.Time, bool, error) { return f(ctx) }

func seeded() *rand.Rand { return rand.New(rand.NewPCG(42, 7)) }

func TestResolve_RandomIsDeterministicForSeed(t *testing.T) {
	cfg := timing.DefaultConfig()
	a := timing.NewResolver(cfg, nil, seeded(), nil)
	b := timing.NewResolver(cfg, nil, seeded(), nil)

	for i := 0; i < 20; i++ {
		ra, err := a.Resolve(context.Background(), core.ResolveRequest{Strategy: core.StrategyRandom}, now)
		require.NoError(t, err)
		rb, err := b.Resolve(context.Background(), core.ResolveRequest{Strategy: core.StrategyRandom}, now)
		require.NoError(t, err)
		require.Equal(t, ra, rb)
		require.False(t, ra.Pending)
		require.False(t, ra.DueAt.Before(now.Add(cfg.RandomMin)))
		require.False(t, ra.DueAt.After(now.Add(cfg.RandomMax)))
	}
}

func TestResolve_RandomDegenerateRange(t *testing.T) {
	cfg := timing.DefaultConfig()
	cfg.RandomMin, cfg.RandomMax = 48*time.Hour, 48*time.Hour
	r := timing.NewResolver(cfg, nil, seeded(), nil)
	res, err := r.Resolve(context.Background(), core.ResolveRequest{Strategy: core.StrategyRandom}, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(48*time.Hour), res.DueAt)
}

func TestResolve_SpecificDate(t *testing.T) {
	r := timing.NewResolver(timing.DefaultConfig(), nil, seeded(), nil)
	ctx := context.Background()

	future := now.Add(time.Second)
	res, err := r.Resolve(ctx, core.ResolveRequest{Strategy: core.StrategySpecificDate, RequestedAt: &future}, now)
	require.NoError(t, err)
	require.Equal(t, future, res.DueAt)

	_, err = r.Resolve(ctx, core.ResolveRequest{Strategy: core.StrategySpecificDate, RequestedAt: &now}, now)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = r.Resolve(ctx, core.ResolveRequest{Strategy: "eventually"}, now)
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestResolve_MilestoneIsPending(t *testing.T) {
	r := timing.NewResolver(timing.DefaultConfig(), nil, seeded(), nil)
	res, err := r.Resolve(context.Background(), core.ResolveRequest{Strategy: core.StrategyMilestone, MilestoneKey: "graduation"}, now)
	require.NoError(t, err)
	require.True(t, res.Pending)
}

func TestResolve_AIOptimalTimeoutIsPending(t *testing.T) {
	cfg := timing.DefaultConfig()
	cfg.OracleTimeout = 20 * time.Millisecond
	slow := oracleFunc(func(ctx context.Context) (time.Time, bool, error) {
		<-ctx.Done()
		return time.Time{}, false, ctx.Err()
	})
	r := timing.NewResolver(cfg, slow, seeded(), nil)

	start := time.Now()
	res, err := r.Resolve(context.Background(), core.ResolveRequest{Strategy: core.StrategyAIOptimal}, now)
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.Less(t, time.Since(start), time.Second)
}

func TestResolve_AIOptimalOutcomes(t *testing.T) {
	ctx := context.Background()
	req := core.ResolveRequest{Strategy: core.StrategyAIOptimal}

	good := oracleFunc(func(context.Context) (time.Time, bool, error) { return now.Add(time.Hour), true, nil })
	res, err := timing.NewResolver(timing.DefaultConfig(), good, seeded(), nil).Resolve(ctx, req, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), res.DueAt)

	none := oracleFunc(func(context.Context) (time.Time, bool, error) { return time.Time{}, false, nil })
	res, err = timing.NewResolver(timing.DefaultConfig(), none, seeded(), nil).Resolve(ctx, req, now)
	require.NoError(t, err)
	require.True(t, res.Pending)

	past := oracleFunc(func(context.Context) (time.Time, bool, error) { return now, true, nil })
	_, err = timing.NewResolver(timing.DefaultConfig(), past, seeded(), nil).Resolve(ctx, req, now)
	var ve *core.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, core.ReasonInvalidOracleTime, ve.Reason)
}

func TestResolvePending(t *testing.T) {
	cfg := timing.DefaultConfig()
	created := now.Add(-time.Hour)
	m := core.Message{ID: "m1", Strategy: core.StrategyAIOptimal, Status: core.StatusDraft, CreatedAt: created}

	down := oracleFunc(func(context.Context) (time.Time, bool, error) { return time.Time{}, false, errors.New("down") })
	r := timing.NewResolver(cfg, down, seeded(), nil)

	_, _, ok := r.ResolvePending(context.Background(), m, now)
	require.False(t, ok)

	at := created.Add(cfg.Grace)
	due, fallback, ok := r.ResolvePending(context.Background(), m, at)
	require.True(t, ok)
	require.True(t, fallback)
	require.Equal(t, at.Add(cfg.DefaultDelay), due)

	up := oracleFunc(func(context.Context) (time.Time, bool, error) { return now.Add(time.Hour), true, nil })
	due, fallback, ok = timing.NewResolver(cfg, up, seeded(), nil).ResolvePending(context.Background(), m, now)
	require.True(t, ok)
	require.False(t, fallback)
	require.Equal(t, now.Add(time.Hour), due)
}

func TestExplain(t *testing.T) {
	due := now.Add(10 * 24 * time.Hour)
	require.Contains(t, timing.Explain(core.Message{Strategy: core.StrategyRandom, ScheduledFor: &due}, now), "10 days")
	require.Contains(t, timing.Explain(core.Message{Strategy: core.StrategyMilestone, MilestoneKey: "wedding"}, now), `"wedding"`)
	require.Contains(t, timing.Explain(core.Message{Strategy: core.StrategyAIOptimal}, now), "best moment")
}
