package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/future-self/internal/core"
	"github.com/Cypherspark/future-self/internal/metrics"
	"github.com/Cypherspark/future-self/internal/provider"
)

type Options struct {
	SweepInterval time.Duration // how often to sweep
	BatchSize     int           // how many to claim per sweep
	Concurrency   int           // number of delivery goroutines
	OverdueAfter  time.Duration // due this long past scheduled_for becomes overdue
	MaxAttempts   int           // delivery attempts before failed
	BackoffBase   time.Duration // delay after the first retryable failure
	BackoffMax    time.Duration
	StaleAfter    time.Duration // delivering longer than this is handed back to due
	SendTimeout   time.Duration // per-send timeout
	ProviderQPS   float64       // sustained transport rate
	ProviderBurst int           // burst to allow short spikes
	DBBackoffMin  time.Duration
	DBBackoffMax  time.Duration
	ReminderHour  int // UTC hour after which unread reminders go out; negative disables
}

// FinishTimeout bounds recording a delivery outcome after the send returns.
// StaleAfter must exceed SendTimeout+FinishTimeout or a live delivery can be reclaimed.
const FinishTimeout = 5 * time.Second

func DefaultOptions() Options {
	return Options{
		SweepInterval: time.Minute,
		BatchSize:     100,
		Concurrency:   8,
		OverdueAfter:  24 * time.Hour,
		MaxAttempts:   5,
		BackoffBase:   time.Minute,
		BackoffMax:    time.Hour,
		StaleAfter:    10 * time.Minute,
		SendTimeout:   10 * time.Second,
		ProviderQPS:   50,
		ProviderBurst: 100,
		DBBackoffMin:  200 * time.Millisecond,
		DBBackoffMax:  5 * time.Second,
		ReminderHour:  9,
	}
}

// PendingResolver settles ai_optimal drafts on each sweep. ok=false leaves the
// message pending.
type PendingResolver interface {
	ResolvePending(ctx context.Context, m core.Message, now time.Time) (due time.Time, fallback bool, ok bool)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Resolved  int `json:"resolved"`
	Promoted  int `json:"promoted"`
	Overdue   int `json:"overdue"`
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Reminded  int `json:"reminded"`
}

// Scheduler moves messages through scheduled -> due -> delivering -> delivered.
// Several schedulers may share one store; the claim transition is the only
// point of mutual exclusion between them.
type Scheduler struct {
	store   core.Store
	disp    provider.Dispatcher
	pending PendingResolver
	opt     Options
	limiter *rate.Limiter

	reminder   provider.Reminder
	remindMu   sync.Mutex
	remindedOn time.Time // last UTC day this scheduler finished reminders

	Clock  core.Clock
	Events core.EventPublisher
	Log    *zap.Logger
}

func New(store core.Store, disp provider.Dispatcher, pending PendingResolver, opt Options, log *zap.Logger) *Scheduler {
	def := DefaultOptions()
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = def.SweepInterval
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = def.BatchSize
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = def.Concurrency
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = def.MaxAttempts
	}
	if opt.BackoffBase <= 0 {
		opt.BackoffBase = def.BackoffBase
	}
	if opt.BackoffMax < opt.BackoffBase {
		opt.BackoffMax = opt.BackoffBase
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = def.SendTimeout
	}
	if opt.DBBackoffMin <= 0 {
		opt.DBBackoffMin = def.DBBackoffMin
	}
	if opt.DBBackoffMax < opt.DBBackoffMin {
		opt.DBBackoffMax = opt.DBBackoffMin
	}
	limit := rate.Inf
	if opt.ProviderQPS > 0 {
		limit = rate.Limit(opt.ProviderQPS)
	}
	if opt.ProviderBurst <= 0 {
		opt.ProviderBurst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		store:   store,
		disp:    disp,
		pending: pending,
		opt:     opt,
		limiter: rate.NewLimiter(limit, opt.ProviderBurst),
		Clock:   core.SystemClock{},
		Events:  core.NopPublisher{},
		Log:     log,
	}
	if r, ok := disp.(provider.Reminder); ok {
		s.reminder = r
	}
	return s
}

func (s *Scheduler) Options() Options { return s.opt }

// Run sweeps every SweepInterval until ctx is cancelled. Store errors back off
// with jitter instead of waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	dbBackoff := s.opt.DBBackoffMin
	for {
		wait := s.opt.SweepInterval
		res, err := s.Sweep(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			wait = jitter(dbBackoff, 0.20)
			s.Log.Warn("sweep failed", zap.Error(err), zap.Duration("backoff", wait))
			dbBackoff = minDur(s.opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
		default:
			dbBackoff = s.opt.DBBackoffMin
			if res.Claimed > 0 || res.Promoted > 0 || res.Resolved > 0 || res.Reminded > 0 {
				s.Log.Info("sweep done", zap.Any("result", res))
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Sweep runs one pass: settle pending drafts, promote scheduled messages that
// came due, label stale due messages overdue, claim and deliver a batch, then
// send the daily unread reminders.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	steps := []func(context.Context, *SweepResult) error{
		s.resolvePending,
		s.promoteDue,
		s.markOverdue,
		s.reclaimStale,
		s.deliverBatch,
		s.remindUnread,
	}
	for _, step := range steps {
		if err := step(ctx, &res); err != nil {
			metrics.SweepErrors.Inc()
			return res, err
		}
	}
	return res, nil
}

func (s *Scheduler) resolvePending(ctx context.Context, res *SweepResult) error {
	if s.pending == nil {
		return nil
	}
	drafts, err := s.store.QueryMessages(ctx, core.MessageQuery{
		Statuses: []core.Status{core.StatusDraft},
		Strategy: core.StrategyAIOptimal,
	})
	if err != nil {
		return err
	}
	for _, m := range drafts {
		if !m.Pending() {
			continue
		}
		now := s.Clock.Now()
		due, fallback, ok := s.pending.ResolvePending(ctx, m, now)
		if !ok {
			continue
		}
		got, applied, err := s.transition(ctx, m.ID, core.Transition{
			From:         []core.Status{core.StatusDraft},
			To:           core.StatusScheduled,
			At:           now,
			ScheduledFor: &due,
		})
		if err != nil || !applied {
			continue
		}
		source := "oracle"
		if fallback {
			source = "fallback"
		}
		metrics.PendingResolved.WithLabelValues(source).Inc()
		s.Log.Info("pending message resolved",
			zap.String("message_id", m.ID), zap.String("source", source), zap.Time("scheduled_for", due))
		s.publish(ctx, core.EventScheduled, got, now)
		res.Resolved++
	}
	return nil
}

func (s *Scheduler) promoteDue(ctx context.Context, res *SweepResult) error {
	now := s.Clock.Now()
	msgs, err := s.store.QueryMessages(ctx, core.MessageQuery{
		Statuses:        []core.Status{core.StatusScheduled},
		ScheduledBefore: &now,
		Order:           core.OrderScheduledAsc,
	})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		_, applied, err := s.transition(ctx, m.ID, core.Transition{
			From: []core.Status{core.StatusScheduled},
			To:   core.StatusDue,
			At:   now,
		})
		if err == nil && applied {
			res.Promoted++
		}
	}
	return nil
}

func (s *Scheduler) markOverdue(ctx context.Context, res *SweepResult) error {
	now := s.Clock.Now()
	cutoff := now.Add(-s.opt.OverdueAfter)
	msgs, err := s.store.QueryMessages(ctx, core.MessageQuery{
		Statuses:        []core.Status{core.StatusDue},
		ScheduledBefore: &cutoff,
		Order:           core.OrderScheduledAsc,
	})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		_, applied, err := s.transition(ctx, m.ID, core.Transition{
			From: []core.Status{core.StatusDue},
			To:   core.StatusOverdue,
			At:   now,
		})
		if err == nil && applied {
			res.Overdue++
		}
	}
	return nil
}

// reclaimStale hands deliveries whose worker vanished back to due. It counts
// as a failed attempt so a message that keeps crashing workers still ends up failed.
func (s *Scheduler) reclaimStale(ctx context.Context, res *SweepResult) error {
	if s.opt.StaleAfter <= 0 {
		return nil
	}
	msgs, err := s.store.QueryMessages(ctx, core.MessageQuery{
		Statuses: []core.Status{core.StatusDelivering},
	})
	if err != nil {
		return err
	}
	now := s.Clock.Now()
	for _, m := range msgs {
		if now.Sub(m.UpdatedAt) < s.opt.StaleAfter {
			continue
		}
		s.finishFailure(ctx, m, errors.New("delivery lease expired"), now, res)
		res.Reclaimed++
	}
	return nil
}

func (s *Scheduler) deliverBatch(ctx context.Context, res *SweepResult) error {
	now := s.Clock.Now()
	batch, err := s.store.QueryMessages(ctx, core.MessageQuery{
		Statuses: core.Claimable,
		ReadyBy:  &now,
		Order:    core.OrderScheduledAsc,
		Limit:    s.opt.BatchSize,
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	// Fixed-size pool per sweep; results merge under mu.
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	jobs := make(chan core.Message)
	workers := min(s.opt.Concurrency, len(batch))
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for m := range jobs {
				var local SweepResult
				s.deliverOne(ctx, m, &local)
				mu.Lock()
				res.Claimed += local.Claimed
				res.Delivered += local.Delivered
				res.Retried += local.Retried
				res.Failed += local.Failed
				res.Skipped += local.Skipped
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, m := range batch {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- m:
		}
	}
	close(jobs)
	wg.Wait()
	return nil
}

func (s *Scheduler) deliverOne(ctx context.Context, m core.Message, res *SweepResult) {
	// Wait for a transport slot before claiming so a cancelled wait never
	// strands a message in delivering.
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	claimed, applied, err := s.store.Transition(ctx, m.ID, core.Transition{
		From:         core.Claimable,
		To:           core.StatusDelivering,
		At:           s.Clock.Now(),
		RequireReady: true,
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
		// deleted after the batch query
		metrics.ClaimTotal.WithLabelValues("gone").Inc()
		res.Skipped++
		return
	case err != nil:
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		s.Log.Warn("claim failed", zap.String("message_id", m.ID), zap.Error(err))
		res.Skipped++
		return
	case !applied:
		metrics.ClaimTotal.WithLabelValues("conflict").Inc()
		res.Skipped++
		return
	}
	metrics.ClaimTotal.WithLabelValues("ok").Inc()
	metrics.Transitions.WithLabelValues(string(core.StatusDelivering)).Inc()
	res.Claimed++

	metrics.InFlight.Inc()
	sendStart := time.Now()
	cctx, cancel := context.WithTimeout(ctx, s.opt.SendTimeout)
	sendErr := s.disp.Deliver(cctx, claimed)
	cancel()
	metrics.DispatchDuration.Observe(time.Since(sendStart).Seconds())
	metrics.InFlight.Dec()

	// Record the outcome even if the sweep is being cancelled.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), FinishTimeout)
	defer fcancel()
	now := s.Clock.Now()
	if sendErr == nil {
		s.finishSuccess(fctx, claimed, now, res)
		return
	}
	s.finishFailure(fctx, claimed, sendErr, now, res)
}

func (s *Scheduler) finishSuccess(ctx context.Context, m core.Message, now time.Time, res *SweepResult) {
	got, applied, err := s.transition(ctx, m.ID, core.Transition{
		From: []core.Status{core.StatusDelivering},
		To:   core.StatusDelivered,
		At:   now,
	})
	if err != nil || !applied {
		return
	}
	metrics.DispatchTotal.WithLabelValues("delivered").Inc()
	s.Log.Info("message delivered", zap.String("message_id", m.ID), zap.Int("attempts", got.Attempts+1))
	s.publish(ctx, core.EventDelivered, got, now)
	res.Delivered++
}

// finishFailure records a failed attempt: terminal failed when the error is
// permanent or attempts are exhausted, otherwise back to due after a backoff.
func (s *Scheduler) finishFailure(ctx context.Context, m core.Message, sendErr error, now time.Time, res *SweepResult) {
	attempts := m.Attempts + 1
	msg := sendErr.Error()

	if provider.IsPermanent(sendErr) || attempts >= s.opt.MaxAttempts {
		got, applied, err := s.transition(ctx, m.ID, core.Transition{
			From:        []core.Status{core.StatusDelivering},
			To:          core.StatusFailed,
			At:          now,
			IncAttempts: true,
			LastError:   &msg,
		})
		if err != nil || !applied {
			return
		}
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		s.Log.Warn("message failed",
			zap.String("message_id", m.ID), zap.Int("attempts", got.Attempts), zap.Error(sendErr))
		s.publish(ctx, core.EventFailed, got, now)
		res.Failed++
		return
	}

	next := now.Add(Backoff(s.opt.BackoffBase, s.opt.BackoffMax, attempts))
	got, applied, err := s.transition(ctx, m.ID, core.Transition{
		From:          []core.Status{core.StatusDelivering},
		To:            core.StatusDue,
		At:            now,
		NextAttemptAt: &next,
		IncAttempts:   true,
		LastError:     &msg,
	})
	if err != nil || !applied {
		return
	}
	metrics.DispatchTotal.WithLabelValues("retry").Inc()
	s.Log.Info("delivery will be retried",
		zap.String("message_id", m.ID), zap.Int("attempts", got.Attempts),
		zap.Time("next_attempt_at", next), zap.Error(sendErr))
	res.Retried++

	// A retry that is already past the threshold is reported as overdue right away.
	if got.ScheduledFor != nil && now.Sub(*got.ScheduledFor) >= s.opt.OverdueAfter {
		_, applied, err := s.transition(ctx, m.ID, core.Transition{
			From: []core.Status{core.StatusDue},
			To:   core.StatusOverdue,
			At:   now,
		})
		if err == nil && applied {
			res.Overdue++
		}
	}
}

// remindUnread sends each owner with delivered but unread messages at most one
// reminder per UTC day once ReminderHour has passed. The store's reminder claim
// keeps concurrent schedulers from sending twice; a failed send is not retried
// until the next day.
func (s *Scheduler) remindUnread(ctx context.Context, res *SweepResult) error {
	if s.reminder == nil || s.opt.ReminderHour < 0 {
		return nil
	}
	s.remindMu.Lock()
	defer s.remindMu.Unlock()

	now := s.Clock.Now().UTC()
	day := core.ReminderDay(now)
	if now.Hour() < s.opt.ReminderHour || !s.remindedOn.Before(day) {
		return nil
	}

	delivered, err := s.store.QueryMessages(ctx, core.MessageQuery{
		Statuses: []core.Status{core.StatusDelivered},
		Order:    core.OrderScheduledAsc,
	})
	if err != nil {
		return err
	}
	var owners []string
	unread := make(map[string][]core.Message)
	for _, m := range delivered {
		if _, ok := unread[m.OwnerID]; !ok {
			owners = append(owners, m.OwnerID)
		}
		unread[m.OwnerID] = append(unread[m.OwnerID], m)
	}

	for _, owner := range owners {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		claimed, err := s.store.ClaimReminder(ctx, owner, day)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.opt.SendTimeout)
		err = s.reminder.Remind(cctx, owner, unread[owner])
		cancel()
		if err != nil {
			metrics.RemindersTotal.WithLabelValues("error").Inc()
			s.Log.Warn("reminder failed", zap.String("owner_id", owner), zap.Error(err))
			continue
		}
		metrics.RemindersTotal.WithLabelValues("sent").Inc()
		s.Log.Info("reminder sent", zap.String("owner_id", owner), zap.Int("unread", len(unread[owner])))
		res.Reminded++
	}
	s.remindedOn = day
	return nil
}

// transition wraps Store.Transition with logging and metrics. A deleted id is
// reported as not applied.
func (s *Scheduler) transition(ctx context.Context, id string, t core.Transition) (core.Message, bool, error) {
	m, applied, err := s.store.Transition(ctx, id, t)
	if errors.Is(err, core.ErrNotFound) {
		return core.Message{}, false, nil
	}
	if err != nil {
		s.Log.Warn("transition failed",
			zap.String("message_id", id), zap.String("to", string(t.To)), zap.Error(err))
		return m, false, err
	}
	if applied {
		metrics.Transitions.WithLabelValues(string(t.To)).Inc()
	}
	return m, applied, nil
}

func (s *Scheduler) publish(ctx context.Context, typ string, m core.Message, at time.Time) {
	if err := s.Events.Publish(ctx, core.NewEvent(typ, m, at)); err != nil {
		s.Log.Warn("publish event", zap.String("type", typ), zap.String("message_id", m.ID), zap.Error(err))
	}
}

// Backoff returns min(ceiling, base*2^(attempts-1)).
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return minDur(d, ceiling)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
