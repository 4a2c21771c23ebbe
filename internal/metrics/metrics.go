package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	MessagesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "messages_created_total", Help: "Messages created."},
		[]string{"strategy", "status"}, // status: scheduled | draft
	)

	// Scheduler
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_sweep_duration_seconds",
			Help:    "Duration of a full sweep.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	SweepErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_sweep_errors_total", Help: "Sweeps aborted by a store error."})
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_transitions_total", Help: "Status transitions applied by the scheduler."},
		[]string{"to"},
	)
	PendingResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_pending_resolved_total", Help: "Pending ai_optimal messages resolved."},
		[]string{"source"}, // oracle | fallback
	)
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | conflict | gone | error
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight deliveries in this process."},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Transport dispatch outcomes."},
		[]string{"outcome"}, // delivered | retry | failed
	)
	RemindersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_total", Help: "Daily unread reminders."},
		[]string{"outcome"}, // sent | error
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Transport dispatch latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

var registerOnce sync.Once

// MustRegister registers default + our collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, MessagesCreated,
			SweepDuration, SweepErrors, Transitions, PendingResolved,
			ClaimTotal, InFlight, DispatchTotal, DispatchDuration, RemindersTotal,
		)
	})
}

// PGXPoolStats exports pgxpool statistics.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireSeconds prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool, reg prometheus.Registerer) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	reg.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireSeconds)
	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			// pgxpool reports cumulative totals; gauges avoid double counting.
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireSeconds.Set(s.AcquireDuration().Seconds())
		}
	}
}
