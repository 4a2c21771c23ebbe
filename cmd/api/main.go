package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Cypherspark/future-self/internal/analytics"
	"github.com/Cypherspark/future-self/internal/cache"
	"github.com/Cypherspark/future-self/internal/config"
	"github.com/Cypherspark/future-self/internal/core"
	"github.com/Cypherspark/future-self/internal/db"
	"github.com/Cypherspark/future-self/internal/events"
	httpapi "github.com/Cypherspark/future-self/internal/http"
	"github.com/Cypherspark/future-self/internal/logger"
	"github.com/Cypherspark/future-self/internal/memstore"
	"github.com/Cypherspark/future-self/internal/metrics"
	"github.com/Cypherspark/future-self/internal/oracle"
	"github.com/Cypherspark/future-self/internal/provider"
	"github.com/Cypherspark/future-self/internal/timing"
	"github.com/Cypherspark/future-self/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("FUTURESELF_CONFIG"))
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.App.Development())
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("api exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.MustRegister()
	var checks []httpapi.ReadyFunc

	// ---- Store ----
	var store core.Store
	if cfg.Database.Memory {
		log.Warn("using in-memory store; data is lost on restart")
		store = memstore.New()
	} else {
		database, err := db.Open(rootCtx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(rootCtx); err != nil {
			return err
		}
		store = db.NewStore(database)
		checks = append(checks, database.Pool.Ping)

		stop := make(chan struct{})
		defer close(stop)
		go metrics.NewPGXPoolStats(database.Pool, prometheus.DefaultRegisterer).Start(5*time.Second, stop)
	}

	// ---- Timing ----
	var orc core.Oracle
	if cfg.Oracle.URL != "" {
		orc = oracle.NewHTTPClient(cfg.Oracle.URL, oracle.BreakerConfig{
			MaxFailures: cfg.Oracle.BreakerFailures,
			Timeout:     cfg.Oracle.BreakerCooldown,
		}, log)
	} else {
		log.Info("no oracle url configured; using heuristic recommendations")
		orc = oracle.NewHeuristic(nil)
	}
	resolver := timing.NewResolver(timing.Config{
		RandomMin:     cfg.Timing.RandomMin,
		RandomMax:     cfg.Timing.RandomMax,
		OracleTimeout: cfg.Oracle.Timeout,
		Grace:         cfg.Oracle.Grace,
		DefaultDelay:  cfg.Oracle.DefaultDelay,
	}, orc, nil, log)

	svc := core.NewService(store, resolver, log)
	svc.MilestoneOffset = cfg.Timing.MilestoneOffset

	// ---- Kafka ----
	brokers := events.SplitBrokers(cfg.Kafka.Brokers)
	if len(brokers) > 0 {
		pub := events.NewPublisher(brokers, cfg.Kafka.LifecycleTopic)
		defer pub.Close()
		svc.Events = pub
	}

	// ---- Analytics ----
	stats := analytics.NewService(store, analytics.Pricing{
		PremiumMonthly: cfg.Billing.PremiumPrice,
		LifetimeOnce:   cfg.Billing.LifetimePrice,
		MRRGoal:        cfg.Billing.MRRGoal,
	}, log)
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(rootCtx, cache.Options{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, Prefix: "future-self:",
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		stats.Cache = rc
		stats.TTL = cfg.Redis.TTL
		checks = append(checks, rc.Ping)
		// Writes from this process, including the embedded scheduler, drop cached projections.
		svc.Events = core.Publishers{svc.Events, stats}
	}

	// ---- Scheduler (optional, in-process) ----
	if cfg.App.EmbedScheduler {
		disp, err := provider.FromConfig(rootCtx, cfg.Delivery.ProviderConfig(), provider.UserEmails(store))
		if err != nil {
			return err
		}
		sched := worker.New(store, disp, resolver, cfg.SchedulerOptions(), log)
		sched.Events = svc.Events
		go func() {
			if err := sched.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("scheduler stopped", zap.Error(err))
			}
		}()

		if len(brokers) > 0 {
			consumer := events.NewMilestoneConsumer(brokers, cfg.Kafka.MilestoneTopic, cfg.Kafka.GroupID, log)
			defer consumer.Close()
			go func() {
				if err := consumer.Run(rootCtx, svc); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("milestone consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	// ---- HTTP server ----
	srv := httpapi.NewServer(svc, stats, log)
	srv.Auth = httpapi.NewAuthenticator(cfg.App.JWTSecret)
	srv.CORSOrigins = splitCSV(cfg.App.CORSOrigins)
	srv.Ready = func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	server := &http.Server{
		Addr:         cfg.App.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
