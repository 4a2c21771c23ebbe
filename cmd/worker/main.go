package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Cypherspark/future-self/internal/config"
	"github.com/Cypherspark/future-self/internal/core"
	dbpkg "github.com/Cypherspark/future-self/internal/db"
	"github.com/Cypherspark/future-self/internal/events"
	httpapi "github.com/Cypherspark/future-self/internal/http"
	"github.com/Cypherspark/future-self/internal/logger"
	"github.com/Cypherspark/future-self/internal/metrics"
	"github.com/Cypherspark/future-self/internal/oracle"
	"github.com/Cypherspark/future-self/internal/provider"
	"github.com/Cypherspark/future-self/internal/timing"
	wpkg "github.com/Cypherspark/future-self/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("FUTURESELF_CONFIG"))
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		exitCode = 1
		return
	}
	log, err := logger.New(cfg.App.Development())
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		exitCode = 1
		return
	}
	defer func() { _ = log.Sync() }()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.MustRegister()

	// ---- DB ----
	database, err := dbpkg.Open(rootCtx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Error("db open", zap.Error(err))
		exitCode = 1
		return
	}
	defer database.Close()
	if err := database.Migrate(rootCtx); err != nil {
		log.Error("db migrate", zap.Error(err))
		exitCode = 1
		return
	}
	store := dbpkg.NewStore(database)

	stop := make(chan struct{})
	defer close(stop)
	go metrics.NewPGXPoolStats(database.Pool, prometheus.DefaultRegisterer).Start(5*time.Second, stop)

	// ---- Oracle / resolver ----
	var orc core.Oracle = oracle.NewHeuristic(nil)
	if cfg.Oracle.URL != "" {
		orc = oracle.NewHTTPClient(cfg.Oracle.URL, oracle.BreakerConfig{
			MaxFailures: cfg.Oracle.BreakerFailures,
			Timeout:     cfg.Oracle.BreakerCooldown,
		}, log)
	}
	resolver := timing.NewResolver(timing.Config{
		RandomMin:     cfg.Timing.RandomMin,
		RandomMax:     cfg.Timing.RandomMax,
		OracleTimeout: cfg.Oracle.Timeout,
		Grace:         cfg.Oracle.Grace,
		DefaultDelay:  cfg.Oracle.DefaultDelay,
	}, orc, nil, log)

	// ---- Transport ----
	disp, err := provider.FromConfig(rootCtx, cfg.Delivery.ProviderConfig(), provider.UserEmails(store))
	if err != nil {
		log.Error("dispatcher", zap.Error(err))
		exitCode = 1
		return
	}

	sched := wpkg.New(store, disp, resolver, cfg.SchedulerOptions(), log)

	// ---- Kafka ----
	if brokers := events.SplitBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		pub := events.NewPublisher(brokers, cfg.Kafka.LifecycleTopic)
		defer pub.Close()
		sched.Events = pub

		svc := core.NewService(store, resolver, log)
		svc.Events = pub
		svc.MilestoneOffset = cfg.Timing.MilestoneOffset
		consumer := events.NewMilestoneConsumer(brokers, cfg.Kafka.MilestoneTopic, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(rootCtx, svc); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("milestone consumer stopped", zap.Error(err))
			}
		}()
	}

	// ---- Healthz / metrics ----
	go serveOps(cfg.App.HealthAddr, database.Pool.Ping, log)

	// ---- Scheduler ----
	log.Info("scheduler started",
		zap.Duration("sweep_interval", sched.Options().SweepInterval),
		zap.Int("concurrency", sched.Options().Concurrency),
		zap.String("provider", cfg.Delivery.Provider))
	if err := sched.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler exited", zap.Error(err))
		exitCode = 1
		return
	}
}

func serveOps(addr string, ready httpapi.ReadyFunc, log *zap.Logger) {
	r := chi.NewRouter()
	httpapi.MountHealth(r, ready)
	httpapi.MountMetrics(r)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("ops server", zap.String("addr", addr), zap.Error(err))
	}
}
