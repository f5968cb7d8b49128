package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"veritas/internal/audit"
	"veritas/internal/hub"
	"veritas/internal/integrity"
	"veritas/internal/platform/config"
	"veritas/internal/platform/httpserver"
	"veritas/internal/platform/kafka"
	"veritas/internal/platform/logger"
	"veritas/internal/platform/metrics"
	"veritas/internal/platform/postgres"
	platformredis "veritas/internal/platform/redis"
	"veritas/internal/retention"
	"veritas/internal/rules"
	httptransport "veritas/internal/transport/http"
)

// main wires dependencies and runs the server lifecycle. Business logic
// lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// The signing key is not optional: without it nothing could be stamped
	// and every record would be unverifiable.
	signer, err := integrity.NewSigner(cfg.Integrity.SigningKeyPath)
	if err != nil {
		log.Error("failed to load signing key, refusing to start", "path", cfg.Integrity.SigningKeyPath, "error", err)
		os.Exit(1)
	}
	chain, err := integrity.NewChain(signer)
	if err != nil {
		log.Error("failed to initialize integrity chain", "error", err)
		os.Exit(1)
	}

	var checks []httptransport.HealthCheck

	// Stores: postgres when configured, in-memory otherwise.
	var (
		recordStore audit.Store
		ruleStore   rules.Store
		policyStore retention.Store
	)
	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
		recordsPG := audit.NewPostgres(db)
		rulesPG := rules.NewPostgres(db)
		policiesPG := retention.NewPostgres(db)
		for _, ensure := range []func(context.Context) error{
			recordsPG.EnsureSchema, rulesPG.EnsureSchema, policiesPG.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				log.Error("failed to ensure database schema", "error", err)
				os.Exit(1)
			}
		}
		recordStore, ruleStore, policyStore = recordsPG, rulesPG, policiesPG
		checks = append(checks, httptransport.HealthCheck{Name: "postgres", Check: db.PingContext})
		log.Info("using postgres stores")
	} else {
		recordStore = audit.NewMemoryStore()
		ruleStore = rules.NewMemoryStore()
		policyStore = retention.NewMemoryStore()
		log.Warn("no postgres DSN configured, using in-memory stores")
	}

	service, err := audit.NewService(ctx, recordStore, chain, log, m)
	if err != nil {
		log.Error("failed to initialize ingestion service", "error", err)
		os.Exit(1)
	}

	// Distribution hub, optionally bridged across instances via Redis.
	liveHub := hub.New(cfg.Hub, log, m)
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	bridge := hub.NewRedisBridge(redisClient, liveHub, log)
	if redisClient != nil {
		defer redisClient.Close()
		checks = append(checks, httptransport.HealthCheck{Name: "redis", Check: redisClient.Health})
	}

	// Optional Kafka mirror for downstream consumers.
	publisher, err := kafka.New(ctx, cfg.Kafka, log)
	if err != nil {
		log.Error("failed to connect to kafka", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// Rule engine and alert actions.
	dispatcher := rules.NewDispatcher(log, m,
		rules.NewWebhookAction(),
		rules.NewLogAction(log),
		rules.NewHubAction(liveHub),
	)
	if mirror := kafka.NewAlertMirror(publisher, log); mirror != nil {
		dispatcher.AddMirror(mirror)
	}
	engine := rules.NewEngine(ruleStore, dispatcher, log, m)

	// Observers run off the append path, in append order.
	service.AddObserver(engine)
	service.AddObserver(liveHub)
	if mirror := kafka.NewRecordMirror(publisher, log); mirror != nil {
		service.AddObserver(mirror)
	}

	scheduler := retention.NewScheduler(policyStore, recordStore, liveHub, log, m, cfg.Retention.Interval)

	router := httptransport.NewRouter(httptransport.Deps{
		Records:   service,
		Integrity: service,
		Rules:     ruleStore,
		Retention: policyStore,
		Scheduler: scheduler,
		Hub:       liveHub,
		Logger:    log,
		Checks:    checks,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		liveHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
