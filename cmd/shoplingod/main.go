// Command shoplingod runs the batch content-generation service: HTTP API,
// job orchestrator, token ledger, and billing webhook in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/shoplingo/pkg/api"
	"github.com/mihaimyh/shoplingo/pkg/billing"
	stripebilling "github.com/mihaimyh/shoplingo/pkg/billing/stripe"
	"github.com/mihaimyh/shoplingo/pkg/jobs"
	"github.com/mihaimyh/shoplingo/pkg/ledger"
	prommetrics "github.com/mihaimyh/shoplingo/pkg/ledger/metrics/prometheus"
	"github.com/mihaimyh/shoplingo/pkg/logging"
	zerologadapter "github.com/mihaimyh/shoplingo/pkg/logging/zerolog"
	"github.com/mihaimyh/shoplingo/pkg/provider"
	"github.com/mihaimyh/shoplingo/pkg/provider/openai"
	"github.com/mihaimyh/shoplingo/pkg/queue"
	"github.com/mihaimyh/shoplingo/storage/memory"
	"github.com/mihaimyh/shoplingo/storage/postgres"
	redisstore "github.com/mihaimyh/shoplingo/storage/redis"
)

func main() {
	_ = godotenv.Load()

	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log := zerologadapter.NewLogger(zl)

	if err := run(log); err != nil {
		log.Error("server exited", logging.F("error", err))
		os.Exit(1)
	}
}

func run(log logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, jobStore, cleanup, err := buildStores(ctx, log)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := prometheus.NewRegistry()

	manager, err := ledger.NewManager(ledgerStore, ledger.Config{
		TrialTokens: envInt64("TRIAL_TOKENS", 10000),
		Logger:      log,
		Metrics:     prommetrics.NewMetrics(reg, "shoplingo"),
	})
	if err != nil {
		return err
	}

	sweeper := ledger.NewSweeper(manager, ledger.SweeperConfig{
		Interval: envDuration("SWEEP_INTERVAL", time.Minute),
		TTL:      envDuration("RESERVATION_TTL", 15*time.Minute),
	})
	sweeper.Start()
	defer sweeper.Stop()

	q := queue.New(queue.Config{
		Concurrency: int(envInt64("QUEUE_CONCURRENCY", 2)),
		Logger:      log,
	})
	defer q.Close()

	llm, err := buildProvider(log)
	if err != nil {
		return err
	}

	orch, err := jobs.New(jobStore, manager, q, llm, buildApplier(log), jobs.Config{
		TokensPerUnit: envInt64("TOKENS_PER_UNIT", 1000),
		MaxInFlight:   int(envInt64("JOB_MAX_IN_FLIGHT", 4)),
		LanguageLimit: languageLimitFromEnv(),
		Logger:        log,
	})
	if err != nil {
		return err
	}
	// Jobs left running by a previous crash cannot be resumed; mark them so
	// tenants can resubmit.
	if err := orch.Recover(ctx); err != nil {
		log.Warn("job recovery failed", logging.F("error", err))
	}

	handler, err := api.NewHandler(api.Config{
		Orchestrator: orch,
		Ledger:       manager,
		Billing:      buildBilling(manager, log),
		Logger:       log,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", handler.Routes())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", logging.F("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// buildStores selects the persistence backend from STORAGE_BACKEND
// (memory, redis, or postgres).
func buildStores(ctx context.Context, log logging.Logger) (ledger.Storage, jobs.Store, func(), error) {
	backend := os.Getenv("STORAGE_BACKEND")
	switch backend {
	case "", "memory":
		log.Info("using in-memory storage")
		return memory.NewLedgerStore(), memory.NewJobStore(), func() {}, nil

	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       int(envInt64("REDIS_DB", 0)),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, err
		}
		log.Info("using redis storage", logging.F("addr", addr))
		cleanup := func() { _ = client.Close() }
		return redisstore.New(client), redisstore.NewJobStore(client), cleanup, nil

	case "postgres":
		cfg := postgres.DefaultConfig()
		cfg.ConnectionString = os.Getenv("POSTGRES_DSN")
		store, err := postgres.New(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		log.Info("using postgres storage")
		return store, store, store.Close, nil

	default:
		return nil, nil, nil, errors.New("unknown STORAGE_BACKEND: " + backend)
	}
}

func buildProvider(log logging.Logger) (provider.Provider, error) {
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	client, err := openai.New(os.Getenv("OPENAI_API_KEY"), model,
		openai.WithTimeout(envDuration("OPENAI_TIMEOUT", 60*time.Second)))
	if err != nil {
		return nil, err
	}
	log.Info("provider configured", logging.F("model", model))
	return client, nil
}

func buildBilling(manager *ledger.Manager, log logging.Logger) billing.Provider {
	apiKey := os.Getenv("STRIPE_API_KEY")
	if apiKey == "" {
		log.Info("billing disabled: STRIPE_API_KEY not set")
		return nil
	}

	provider, err := stripebilling.NewProvider(stripebilling.Config{
		Config: billing.Config{
			Ledger: manager,
			Packs: []billing.TokenPack{
				{Name: "starter", Tokens: 50000, PriceID: os.Getenv("STRIPE_PRICE_STARTER")},
				{Name: "growth", Tokens: 250000, PriceID: os.Getenv("STRIPE_PRICE_GROWTH")},
				{Name: "scale", Tokens: 1000000, PriceID: os.Getenv("STRIPE_PRICE_SCALE")},
			},
			Logger: log,
		},
		StripeAPIKey:        apiKey,
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	})
	if err != nil {
		log.Warn("billing disabled", logging.F("error", err))
		return nil
	}
	return provider
}

// languageLimitFromEnv returns a flat per-plan language ceiling. A full plan
// service would resolve this per shop; the env var covers single-plan
// deployments.
func languageLimitFromEnv() func(shop string) int {
	limit := int(envInt64("PLAN_LANGUAGE_LIMIT", 0))
	if limit <= 0 {
		return nil
	}
	return func(string) int { return limit }
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
