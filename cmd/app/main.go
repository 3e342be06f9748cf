package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dataviz-pipeline/internal/config"
	"dataviz-pipeline/internal/domain/ports/adapter"
	aiAdapters "dataviz-pipeline/internal/infra/adapters/ai"
	"dataviz-pipeline/internal/infra/api"
	apiv1 "dataviz-pipeline/internal/infra/api/apiv1"
	pg "dataviz-pipeline/internal/infra/db/postgres"
	"dataviz-pipeline/internal/infra/logging"
	"dataviz-pipeline/internal/infra/metrics"
	red "dataviz-pipeline/internal/infra/redis"
	"dataviz-pipeline/internal/infra/sched"
	"dataviz-pipeline/internal/infra/worker"
	"dataviz-pipeline/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, noop AI fallback)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled")
	}

	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	tm := pg.NewTxManager(pool)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	rateLimiter := red.NewRateLimiter(redisClient)
	locker := red.NewLocker(redisClient)

	// ---- Repositories ----
	projectRepo := pg.NewProjectRepo(pool)
	contextRepo := pg.NewContextRepo(pool)
	jobRepo := pg.NewJobRepo(pool, tm)
	rateRepo := pg.NewRateLimitRepo(pool)
	telemetryRepo := pg.NewTelemetryRepo(pool)
	pricingRepo := pg.NewModelPricingRepoCacheDecorator(pg.NewModelPricingRepo(pool), redisClient)

	// ---- AI adapter (Gemini -> OpenAI -> NoOp in dev) ----
	var ai adapter.GenerationAdapter
	switch {
	case cfg.AI.GeminiKey != "":
		ai, err = aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini adapter")
		}
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("AI adapter: Gemini")
	case cfg.AI.OpenAIKey != "":
		ai, err = aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.DefaultModel, cfg.AI.CallTimeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("openai adapter")
		}
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("AI adapter: OpenAI")
	case cfg.Runtime.Dev:
		ai = aiAdapters.NewNoOpAdapter()
		logger.Warn().Msg("AI adapter: NoOp (dev)")
	default:
		logger.Fatal().Msgf("no AI provider configured: set ai.gemini_key or ai.openai_key in %s", *cfgPath)
	}
	ai = aiAdapters.NewLimitedAI(ai, cfg.AI.ConcurrentLimit)

	// ---- Use cases ----
	guard := usecase.NewRateBudgetGuard(rateRepo, pricingRepo, tm, cfg.Pipeline.RPMCeiling, cfg.DailyBudgetMicros(), logger)
	validator := usecase.NewValidationRepairEngine(ai, cfg.AI.DefaultModel, logger)
	orch := usecase.NewPipelineOrchestrator(
		projectRepo, contextRepo, jobRepo, telemetryRepo,
		guard, validator, ai, tm,
		cfg.AI.DefaultModel, cfg.AI.CallTimeout, cfg.Pipeline.StorageTimeout,
		logger,
	)
	policy := usecase.NewRecoveryPolicy()
	scheduler := usecase.NewJobScheduler(jobRepo, projectRepo, orch, policy, logger).
		WithLocker(locker, cfg.Pipeline.ClaimTTL)

	// ---- Workers ----
	wpool := worker.NewPool(cfg.Pipeline.Workers)
	wpool.Start(ctx)
	defer wpool.Stop()

	processor := worker.NewPipelineProcessor(scheduler, cfg.Pipeline.PollInterval, logger)
	go processor.Start(ctx, wpool)

	reaper := sched.NewReaperWorker(time.Minute, cfg.Pipeline.ClaimTTL, jobRepo, logger)
	go func() { _ = reaper.Run(ctx) }()

	// ---- HTTP server ----
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := apiv1.NewServer(orch, pricingRepo, telemetryRepo, logger)
	throttle := api.Throttle(rateLimiter, cfg.Server.TriggerRPM, "pipeline_trigger", logger)
	apiv1.RegisterAPIV1(r, srv, throttle)

	handler := api.Chain(r,
		api.Recover(logger),
		api.TraceID(logger),
		api.RequestLog(logger),
		api.Timeout(cfg.Server.RequestTimeout),
	)

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: handler}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}
