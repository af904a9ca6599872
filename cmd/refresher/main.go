package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"babybloom/internal/adapters/catalog"
	"babybloom/internal/adapters/ranker"
	"babybloom/internal/adapters/repo"
	"babybloom/internal/domain"
	"babybloom/internal/infra/cache"
	"babybloom/internal/infra/config"
	"babybloom/internal/infra/db"
	loginfra "babybloom/internal/infra/log"
	"babybloom/internal/infra/metrics"
	"babybloom/internal/infra/openai"
	"babybloom/internal/infra/queue"
	recommendusecase "babybloom/internal/usecase/recommend"
	refreshusecase "babybloom/internal/usecase/refresh"
)

const sweepInterval = time.Hour

func main() {
	cfg := config.Load()
	log := loginfra.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.PGDSN); err != nil {
		log.Fatal().Err(err).Msg("refresher: миграции не применились")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("refresher: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	var refreshQueue domain.RefreshQueue
	if cfg.AMQPURL != "" {
		rabbit, err := queue.NewRabbitRefreshQueue(cfg.AMQPURL, cfg.Queues.Refresh)
		if err != nil {
			log.Fatal().Err(err).Msg("refresher: нет подключения к брокеру")
		}
		defer rabbit.Close()
		refreshQueue = rabbit
	} else {
		refreshQueue = queue.NewRedisRefreshQueue(redisClient, cfg.Queues.Refresh)
	}

	repoAdapter := repo.NewPostgres(pool)
	redisCache := cache.NewRedis(redisClient)
	aggregator := catalog.NewAggregator(repoAdapter, cfg.Limits.CandidatesPerCatalog)
	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	llmRanker := ranker.NewLLM(openaiClient, log.With().Str("component", "ranker").Logger(), cfg.OpenAI.Model, cfg.OpenAI.Timeout, cfg.Limits.RecommendationsMax)

	recoService := recommendusecase.NewService(aggregator, llmRanker, repoAdapter, repoAdapter, redisCache, log.With().Str("component", "reco").Logger(), cfg.Limits.FreshnessWindow)
	refreshService := refreshusecase.NewService(repoAdapter, recoService, refreshQueue, log.With().Str("component", "refresh").Logger(), cfg.Limits.FreshnessWindow, cfg.Limits.SweepBatch, cfg.Limits.SweepItemTimeout)

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")

	go func() {
		if err := refreshService.RunWorker(ctx); err != nil {
			log.Error().Err(err).Msg("refresher: воркер очереди остановлен")
		}
	}()

	log.Info().Msg("refresher: старт")
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("refresher: остановка")
			return
		case <-ticker.C:
			if _, err := refreshService.RunSweep(ctx); err != nil {
				log.Error().Err(err).Msg("refresher: прогон не удался")
			}
		}
	}
}
