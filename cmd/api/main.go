package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"babybloom/internal/adapters/catalog"
	"babybloom/internal/adapters/ranker"
	"babybloom/internal/adapters/repo"
	"babybloom/internal/domain"
	"babybloom/internal/infra/cache"
	"babybloom/internal/infra/config"
	"babybloom/internal/infra/db"
	httpinfra "babybloom/internal/infra/http"
	loginfra "babybloom/internal/infra/log"
	"babybloom/internal/infra/metrics"
	"babybloom/internal/infra/openai"
	"babybloom/internal/infra/queue"
	engagementusecase "babybloom/internal/usecase/engagement"
	feedusecase "babybloom/internal/usecase/feed"
	recommendusecase "babybloom/internal/usecase/recommend"
)

func main() {
	cfg := config.Load()
	log := loginfra.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.PGDSN); err != nil {
		log.Fatal().Err(err).Msg("api: миграции не применились")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	var refreshQueue domain.RefreshQueue
	if cfg.AMQPURL != "" {
		rabbit, err := queue.NewRabbitRefreshQueue(cfg.AMQPURL, cfg.Queues.Refresh)
		if err != nil {
			log.Fatal().Err(err).Msg("api: нет подключения к брокеру")
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
	feedService := feedusecase.NewService(repoAdapter, repoAdapter, repoAdapter, log.With().Str("component", "feed").Logger(), cfg.Limits.FeedSlotBudget)
	clickService := engagementusecase.NewService(repoAdapter, log.With().Str("component", "clicks").Logger())

	srv := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	r := srv.Router

	r.Get("/api/v1/recommendations", func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.URL.Query().Get("user_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		opts := domain.GetOptions{
			ForceRefresh: parseBool(r.URL.Query().Get("force_refresh")),
			AllowStale:   parseBool(r.URL.Query().Get("allow_stale")),
		}
		batch, err := recoService.Get(r.Context(), userID, opts)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrNoViewer):
				writeError(w, http.StatusNotFound, "user not found")
			case errors.Is(err, domain.ErrNoStageSignal):
				writeError(w, http.StatusUnprocessableEntity, "profile has no baby age or pregnancy week")
			case errors.Is(err, domain.ErrScorerUnavailable), errors.Is(err, domain.ErrScorerMalformed):
				log.Error().Err(err).Int64("user", userID).Msg("api: оракул недоступен")
				writeError(w, http.StatusServiceUnavailable, "recommendations temporarily unavailable")
			default:
				log.Error().Err(err).Int64("user", userID).Msg("api: не удалось получить рекомендации")
				writeError(w, http.StatusInternalServerError, "failed to load recommendations")
			}
			return
		}
		writeJSON(w, toRecommendationsResponse(batch))
	})

	r.Post("/api/v1/recommendations/refresh", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == 0 {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		if err := recoService.ForceInvalidate(r.Context(), req.UserID); err != nil {
			log.Error().Err(err).Int64("user", req.UserID).Msg("api: не удалось инвалидировать партию")
			writeError(w, http.StatusInternalServerError, "failed to schedule refresh")
			return
		}
		job := domain.RefreshJob{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			RequestedAt: time.Now().UTC(),
			Cause:       domain.RefreshCauseManual,
		}
		if err := refreshQueue.Enqueue(r.Context(), job); err != nil {
			log.Error().Err(err).Int64("user", req.UserID).Msg("api: не удалось поставить задачу в очередь")
			writeError(w, http.StatusInternalServerError, "failed to schedule refresh")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "scheduled", "job_id": job.ID})
	})

	r.Get("/api/v1/feed", func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.URL.Query().Get("user_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		items, hasMore, err := feedService.GetPage(r.Context(), userID, page)
		if err != nil {
			if errors.Is(err, domain.ErrNoViewer) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			log.Error().Err(err).Int64("user", userID).Msg("api: не удалось собрать ленту")
			writeError(w, http.StatusInternalServerError, "failed to load feed")
			return
		}
		writeJSON(w, feedResponse{Page: page, HasMore: hasMore, Items: toFeedItems(items)})
	})

	r.Post("/api/v1/clicks", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req clickRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ItemID == "" || req.Source == "" {
			writeError(w, http.StatusBadRequest, "source and item_id are required")
			return
		}
		clickService.RecordClick(r.Context(), req.RecommendationID, domain.ProductSource(req.Source), req.ItemID)
		w.WriteHeader(http.StatusNoContent)
	})

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type refreshRequest struct {
	UserID int64 `json:"user_id"`
}

type clickRequest struct {
	RecommendationID string `json:"recommendation_id"`
	Source           string `json:"source"`
	ItemID           string `json:"item_id"`
}

type recommendationItem struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	Source         string    `json:"source"`
	RelevanceScore int       `json:"relevance_score"`
	Reason         string    `json:"reason"`
	Urgency        string    `json:"urgency"`
	Clicked        bool      `json:"clicked"`
	RecommendedAt  time.Time `json:"recommended_at"`
}

type recommendationsResponse struct {
	Items            []recommendationItem `json:"items"`
	MarketplaceCount int                  `json:"marketplace_count"`
	AffiliateCount   int                  `json:"affiliate_count"`
	GeneratedAt      *time.Time           `json:"generated_at,omitempty"`
}

func toRecommendationsResponse(batch []domain.RecommendationRecord) recommendationsResponse {
	resp := recommendationsResponse{Items: make([]recommendationItem, 0, len(batch))}
	for _, r := range batch {
		switch r.Source {
		case domain.SourceMarketplace:
			resp.MarketplaceCount++
		case domain.SourceAffiliate:
			resp.AffiliateCount++
		}
		if resp.GeneratedAt == nil || r.RecommendedAt.After(*resp.GeneratedAt) {
			at := r.RecommendedAt
			resp.GeneratedAt = &at
		}
		resp.Items = append(resp.Items, recommendationItem{
			ID:             r.ID,
			ProductID:      r.ProductID,
			Source:         string(r.Source),
			RelevanceScore: r.RelevanceScore,
			Reason:         r.Reason,
			Urgency:        string(r.Urgency),
			Clicked:        r.Clicked,
			RecommendedAt:  r.RecommendedAt,
		})
	}
	return resp
}

type feedItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type feedResponse struct {
	Page    int        `json:"page"`
	HasMore bool       `json:"has_more"`
	Items   []feedItem `json:"items"`
}

func toFeedItems(items []domain.FeedItem) []feedItem {
	out := make([]feedItem, 0, len(items))
	for _, it := range items {
		out = append(out, feedItem{
			ID:        it.ID,
			Type:      string(it.Type),
			Payload:   it.Payload,
			Timestamp: it.Timestamp,
		})
	}
	return out
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid user_id")
	}
	return id, nil
}

func parseBool(raw string) bool {
	return raw == "1" || raw == "true"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
