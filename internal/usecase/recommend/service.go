package recommend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"babybloom/internal/domain"
	"babybloom/internal/infra/metrics"
)

// DefaultFreshness — окно свежести партии по умолчанию.
const DefaultFreshness = 24 * time.Hour

// Service реализует cache-aside протокол поверх партий рекомендаций.
// Партия пользователя — единственный разделяемый мутабельный ресурс,
// и вся запись проходит через Regenerate/ForceInvalidate.
type Service struct {
	aggregator domain.CandidateAggregator
	ranker     domain.Ranker
	records    domain.RecommendationRepo
	viewers    domain.ViewerRepo
	cache      domain.Cache
	log        zerolog.Logger
	maxAge     time.Duration

	// flight схлопывает конкурентные регенерации одного пользователя
	// в один внешний вызов и одну запись.
	flight singleflight.Group
}

var _ domain.RecommendationService = (*Service)(nil)

// NewService создаёт сервис рекомендаций.
func NewService(aggregator domain.CandidateAggregator, ranker domain.Ranker, records domain.RecommendationRepo, viewers domain.ViewerRepo, cache domain.Cache, logger zerolog.Logger, maxAge time.Duration) *Service {
	if maxAge <= 0 {
		maxAge = DefaultFreshness
	}
	return &Service{
		aggregator: aggregator,
		ranker:     ranker,
		records:    records,
		viewers:    viewers,
		cache:      cache,
		log:        logger,
		maxAge:     maxAge,
	}
}

func forceKey(userID int64) string {
	return "reco:force:" + strconv.FormatInt(userID, 10)
}

// Get возвращает текущую партию пользователя, регенерируя её при промахе.
func (s *Service) Get(ctx context.Context, userID int64, opts domain.GetOptions) ([]domain.RecommendationRecord, error) {
	metrics.RecommendationRequestsTotal.Inc()
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = s.maxAge
	}

	// текущая партия читается и на принудительном пути: она остаётся
	// резервом для AllowStale при недоступном оракуле
	stale, err := s.records.CurrentBatch(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("чтение партии: %w", err)
	}
	if !opts.ForceRefresh && len(stale) > 0 &&
		!s.forceMarked(ctx, userID) && time.Since(newestRecommendedAt(stale)) < maxAge {
		metrics.RecommendationCacheHits.WithLabelValues("hit").Inc()
		return stale, nil
	}
	metrics.RecommendationCacheHits.WithLabelValues("miss").Inc()

	fresh, err := s.Regenerate(ctx, userID)
	if err != nil {
		if opts.AllowStale && len(stale) > 0 && isScorerFailure(err) {
			s.log.Warn().Err(err).Int64("user", userID).Msg("reco: оракул недоступен, отдаём устаревшую партию")
			return stale, nil
		}
		return nil, err
	}
	return fresh, nil
}

// ForceInvalidate помечает партию пользователя устаревшей: следующий Get
// пройдёт мимо окна свежести.
func (s *Service) ForceInvalidate(ctx context.Context, userID int64) error {
	if err := s.cache.Set(ctx, forceKey(userID), []byte("1"), s.maxAge); err != nil {
		return fmt.Errorf("маркер инвалидации: %w", err)
	}
	if err := s.viewers.SetRefreshNeeded(ctx, userID); err != nil {
		s.log.Warn().Err(err).Int64("user", userID).Msg("reco: не удалось выставить флаг обновления")
	}
	return nil
}

// Regenerate строит и атомарно сохраняет новую партию пользователя.
// Конкурентные вызовы для одного пользователя делят один результат.
func (s *Service) Regenerate(ctx context.Context, userID int64) ([]domain.RecommendationRecord, error) {
	key := strconv.FormatInt(userID, 10)
	result, err, _ := s.flight.Do(key, func() (any, error) {
		// победитель переживает отмену инициатора (его результат ждут
		// остальные участники), но бюджет времени вызывающего сохраняется
		flightCtx := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			flightCtx, cancel = context.WithDeadline(flightCtx, deadline)
			defer cancel()
		}
		return s.regenerate(flightCtx, userID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.RecommendationRecord), nil
}

func (s *Service) regenerate(ctx context.Context, userID int64) ([]domain.RecommendationRecord, error) {
	start := time.Now()
	viewer, err := s.viewers.GetViewerContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("контекст пользователя: %w", err)
	}

	candidates, err := s.aggregator.FetchCandidates(ctx)
	if err != nil {
		return nil, err
	}

	ranked, err := s.ranker.Score(ctx, viewer, candidates)
	if err != nil {
		return nil, fmt.Errorf("ранжирование: %w", err)
	}

	now := time.Now().UTC()
	if len(ranked) == 0 {
		// нечего сохранять: прежняя партия остаётся авторитетной
		s.markFresh(ctx, userID, now)
		return nil, nil
	}

	records := make([]domain.RecommendationRecord, 0, len(ranked))
	for _, item := range ranked {
		records = append(records, domain.RecommendationRecord{
			ID:             uuid.NewString(),
			UserID:         userID,
			ProductID:      item.ProductID,
			Source:         item.Source,
			RelevanceScore: item.RelevanceScore,
			Reason:         item.Reason,
			Urgency:        item.Urgency,
			RecommendedAt:  now,
		})
	}

	if err := s.records.ReplaceBatch(ctx, userID, records); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheWrite, err)
	}
	s.markFresh(ctx, userID, now)
	metrics.RecommendationBuildSeconds.Observe(time.Since(start).Seconds())
	return records, nil
}

func (s *Service) markFresh(ctx context.Context, userID int64, generatedAt time.Time) {
	if err := s.cache.Del(ctx, forceKey(userID)); err != nil {
		s.log.Warn().Err(err).Int64("user", userID).Msg("reco: не удалось снять маркер инвалидации")
	}
	if err := s.viewers.MarkRecommendationsFresh(ctx, userID, generatedAt); err != nil {
		s.log.Warn().Err(err).Int64("user", userID).Msg("reco: не удалось зафиксировать свежесть")
	}
}

func (s *Service) forceMarked(ctx context.Context, userID int64) bool {
	_, err := s.cache.Get(ctx, forceKey(userID))
	return err == nil
}

func newestRecommendedAt(batch []domain.RecommendationRecord) time.Time {
	newest := batch[0].RecommendedAt
	for _, r := range batch[1:] {
		if r.RecommendedAt.After(newest) {
			newest = r.RecommendedAt
		}
	}
	return newest
}

func isScorerFailure(err error) bool {
	return errors.Is(err, domain.ErrScorerUnavailable) ||
		errors.Is(err, domain.ErrScorerMalformed) ||
		errors.Is(err, context.DeadlineExceeded)
}
