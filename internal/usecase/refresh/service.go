package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"babybloom/internal/domain"
	"babybloom/internal/infra/metrics"
)

// Service выполняет фоновое обновление партий рекомендаций: периодический
// прогон по устаревшим пользователям и разбор очереди ручных запросов.
type Service struct {
	viewers     domain.ViewerRepo
	reco        domain.RecommendationService
	queue       domain.RefreshQueue
	log         zerolog.Logger
	maxAge      time.Duration
	batch       int
	itemTimeout time.Duration
}

// NewService создаёт фоновый обновлятор.
func NewService(viewers domain.ViewerRepo, reco domain.RecommendationService, queue domain.RefreshQueue, logger zerolog.Logger, maxAge time.Duration, batch int, itemTimeout time.Duration) *Service {
	if batch <= 0 {
		batch = 50
	}
	if itemTimeout <= 0 {
		itemTimeout = 60 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Service{
		viewers:     viewers,
		reco:        reco,
		queue:       queue,
		log:         logger,
		maxAge:      maxAge,
		batch:       batch,
		itemTimeout: itemTimeout,
	}
}

// RunSweep регенерирует партии устаревших пользователей. Ошибка одного
// пользователя не прерывает прогон: он попадает в Failed и будет
// подхвачен следующим прогоном.
func (s *Service) RunSweep(ctx context.Context) (domain.RefreshSummary, error) {
	var summary domain.RefreshSummary

	users, err := s.viewers.ListStaleUsers(ctx, s.maxAge, s.batch)
	if err != nil {
		return summary, err
	}
	summary.Total = len(users)

	for _, userID := range users {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if err := s.refreshOne(ctx, userID); err != nil {
			summary.Failed++
			metrics.SweepProcessed.WithLabelValues("failed").Inc()
			s.log.Error().Err(err).Int64("user", userID).Msg("sweep: регенерация не удалась")
			continue
		}
		summary.Succeeded++
		metrics.SweepProcessed.WithLabelValues("succeeded").Inc()
	}

	s.log.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("sweep: прогон завершён")
	return summary, nil
}

// RunWorker разбирает очередь ручных запросов до отмены контекста.
func (s *Service) RunWorker(ctx context.Context) error {
	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			continue
		}
		if err := s.refreshOne(ctx, job.UserID); err != nil {
			metrics.SweepProcessed.WithLabelValues("failed").Inc()
			s.log.Error().Err(err).Int64("user", job.UserID).Str("cause", string(job.Cause)).Msg("worker: регенерация не удалась")
			continue
		}
		metrics.SweepProcessed.WithLabelValues("succeeded").Inc()
	}
}

func (s *Service) refreshOne(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()
	_, err := s.reco.Regenerate(ctx, userID)
	return err
}
