package engagement

import (
	"context"

	"github.com/rs/zerolog"

	"babybloom/internal/domain"
	"babybloom/internal/infra/metrics"
)

// Service фиксирует клики по рекомендациям. Трекинг не должен ломать
// навигацию, поэтому ошибки логируются и считаются, но не возвращаются.
type Service struct {
	repo domain.EngagementRepo
	log  zerolog.Logger
}

var _ domain.EngagementService = (*Service)(nil)

// NewService создаёт трекер вовлечённости.
func NewService(repo domain.EngagementRepo, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger}
}

// RecordClick помечает рекомендацию кликнутой и атомарно увеличивает
// счётчик переходов товара. recommendationID может быть пустым, если
// клик пришёл не со страницы рекомендаций.
func (s *Service) RecordClick(ctx context.Context, recommendationID string, source domain.ProductSource, itemID string) {
	if recommendationID != "" {
		if err := s.repo.MarkRecommendationClicked(ctx, recommendationID); err != nil {
			metrics.ClickTrackingErrors.Inc()
			s.log.Warn().Err(err).Str("recommendation", recommendationID).Msg("clicks: не удалось пометить рекомендацию")
		}
	}

	var err error
	switch source {
	case domain.SourceMarketplace:
		err = s.repo.IncrementListingClicks(ctx, itemID)
	case domain.SourceAffiliate:
		err = s.repo.IncrementAffiliateClicks(ctx, itemID)
	default:
		s.log.Warn().Str("source", string(source)).Str("item", itemID).Msg("clicks: неизвестный каталог")
		return
	}
	if err != nil {
		metrics.ClickTrackingErrors.Inc()
		s.log.Warn().Err(err).Str("source", string(source)).Str("item", itemID).Msg("clicks: не удалось увеличить счётчик")
	}
}
