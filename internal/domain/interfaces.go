package domain

import (
	"context"
	"time"
)

// CatalogRepo отдаёт доступные товары обоих каталогов,
// отсортированные по давности обновления.
type CatalogRepo interface {
	ListActiveListings(ctx context.Context, limit int) ([]MarketplaceListing, error)
	ListInStockAffiliateProducts(ctx context.Context, limit int) ([]AffiliateProduct, error)
}

// CandidateAggregator собирает нормализованный пул кандидатов из двух каталогов.
type CandidateAggregator interface {
	FetchCandidates(ctx context.Context) ([]CandidateProduct, error)
}

// Ranker оценивает кандидатов для пользователя через внешний оракул.
type Ranker interface {
	Score(ctx context.Context, viewer ViewerContext, candidates []CandidateProduct) ([]RankedItem, error)
}

// RecommendationRepo управляет партиями рекомендаций.
type RecommendationRepo interface {
	// ReplaceBatch атомарно заменяет текущую партию пользователя:
	// удаление и вставка происходят в одной транзакции.
	ReplaceBatch(ctx context.Context, userID int64, records []RecommendationRecord) error
	// CurrentBatch возвращает текущую партию по убыванию оценки.
	CurrentBatch(ctx context.Context, userID int64) ([]RecommendationRecord, error)
	// UnclickedBatch возвращает срез некликнутых рекомендаций для ленты.
	UnclickedBatch(ctx context.Context, userID int64, limit, offset int) ([]RecommendationRecord, error)
}

// EngagementRepo фиксирует клики. Инкремент счётчика каталога обязан быть
// атомарным на уровне хранилища.
type EngagementRepo interface {
	MarkRecommendationClicked(ctx context.Context, recommendationID string) error
	IncrementListingClicks(ctx context.Context, listingID string) error
	IncrementAffiliateClicks(ctx context.Context, productID string) error
}

// FeedRepo отдаёт страницы источников ленты. Все выборки стабильно отсортированы,
// чтобы повторный запрос страницы возвращал тот же результат.
type FeedRepo interface {
	ListMilestoneEvents(ctx context.Context, userID int64, limit, offset int) ([]MilestoneEvent, error)
	// ListCommunityPosts фильтрует по префиксу индекса прямо в запросе,
	// поэтому страница не усыхает после выборки.
	ListCommunityPosts(ctx context.Context, postalPrefix string, limit, offset int) ([]CommunityPost, error)
	ListTips(ctx context.Context, stageWeeks int, limit, offset int) ([]ParentingTip, error)
}

// ViewerRepo — провайдер идентичности: контекст пользователя только читается.
type ViewerRepo interface {
	GetViewerContext(ctx context.Context, userID int64) (ViewerContext, error)
	// ListStaleUsers выбирает пользователей без партии, с партией старше maxAge
	// или с выставленным флагом принудительного обновления.
	ListStaleUsers(ctx context.Context, maxAge time.Duration, limit int) ([]int64, error)
	// MarkRecommendationsFresh сбрасывает флаг и фиксирует время генерации.
	MarkRecommendationsFresh(ctx context.Context, userID int64, generatedAt time.Time) error
	// SetRefreshNeeded помечает пользователя на фоновое обновление.
	SetRefreshNeeded(ctx context.Context, userID int64) error
}

// RecommendationService — сервисный фасад рекомендаций.
type RecommendationService interface {
	Get(ctx context.Context, userID int64, opts GetOptions) ([]RecommendationRecord, error)
	ForceInvalidate(ctx context.Context, userID int64) error
	Regenerate(ctx context.Context, userID int64) ([]RecommendationRecord, error)
}

// GetOptions управляет чтением партии рекомендаций.
type GetOptions struct {
	// ForceRefresh обходит окно свежести и регенерирует партию.
	ForceRefresh bool
	// AllowStale разрешает отдать устаревшую партию, если оракул недоступен.
	AllowStale bool
	// MaxAge переопределяет окно свежести; ноль — значение по умолчанию.
	MaxAge time.Duration
}

// FeedService собирает страницы ленты.
type FeedService interface {
	GetPage(ctx context.Context, userID int64, page int) ([]FeedItem, bool, error)
}

// EngagementService фиксирует клики, никогда не возвращая ошибку вызывающему.
type EngagementService interface {
	RecordClick(ctx context.Context, recommendationID string, source ProductSource, itemID string)
}

// Cache — простое TTL-хранилище для маркеров и одноразовых флагов.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
}
