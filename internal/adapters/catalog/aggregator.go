package catalog

import (
	"context"
	"fmt"

	"babybloom/internal/domain"
)

// Aggregator собирает нормализованный пул кандидатов из двух каталогов.
// Ошибка любого каталога прерывает сбор: скоринг по неполному пулу
// дал бы смещённое ранжирование. Ретраи — ответственность вызывающего.
type Aggregator struct {
	catalog domain.CatalogRepo
	limit   int
}

var _ domain.CandidateAggregator = (*Aggregator)(nil)

// NewAggregator создаёт агрегатор с ограничением выборки на каталог.
func NewAggregator(catalog domain.CatalogRepo, limitPerCatalog int) *Aggregator {
	if limitPerCatalog <= 0 {
		limitPerCatalog = 50
	}
	return &Aggregator{catalog: catalog, limit: limitPerCatalog}
}

// FetchCandidates возвращает доступные товары обоих каталогов одной выборкой.
func (a *Aggregator) FetchCandidates(ctx context.Context) ([]domain.CandidateProduct, error) {
	listings, err := a.catalog.ListActiveListings(ctx, a.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: маркетплейс: %v", domain.ErrCatalogUnavailable, err)
	}
	products, err := a.catalog.ListInStockAffiliateProducts(ctx, a.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: партнёрская сеть: %v", domain.ErrCatalogUnavailable, err)
	}

	candidates := make([]domain.CandidateProduct, 0, len(listings)+len(products))
	for _, l := range listings {
		if l.Status != domain.ListingActive {
			continue
		}
		candidates = append(candidates, domain.CandidateProduct{
			Source:   domain.SourceMarketplace,
			ID:       l.ID,
			Title:    l.Title,
			Category: l.Category,
			Price:    l.Price,
			AgeRange: l.AgeRange,
		})
	}
	for _, pr := range products {
		if pr.Stock != domain.StockInStock {
			continue
		}
		candidates = append(candidates, domain.CandidateProduct{
			Source:   domain.SourceAffiliate,
			ID:       pr.ID,
			Title:    pr.Title,
			Category: pr.Category,
			Price:    pr.Price,
			AgeRange: pr.AgeRange,
		})
	}
	return candidates, nil
}
