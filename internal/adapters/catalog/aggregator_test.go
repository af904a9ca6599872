package catalog

import (
	"context"
	"errors"
	"testing"

	"babybloom/internal/domain"
)

type stubCatalogRepo struct {
	listings    []domain.MarketplaceListing
	products    []domain.AffiliateProduct
	listingsErr error
	productsErr error
	limits      []int
}

func (s *stubCatalogRepo) ListActiveListings(ctx context.Context, limit int) ([]domain.MarketplaceListing, error) {
	s.limits = append(s.limits, limit)
	return s.listings, s.listingsErr
}

func (s *stubCatalogRepo) ListInStockAffiliateProducts(ctx context.Context, limit int) ([]domain.AffiliateProduct, error) {
	s.limits = append(s.limits, limit)
	return s.products, s.productsErr
}

func TestFetchCandidatesNormalizes(t *testing.T) {
	repo := &stubCatalogRepo{
		listings: []domain.MarketplaceListing{
			{ID: "l1", Title: "Коляска", Category: "transport", Price: 120, AgeRange: "0-12m", Status: domain.ListingActive},
			{ID: "l2", Title: "Проданная кроватка", Status: domain.ListingSold},
		},
		products: []domain.AffiliateProduct{
			{ID: "a1", Title: "Бутылочки", Category: "feeding", Price: 15, Stock: domain.StockInStock},
			{ID: "a2", Title: "Нет в наличии", Stock: domain.StockOutOfStock},
		},
	}
	agg := NewAggregator(repo, 50)

	candidates, err := agg.FetchCandidates(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("недоступные товары должны отсеиваться, получили %d кандидатов", len(candidates))
	}
	if candidates[0].Key() != "marketplace:l1" {
		t.Fatalf("ожидали marketplace:l1, получили %s", candidates[0].Key())
	}
	if candidates[1].Key() != "affiliate:a1" {
		t.Fatalf("ожидали affiliate:a1, получили %s", candidates[1].Key())
	}
	for _, l := range repo.limits {
		if l != 50 {
			t.Fatalf("лимит выборки должен передаваться в каталог, получили %d", l)
		}
	}
}

func TestFetchCandidatesMarketplaceFailure(t *testing.T) {
	repo := &stubCatalogRepo{listingsErr: errors.New("база недоступна")}
	agg := NewAggregator(repo, 50)

	if _, err := agg.FetchCandidates(context.Background()); !errors.Is(err, domain.ErrCatalogUnavailable) {
		t.Fatalf("ожидали ErrCatalogUnavailable, получили %v", err)
	}
}

func TestFetchCandidatesAffiliateFailure(t *testing.T) {
	repo := &stubCatalogRepo{
		listings:    []domain.MarketplaceListing{{ID: "l1", Status: domain.ListingActive}},
		productsErr: errors.New("сеть недоступна"),
	}
	agg := NewAggregator(repo, 50)

	if _, err := agg.FetchCandidates(context.Background()); !errors.Is(err, domain.ErrCatalogUnavailable) {
		t.Fatalf("ожидали ErrCatalogUnavailable, получили %v", err)
	}
}

func TestFetchCandidatesEmptyCatalogs(t *testing.T) {
	agg := NewAggregator(&stubCatalogRepo{}, 50)

	candidates, err := agg.FetchCandidates(context.Background())
	if err != nil {
		t.Fatalf("пустые каталоги не являются ошибкой: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("ожидали пустой пул, получили %d", len(candidates))
	}
}
