package engagement

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"babybloom/internal/domain"
)

type stubEngagementRepo struct {
	clickedRecs     []string
	listingClicks   []string
	affiliateClicks []string
	markErr         error
	incrementErr    error
}

func (s *stubEngagementRepo) MarkRecommendationClicked(ctx context.Context, recommendationID string) error {
	s.clickedRecs = append(s.clickedRecs, recommendationID)
	return s.markErr
}

func (s *stubEngagementRepo) IncrementListingClicks(ctx context.Context, listingID string) error {
	s.listingClicks = append(s.listingClicks, listingID)
	return s.incrementErr
}

func (s *stubEngagementRepo) IncrementAffiliateClicks(ctx context.Context, productID string) error {
	s.affiliateClicks = append(s.affiliateClicks, productID)
	return s.incrementErr
}

func TestRecordClickMarketplace(t *testing.T) {
	repo := &stubEngagementRepo{}
	svc := NewService(repo, zerolog.Nop())

	svc.RecordClick(context.Background(), "rec-1", domain.SourceMarketplace, "l1")

	if len(repo.clickedRecs) != 1 || repo.clickedRecs[0] != "rec-1" {
		t.Fatalf("рекомендация не помечена: %v", repo.clickedRecs)
	}
	if len(repo.listingClicks) != 1 || repo.listingClicks[0] != "l1" {
		t.Fatalf("счётчик объявления не увеличен: %v", repo.listingClicks)
	}
	if len(repo.affiliateClicks) != 0 {
		t.Fatalf("партнёрский счётчик не должен меняться: %v", repo.affiliateClicks)
	}
}

func TestRecordClickAffiliateWithoutRecommendation(t *testing.T) {
	repo := &stubEngagementRepo{}
	svc := NewService(repo, zerolog.Nop())

	svc.RecordClick(context.Background(), "", domain.SourceAffiliate, "a1")

	if len(repo.clickedRecs) != 0 {
		t.Fatalf("без идентификатора рекомендация не помечается: %v", repo.clickedRecs)
	}
	if len(repo.affiliateClicks) != 1 || repo.affiliateClicks[0] != "a1" {
		t.Fatalf("партнёрский счётчик не увеличен: %v", repo.affiliateClicks)
	}
}

func TestRecordClickSwallowsErrors(t *testing.T) {
	repo := &stubEngagementRepo{
		markErr:      errors.New("нет такой рекомендации"),
		incrementErr: errors.New("база недоступна"),
	}
	svc := NewService(repo, zerolog.Nop())

	// ошибки трекинга не должны всплывать и паниковать
	svc.RecordClick(context.Background(), "rec-1", domain.SourceMarketplace, "l1")

	if len(repo.listingClicks) != 1 {
		t.Fatal("инкремент должен быть попыткой даже после ошибки пометки")
	}
}

func TestRecordClickUnknownSource(t *testing.T) {
	repo := &stubEngagementRepo{}
	svc := NewService(repo, zerolog.Nop())

	svc.RecordClick(context.Background(), "", domain.ProductSource("unknown"), "x1")

	if len(repo.listingClicks) != 0 || len(repo.affiliateClicks) != 0 {
		t.Fatal("неизвестный каталог не должен трогать счётчики")
	}
}
