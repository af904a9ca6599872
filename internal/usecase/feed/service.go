package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"babybloom/internal/domain"
	"babybloom/internal/infra/metrics"
)

// batchSize — сколько рекомендаций уходит в один составной элемент ленты.
const batchSize = 5

// pattern — порядок чередования типов внутри страницы.
var pattern = [...]domain.FeedItemType{
	domain.FeedMilestone,
	domain.FeedProductBatch,
	domain.FeedCommunity,
	domain.FeedTip,
}

// Service собирает страницы ленты из четырёх независимых потоков.
// Квоты потоков выводятся из бюджета слотов, поэтому смещение каждого
// потока зависит только от номера страницы: повторный запрос страницы
// возвращает те же элементы, а пропуски пустых слотов не сдвигают
// соседние потоки.
type Service struct {
	feeds      domain.FeedRepo
	records    domain.RecommendationRepo
	viewers    domain.ViewerRepo
	log        zerolog.Logger
	slotBudget int
}

var _ domain.FeedService = (*Service)(nil)

// NewService создаёт компоновщик ленты.
func NewService(feeds domain.FeedRepo, records domain.RecommendationRepo, viewers domain.ViewerRepo, logger zerolog.Logger, slotBudget int) *Service {
	if slotBudget <= 0 {
		slotBudget = 10
	}
	return &Service{feeds: feeds, records: records, viewers: viewers, log: logger, slotBudget: slotBudget}
}

// quota возвращает число слотов типа с индексом idx в шаблоне.
func (s *Service) quota(idx int) int {
	q := s.slotBudget / len(pattern)
	if idx < s.slotBudget%len(pattern) {
		q++
	}
	return q
}

// GetPage собирает страницу ленты. Второй результат сообщает, имеет ли
// смысл запрашивать следующую страницу.
func (s *Service) GetPage(ctx context.Context, userID int64, page int) ([]domain.FeedItem, bool, error) {
	start := time.Now()
	if page < 0 {
		page = 0
	}

	viewer, err := s.viewers.GetViewerContext(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("контекст пользователя: %w", err)
	}

	milestoneQuota := s.quota(0)
	productQuota := s.quota(1) * batchSize
	communityQuota := s.quota(2)
	tipQuota := s.quota(3)

	var (
		milestones []domain.MilestoneEvent
		products   []domain.RecommendationRecord
		posts      []domain.CommunityPost
		tips       []domain.ParentingTip
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		milestones, err = s.feeds.ListMilestoneEvents(gctx, userID, milestoneQuota, page*milestoneQuota)
		return err
	})
	g.Go(func() error {
		var err error
		products, err = s.records.UnclickedBatch(gctx, userID, productQuota, page*productQuota)
		return err
	})
	g.Go(func() error {
		var err error
		posts, err = s.feeds.ListCommunityPosts(gctx, viewer.PostalPrefix, communityQuota, page*communityQuota)
		return err
	})
	g.Go(func() error {
		var err error
		tips, err = s.feeds.ListTips(gctx, stageWeeks(viewer), tipQuota, page*tipQuota)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, false, fmt.Errorf("выборка потоков ленты: %w", err)
	}

	items := make([]domain.FeedItem, 0, s.slotBudget)
	for slot := 0; slot < s.slotBudget; slot++ {
		switch pattern[slot%len(pattern)] {
		case domain.FeedMilestone:
			if len(milestones) == 0 {
				continue
			}
			m := milestones[0]
			milestones = milestones[1:]
			items = append(items, domain.NewFeedItem(domain.FeedMilestone, m.ID, m, m.AchievedAt))
		case domain.FeedProductBatch:
			if len(products) == 0 {
				continue
			}
			n := batchSize
			if n > len(products) {
				n = len(products)
			}
			batch := products[:n]
			products = products[n:]
			items = append(items, domain.NewFeedItem(domain.FeedProductBatch, domain.BatchFeedItemID(batch), batch, batch[0].RecommendedAt))
		case domain.FeedCommunity:
			if len(posts) == 0 {
				continue
			}
			p := posts[0]
			posts = posts[1:]
			items = append(items, domain.NewFeedItem(domain.FeedCommunity, p.ID, p, p.CreatedAt))
		case domain.FeedTip:
			if len(tips) == 0 {
				continue
			}
			t := tips[0]
			tips = tips[1:]
			items = append(items, domain.NewFeedItem(domain.FeedTip, t.ID, t, time.Time{}))
		}
	}

	metrics.FeedPageSeconds.Observe(time.Since(start).Seconds())
	return items, len(items) > 0, nil
}

// stageWeeks переводит контекст пользователя в недельную шкалу советов.
// Беременность кодируется отрицательными неделями до предполагаемых родов.
func stageWeeks(v domain.ViewerContext) int {
	if v.IsPregnancy {
		return v.PregnancyWeek - 40
	}
	return v.AgeWeeks
}
