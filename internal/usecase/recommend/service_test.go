package recommend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"babybloom/internal/domain"
)

type stubAggregator struct {
	candidates []domain.CandidateProduct
	err        error
	calls      int32
}

func (s *stubAggregator) FetchCandidates(ctx context.Context) ([]domain.CandidateProduct, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.candidates, s.err
}

type stubRanker struct {
	items []domain.RankedItem
	err   error
	delay time.Duration
	calls int32
}

func (s *stubRanker) Score(ctx context.Context, viewer domain.ViewerContext, candidates []domain.CandidateProduct) ([]domain.RankedItem, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.items, s.err
}

type memRecords struct {
	mu       sync.Mutex
	batches  map[int64][]domain.RecommendationRecord
	replaces int
	failNext error
}

func newMemRecords() *memRecords {
	return &memRecords{batches: make(map[int64][]domain.RecommendationRecord)}
}

func (m *memRecords) ReplaceBatch(ctx context.Context, userID int64, records []domain.RecommendationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.batches[userID] = records
	m.replaces++
	return nil
}

func (m *memRecords) CurrentBatch(ctx context.Context, userID int64) ([]domain.RecommendationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[userID], nil
}

func (m *memRecords) UnclickedBatch(ctx context.Context, userID int64, limit, offset int) ([]domain.RecommendationRecord, error) {
	return nil, nil
}

type stubViewers struct {
	viewer       domain.ViewerContext
	freshMarked  int
	refreshFlags int
}

func (s *stubViewers) GetViewerContext(ctx context.Context, userID int64) (domain.ViewerContext, error) {
	return s.viewer, nil
}

func (s *stubViewers) ListStaleUsers(ctx context.Context, maxAge time.Duration, limit int) ([]int64, error) {
	return nil, nil
}

func (s *stubViewers) MarkRecommendationsFresh(ctx context.Context, userID int64, generatedAt time.Time) error {
	s.freshMarked++
	return nil
}

func (s *stubViewers) SetRefreshNeeded(ctx context.Context, userID int64) error {
	s.refreshFlags++
	return nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	return fn()
}

func (m *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errors.New("кэш: ключ не найден")
	}
	return v, nil
}

func (m *memCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func testCandidates() []domain.CandidateProduct {
	return []domain.CandidateProduct{
		{Source: domain.SourceMarketplace, ID: "l1", Title: "Коляска", Price: 120},
		{Source: domain.SourceAffiliate, ID: "a1", Title: "Бутылочки", Price: 15},
	}
}

func testRanked() []domain.RankedItem {
	return []domain.RankedItem{
		{ProductID: "l1", Source: domain.SourceMarketplace, RelevanceScore: 90, Reason: "нужно сейчас", Urgency: domain.UrgencyHigh},
		{ProductID: "a1", Source: domain.SourceAffiliate, RelevanceScore: 70, Reason: "скоро пригодится", Urgency: domain.UrgencyMedium},
	}
}

func freshBatch(userID int64, age time.Duration) []domain.RecommendationRecord {
	return []domain.RecommendationRecord{
		{ID: "r1", UserID: userID, ProductID: "old1", Source: domain.SourceMarketplace, RelevanceScore: 80, RecommendedAt: time.Now().Add(-age)},
		{ID: "r2", UserID: userID, ProductID: "old2", Source: domain.SourceAffiliate, RelevanceScore: 60, RecommendedAt: time.Now().Add(-age)},
	}
}

func newTestService(agg *stubAggregator, rk *stubRanker, rec *memRecords, vw *stubViewers, cache *memCache) *Service {
	return NewService(agg, rk, rec, vw, cache, zerolog.Nop(), 24*time.Hour)
}

func TestGetFreshBatchWithoutRegeneration(t *testing.T) {
	rec := newMemRecords()
	rec.batches[7] = freshBatch(7, time.Hour)
	rk := &stubRanker{items: testRanked()}
	svc := newTestService(&stubAggregator{candidates: testCandidates()}, rk, rec, &stubViewers{}, newMemCache())

	batch, err := svc.Get(context.Background(), 7, domain.GetOptions{})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "r1" {
		t.Fatalf("ожидали текущую партию, получили %+v", batch)
	}
	if atomic.LoadInt32(&rk.calls) != 0 {
		t.Fatalf("свежая партия не должна трогать оракул, вызовов: %d", rk.calls)
	}
}

func TestGetStaleBatchRegenerates(t *testing.T) {
	rec := newMemRecords()
	rec.batches[7] = freshBatch(7, 25*time.Hour)
	vw := &stubViewers{viewer: domain.ViewerContext{UserID: 7, AgeWeeks: 10}}
	svc := newTestService(&stubAggregator{candidates: testCandidates()}, &stubRanker{items: testRanked()}, rec, vw, newMemCache())

	batch, err := svc.Get(context.Background(), 7, domain.GetOptions{})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(batch) != 2 || batch[0].ProductID != "l1" {
		t.Fatalf("ожидали регенерированную партию, получили %+v", batch)
	}
	for _, r := range batch {
		if r.ID == "" {
			t.Fatalf("у записи нет идентификатора: %+v", r)
		}
	}
	if rec.replaces != 1 {
		t.Fatalf("ожидали одну замену партии, получили %d", rec.replaces)
	}
	if vw.freshMarked != 1 {
		t.Fatalf("свежесть должна быть зафиксирована один раз, получили %d", vw.freshMarked)
	}
}

func TestGetForceMarkerBypassesFreshness(t *testing.T) {
	rec := newMemRecords()
	rec.batches[7] = freshBatch(7, time.Hour)
	cache := newMemCache()
	cache.data[forceKey(7)] = []byte("1")
	rk := &stubRanker{items: testRanked()}
	svc := newTestService(&stubAggregator{candidates: testCandidates()}, rk, rec, &stubViewers{}, cache)

	batch, err := svc.Get(context.Background(), 7, domain.GetOptions{})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if atomic.LoadInt32(&rk.calls) != 1 {
		t.Fatalf("маркер инвалидации должен вызвать регенерацию, вызовов оракула: %d", rk.calls)
	}
	if batch[0].ProductID != "l1" {
		t.Fatalf("ожидали новую партию, получили %+v", batch)
	}
	if _, err := cache.Get(context.Background(), forceKey(7)); err == nil {
		t.Fatal("маркер инвалидации должен быть снят после регенерации")
	}
}

func TestGetAllowStaleOnScorerFailure(t *testing.T) {
	rec := newMemRecords()
	rec.batches[7] = freshBatch(7, 25*time.Hour)
	rk := &stubRanker{err: domain.ErrScorerUnavailable}
	svc := newTestService(&stubAggregator{candidates: testCandidates()}, rk, rec, &stubViewers{}, newMemCache())

	batch, err := svc.Get(context.Background(), 7, domain.GetOptions{AllowStale: true})
	if err != nil {
		t.Fatalf("при AllowStale устаревшая партия должна вернуться без ошибки: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "r1" {
		t.Fatalf("ожидали устаревшую партию, получили %+v", batch)
	}

	_, err = svc.Get(context.Background(), 7, domain.GetOptions{})
	if !errors.Is(err, domain.ErrScorerUnavailable) {
		t.Fatalf("без AllowStale ошибка оракула должна дойти до вызывающего, получили %v", err)
	}
}

func TestForceInvalidate(t *testing.T) {
	cache := newMemCache()
	vw := &stubViewers{}
	svc := newTestService(&stubAggregator{}, &stubRanker{}, newMemRecords(), vw, cache)

	if err := svc.ForceInvalidate(context.Background(), 7); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if _, err := cache.Get(context.Background(), forceKey(7)); err != nil {
		t.Fatal("маркер инвалидации не выставлен")
	}
	if vw.refreshFlags != 1 {
		t.Fatalf("флаг фонового обновления не выставлен, вызовов: %d", vw.refreshFlags)
	}
}

func TestRegenerateCollapsesConcurrentCalls(t *testing.T) {
	rk := &stubRanker{items: testRanked(), delay: 50 * time.Millisecond}
	rec := newMemRecords()
	svc := newTestService(&stubAggregator{candidates: testCandidates()}, rk, rec, &stubViewers{}, newMemCache())

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Regenerate(context.Background(), 7); err != nil {
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&rk.calls); got != 1 {
		t.Fatalf("конкурентные регенерации должны схлопнуться в один вызов оракула, получили %d", got)
	}
	if rec.replaces != 1 {
		t.Fatalf("ожидали одну запись партии, получили %d", rec.replaces)
	}
}

func TestGetForceRefreshAllowStaleFallback(t *testing.T) {
	rec := newMemRecords()
	rec.batches[7] = freshBatch(7, time.Hour)
	rk := &stubRanker{err: domain.ErrScorerUnavailable}
	svc := newTestService(&stubAggregator{candidates: testCandidates()}, rk, rec, &stubViewers{}, newMemCache())

	batch, err := svc.Get(context.Background(), 7, domain.GetOptions{ForceRefresh: true, AllowStale: true})
	if err != nil {
		t.Fatalf("принудительный путь тоже должен уметь отдавать резерв: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "r1" {
		t.Fatalf("ожидали прежнюю партию, получили %+v", batch)
	}
	if atomic.LoadInt32(&rk.calls) != 1 {
		t.Fatalf("принудительное обновление обязано попытаться, вызовов оракула: %d", rk.calls)
	}
}

func TestRegenerateKeepsCallerDeadline(t *testing.T) {
	rec := newMemRecords()
	rk := &stubRanker{items: testRanked(), delay: time.Second}
	svc := newTestService(&stubAggregator{candidates: testCandidates()}, rk, rec, &stubViewers{}, newMemCache())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := svc.Regenerate(ctx, 7)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ожидали DeadlineExceeded, получили %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("бюджет времени вызывающего не ограничил регенерацию: %v", elapsed)
	}
	if rec.replaces != 0 {
		t.Fatal("просроченная регенерация не должна писать партию")
	}
}

func TestRegenerateEmptyRankingKeepsBatch(t *testing.T) {
	rec := newMemRecords()
	rec.batches[7] = freshBatch(7, 25*time.Hour)
	svc := newTestService(&stubAggregator{}, &stubRanker{}, rec, &stubViewers{}, newMemCache())

	got, err := svc.Regenerate(context.Background(), 7)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("при пустом ранжировании ожидали пустой результат, получили %+v", got)
	}
	if rec.replaces != 0 {
		t.Fatal("пустое ранжирование не должно затирать прежнюю партию")
	}
}
