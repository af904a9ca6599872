package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"babybloom/internal/domain"
	"babybloom/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.CatalogRepo        = (*Postgres)(nil)
	_ domain.RecommendationRepo = (*Postgres)(nil)
	_ domain.EngagementRepo     = (*Postgres)(nil)
	_ domain.FeedRepo           = (*Postgres)(nil)
	_ domain.ViewerRepo         = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ListActiveListings возвращает активные объявления, свежие по обновлению первыми.
func (p *Postgres) ListActiveListings(ctx context.Context, limit int) ([]domain.MarketplaceListing, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, seller_id, title, category, condition, price, age_range, status, click_count, created_at, updated_at
FROM marketplace_listings
WHERE status = 'active'
ORDER BY updated_at DESC, id
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "listings_list_active", "marketplace_listings", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []domain.MarketplaceListing
	for rows.Next() {
		var l domain.MarketplaceListing
		var ageRange sql.NullString
		if err := rows.Scan(&l.ID, &l.SellerID, &l.Title, &l.Category, &l.Condition, &l.Price, &ageRange, &l.Status, &l.ClickCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		if ageRange.Valid {
			l.AgeRange = ageRange.String
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// ListInStockAffiliateProducts возвращает партнёрские товары в наличии.
func (p *Postgres) ListInStockAffiliateProducts(ctx context.Context, limit int) ([]domain.AffiliateProduct, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, merchant_id, merchant_name, title, COALESCE(category, ''), price, currency, COALESCE(age_range, ''), COALESCE(product_url, ''), COALESCE(image_url, ''), stock_status, click_count, last_synced
FROM awin_products
WHERE stock_status = 'in_stock'
ORDER BY last_synced DESC, id
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "awin_list_in_stock", "awin_products", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.AffiliateProduct
	for rows.Next() {
		var pr domain.AffiliateProduct
		if err := rows.Scan(&pr.ID, &pr.MerchantID, &pr.MerchantName, &pr.Title, &pr.Category, &pr.Price, &pr.Currency, &pr.AgeRange, &pr.ProductURL, &pr.ImageURL, &pr.Stock, &pr.ClickCount, &pr.LastSyncedAt); err != nil {
			return nil, err
		}
		products = append(products, pr)
	}
	return products, rows.Err()
}

// ReplaceBatch атомарно заменяет партию рекомендаций пользователя.
// Читатель никогда не видит смесь двух поколений.
func (p *Postgres) ReplaceBatch(ctx context.Context, userID int64, records []domain.RecommendationRecord) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "product_recommendations", start, err)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM product_recommendations WHERE user_id = $1`, userID)
	metrics.ObserveNetworkRequest("postgres", "recommendations_delete", "product_recommendations", start, err)
	if err != nil {
		return err
	}

	for _, rec := range records {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO product_recommendations (id, user_id, product_id, source, relevance_score, reason, urgency, clicked, recommended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, rec.ID, rec.UserID, rec.ProductID, rec.Source, rec.RelevanceScore, rec.Reason, rec.Urgency, rec.Clicked, rec.RecommendedAt)
		metrics.ObserveNetworkRequest("postgres", "recommendations_insert", "product_recommendations", start, err)
		if err != nil {
			return err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "product_recommendations", start, err)
	return err
}

// CurrentBatch возвращает текущую партию пользователя по убыванию оценки.
func (p *Postgres) CurrentBatch(ctx context.Context, userID int64) ([]domain.RecommendationRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, product_id, source, relevance_score, reason, urgency, clicked, recommended_at
FROM product_recommendations
WHERE user_id = $1
ORDER BY relevance_score DESC, id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "recommendations_current", "product_recommendations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecommendations(rows)
}

// UnclickedBatch возвращает срез некликнутых рекомендаций для ленты.
func (p *Postgres) UnclickedBatch(ctx context.Context, userID int64, limit, offset int) ([]domain.RecommendationRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, product_id, source, relevance_score, reason, urgency, clicked, recommended_at
FROM product_recommendations
WHERE user_id = $1 AND NOT clicked
ORDER BY relevance_score DESC, id
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "recommendations_unclicked", "product_recommendations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecommendations(rows)
}

func scanRecommendations(rows pgx.Rows) ([]domain.RecommendationRecord, error) {
	var records []domain.RecommendationRecord
	for rows.Next() {
		var r domain.RecommendationRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProductID, &r.Source, &r.RelevanceScore, &r.Reason, &r.Urgency, &r.Clicked, &r.RecommendedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkRecommendationClicked идемпотентно выставляет флаг клика.
func (p *Postgres) MarkRecommendationClicked(ctx context.Context, recommendationID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE product_recommendations SET clicked = TRUE WHERE id = $1
`, recommendationID)
	metrics.ObserveNetworkRequest("postgres", "recommendations_mark_clicked", "product_recommendations", start, err)
	return err
}

// IncrementListingClicks атомарно увеличивает счётчик кликов объявления.
func (p *Postgres) IncrementListingClicks(ctx context.Context, listingID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE marketplace_listings SET click_count = click_count + 1 WHERE id = $1
`, listingID)
	metrics.ObserveNetworkRequest("postgres", "listings_increment_clicks", "marketplace_listings", start, err)
	return err
}

// IncrementAffiliateClicks атомарно увеличивает счётчик кликов партнёрского товара.
func (p *Postgres) IncrementAffiliateClicks(ctx context.Context, productID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE awin_products SET click_count = click_count + 1 WHERE id = $1
`, productID)
	metrics.ObserveNetworkRequest("postgres", "awin_increment_clicks", "awin_products", start, err)
	return err
}

// ListMilestoneEvents возвращает достижения пользователя, новые первыми.
func (p *Postgres) ListMilestoneEvents(ctx context.Context, userID int64, limit, offset int) ([]domain.MilestoneEvent, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, title, category, achieved_at
FROM milestone_events
WHERE user_id = $1
ORDER BY achieved_at DESC, id
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "milestones_list", "milestone_events", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.MilestoneEvent
	for rows.Next() {
		var e domain.MilestoneEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Category, &e.AchievedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListCommunityPosts возвращает посты сообщества, новые первыми.
// Фильтр по префиксу индекса входит в запрос, чтобы страница не усыхала.
func (p *Postgres) ListCommunityPosts(ctx context.Context, postalPrefix string, limit, offset int) ([]domain.CommunityPost, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := `
SELECT id, author_id, author_name, content, COALESCE(postal_prefix, ''), likes_count, created_at
FROM social_posts
ORDER BY created_at DESC, id
LIMIT $1 OFFSET $2
`
	args := []any{limit, offset}
	if postalPrefix != "" {
		query = `
SELECT id, author_id, author_name, content, COALESCE(postal_prefix, ''), likes_count, created_at
FROM social_posts
WHERE postal_prefix LIKE $1 || '%'
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`
		args = []any{postalPrefix, limit, offset}
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "posts_list", "social_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.CommunityPost
	for rows.Next() {
		var post domain.CommunityPost
		if err := rows.Scan(&post.ID, &post.AuthorID, &post.AuthorName, &post.Content, &post.PostalPrefix, &post.LikesCount, &post.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// ListTips возвращает советы, чьё возрастное окно накрывает stageWeeks.
// Для беременности передаются отрицательные недели.
func (p *Postgres) ListTips(ctx context.Context, stageWeeks int, limit, offset int) ([]domain.ParentingTip, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, title, content, min_age_weeks, max_age_weeks, priority
FROM parenting_tips
WHERE min_age_weeks <= $1 AND max_age_weeks >= $1
ORDER BY priority DESC, id
LIMIT $2 OFFSET $3
`, stageWeeks, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "tips_list", "parenting_tips", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tips []domain.ParentingTip
	for rows.Next() {
		var t domain.ParentingTip
		if err := rows.Scan(&t.ID, &t.Title, &t.Content, &t.MinAgeWeeks, &t.MaxAgeWeeks, &t.Priority); err != nil {
			return nil, err
		}
		tips = append(tips, t)
	}
	return tips, rows.Err()
}

// GetViewerContext возвращает контекст пользователя.
func (p *Postgres) GetViewerContext(ctx context.Context, userID int64) (domain.ViewerContext, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		viewer        domain.ViewerContext
		pregnancyWeek sql.NullInt64
		birthdate     sql.NullTime
		budget        sql.NullString
		postal        sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT user_id, baby_name, is_pregnancy, pregnancy_week, birthdate, budget_level, postal_prefix
FROM profiles WHERE user_id = $1
`, userID).Scan(&viewer.UserID, &viewer.BabyName, &viewer.IsPregnancy, &pregnancyWeek, &birthdate, &budget, &postal)
	metrics.ObserveNetworkRequest("postgres", "profiles_get", "profiles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ViewerContext{}, domain.ErrNoViewer
	}
	if err != nil {
		return domain.ViewerContext{}, err
	}
	if pregnancyWeek.Valid {
		viewer.PregnancyWeek = int(pregnancyWeek.Int64)
	}
	if birthdate.Valid {
		viewer.AgeWeeks = int(time.Since(birthdate.Time).Hours() / 24 / 7)
	} else {
		// без даты рождения возраст неизвестен, а не ноль недель
		viewer.AgeWeeks = -1
	}
	if budget.Valid {
		viewer.BudgetLevel = budget.String
	}
	if postal.Valid {
		viewer.PostalPrefix = postal.String
	}
	return viewer, nil
}

// ListStaleUsers выбирает пользователей на фоновое обновление рекомендаций.
func (p *Postgres) ListStaleUsers(ctx context.Context, maxAge time.Duration, limit int) ([]int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-maxAge)
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id
FROM profiles
WHERE recommendation_refresh_needed
   OR last_recommendation_generated IS NULL
   OR last_recommendation_generated < $1
ORDER BY last_recommendation_generated NULLS FIRST, user_id
LIMIT $2
`, cutoff, limit)
	metrics.ObserveNetworkRequest("postgres", "profiles_list_stale", "profiles", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// MarkRecommendationsFresh сбрасывает флаг обновления и фиксирует время генерации.
func (p *Postgres) MarkRecommendationsFresh(ctx context.Context, userID int64, generatedAt time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE profiles
SET recommendation_refresh_needed = FALSE, last_recommendation_generated = $2, updated_at = now()
WHERE user_id = $1
`, userID, generatedAt)
	metrics.ObserveNetworkRequest("postgres", "profiles_mark_fresh", "profiles", start, err)
	return err
}

// SetRefreshNeeded помечает пользователя на фоновое обновление.
func (p *Postgres) SetRefreshNeeded(ctx context.Context, userID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE profiles SET recommendation_refresh_needed = TRUE, updated_at = now() WHERE user_id = $1
`, userID)
	metrics.ObserveNetworkRequest("postgres", "profiles_set_refresh_needed", "profiles", start, err)
	if err != nil {
		return fmt.Errorf("пометка на обновление: %w", err)
	}
	return nil
}
