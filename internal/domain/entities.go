package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProductSource различает каталоги товаров.
type ProductSource string

const (
	// SourceMarketplace — объявления собственного маркетплейса.
	SourceMarketplace ProductSource = "marketplace"
	// SourceAffiliate — товары партнёрской сети.
	SourceAffiliate ProductSource = "affiliate"
)

// ListingStatus описывает состояние объявления маркетплейса.
type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingSold   ListingStatus = "sold"
)

// StockStatus описывает наличие партнёрского товара.
type StockStatus string

const (
	StockInStock    StockStatus = "in_stock"
	StockOutOfStock StockStatus = "out_of_stock"
)

// MarketplaceListing представляет объявление маркетплейса.
type MarketplaceListing struct {
	ID         string
	SellerID   int64
	Title      string
	Category   string
	Condition  string
	Price      float64
	AgeRange   string
	Status     ListingStatus
	ClickCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AffiliateProduct представляет товар партнёрской сети.
type AffiliateProduct struct {
	ID           string
	MerchantID   string
	MerchantName string
	Title        string
	Category     string
	Price        float64
	Currency     string
	AgeRange     string
	ProductURL   string
	ImageURL     string
	Stock        StockStatus
	ClickCount   int64
	LastSyncedAt time.Time
}

// CandidateProduct — нормализованный кандидат на скоринг из любого каталога.
// Инвариант: в кандидаты попадают только доступные товары.
type CandidateProduct struct {
	Source   ProductSource
	ID       string
	Title    string
	Category string
	Price    float64
	AgeRange string
}

// Key возвращает уникальный ключ кандидата внутри объединённого пула.
func (c CandidateProduct) Key() string {
	return string(c.Source) + ":" + c.ID
}

// Urgency — приоритет рекомендации, не зависящий от численной оценки.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Valid сообщает, входит ли значение в допустимый набор.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyHigh, UrgencyMedium, UrgencyLow:
		return true
	}
	return false
}

// RankedItem — одна позиция ответа оракула ранжирования после валидации.
type RankedItem struct {
	ProductID      string
	Source         ProductSource
	RelevanceScore int
	Reason         string
	Urgency        Urgency
}

// RecommendationRecord — сохранённая рекомендация товара для пользователя.
// Оценка и причина после записи не меняются, мутирует только флаг Clicked.
type RecommendationRecord struct {
	ID             string
	UserID         int64
	ProductID      string
	Source         ProductSource
	RelevanceScore int
	Reason         string
	Urgency        Urgency
	Clicked        bool
	RecommendedAt  time.Time
}

// ViewerContext — контекст просматривающего пользователя.
// Поставляется провайдером идентичности и никогда не мутируется ядром.
type ViewerContext struct {
	UserID        int64
	BabyName      string
	IsPregnancy   bool
	PregnancyWeek int
	AgeWeeks      int
	BudgetLevel   string
	PostalPrefix  string
}

// HasStageSignal проверяет наличие минимального возрастного сигнала.
// Отрицательные AgeWeeks означают, что дата рождения неизвестна.
func (v ViewerContext) HasStageSignal() bool {
	if v.IsPregnancy {
		return v.PregnancyWeek > 0
	}
	return v.AgeWeeks >= 0
}

// MilestoneEvent — достигнутая веха развития, попадающая в ленту.
type MilestoneEvent struct {
	ID         string
	UserID     int64
	Title      string
	Category   string
	AchievedAt time.Time
}

// CommunityPost — пост сообщества.
type CommunityPost struct {
	ID           string
	AuthorID     int64
	AuthorName   string
	Content      string
	PostalPrefix string
	LikesCount   int
	CreatedAt    time.Time
}

// ParentingTip — короткий совет, привязанный к возрастному окну.
// Для беременности окно задаётся отрицательными неделями.
type ParentingTip struct {
	ID          string
	Title       string
	Content     string
	MinAgeWeeks int
	MaxAgeWeeks int
	Priority    int
}

// FeedItemType перечисляет типы элементов ленты.
type FeedItemType string

const (
	FeedMilestone    FeedItemType = "milestone"
	FeedProductBatch FeedItemType = "productBatch"
	FeedCommunity    FeedItemType = "community"
	FeedTip          FeedItemType = "tip"
)

// FeedItem — один элемент бесконечной ленты.
// ID синтетический и стабильный между повторными запросами одной страницы.
type FeedItem struct {
	ID        string
	Type      FeedItemType
	Payload   any
	Timestamp time.Time
}

// NewFeedItem собирает элемент ленты со стабильным идентификатором.
func NewFeedItem(t FeedItemType, entityID string, payload any, ts time.Time) FeedItem {
	return FeedItem{
		ID:        fmt.Sprintf("%s:%s", t, entityID),
		Type:      t,
		Payload:   payload,
		Timestamp: ts,
	}
}

// BatchFeedItemID строит идентификатор составного элемента из идентификаторов записей.
func BatchFeedItemID(records []RecommendationRecord) string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, "+")
}

// FeedCursor — позиция пользователя в ленте в рамках сессии.
// Страница растёт монотонно и не перематывается назад.
type FeedCursor struct {
	Page    int
	HasMore bool
}

// RefreshSummary — итог прогона фонового обновления рекомендаций.
type RefreshSummary struct {
	Total     int
	Succeeded int
	Failed    int
}
