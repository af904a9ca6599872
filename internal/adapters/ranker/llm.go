package ranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"babybloom/internal/domain"
	"babybloom/internal/infra/metrics"
	openai "babybloom/internal/infra/openai"
)

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMRanker оценивает кандидатов через внешний оракул ранжирования.
// Зона ответственности заканчивается на сборке запроса и починке ответа:
// неизвестные идентификаторы отбрасываются, оценки зажимаются в [0,100],
// неизвестная срочность приводится к medium.
type LLMRanker struct {
	client   chatCompletionClient
	log      zerolog.Logger
	model    string
	timeout  time.Duration
	maxItems int
}

var _ domain.Ranker = (*LLMRanker)(nil)

// NewLLM создаёт ранжировщик на базе OpenAI Chat Completions.
func NewLLM(client chatCompletionClient, logger zerolog.Logger, model string, timeout time.Duration, maxItems int) *LLMRanker {
	if maxItems <= 0 {
		maxItems = 15
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &LLMRanker{client: client, log: logger, model: model, timeout: timeout, maxItems: maxItems}
}

type llmCandidatePayload struct {
	ProductID string  `json:"product_id"`
	Source    string  `json:"source"`
	Title     string  `json:"title"`
	Category  string  `json:"category,omitempty"`
	Price     float64 `json:"price"`
	AgeRange  string  `json:"age_range,omitempty"`
}

type llmRankedItem struct {
	ProductID      string      `json:"product_id"`
	Source         string      `json:"source"`
	RelevanceScore json.Number `json:"relevance_score"`
	Reason         string      `json:"reason"`
	Urgency        string      `json:"urgency"`
}

type llmRankingResponse struct {
	Items []llmRankedItem `json:"items"`
}

// Score запрашивает у оракула ранжирование кандидатов для пользователя.
// Пустой пул кандидатов не приводит к внешнему вызову.
func (r *LLMRanker) Score(ctx context.Context, viewer domain.ViewerContext, candidates []domain.CandidateProduct) ([]domain.RankedItem, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if !viewer.HasStageSignal() {
		return nil, domain.ErrNoStageSignal
	}

	payload := make([]llmCandidatePayload, 0, len(candidates))
	known := make(map[string]domain.CandidateProduct, len(candidates))
	for _, c := range candidates {
		known[c.Key()] = c
		payload = append(payload, llmCandidatePayload{
			ProductID: c.ID,
			Source:    string(c.Source),
			Title:     truncate(c.Title, 200),
			Category:  c.Category,
			Price:     c.Price,
			AgeRange:  c.AgeRange,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "You are a baby product recommendation engine. Always respond with valid JSON only.",
			},
			{
				Role:    openai.RoleUser,
				Content: r.buildPrompt(viewer, string(body)),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ResponseFormatTypeJSONObject,
		},
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		metrics.ScorerErrors.Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrScorerUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		metrics.ScorerErrors.Inc()
		return nil, fmt.Errorf("%w: пустой ответ", domain.ErrScorerMalformed)
	}

	parsed, err := parseRankingContent(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.ScorerErrors.Inc()
		return nil, err
	}

	items := make([]domain.RankedItem, 0, len(parsed))
	for _, raw := range parsed {
		if len(items) >= r.maxItems {
			break
		}
		key := strings.TrimSpace(raw.Source) + ":" + strings.TrimSpace(raw.ProductID)
		candidate, ok := known[key]
		if !ok {
			// ссылка на неизвестного кандидата портит только себя, не партию
			metrics.ScorerDroppedItems.Inc()
			r.log.Warn().Str("product_id", raw.ProductID).Str("source", raw.Source).Msg("ranker: неизвестный кандидат отброшен")
			continue
		}
		items = append(items, domain.RankedItem{
			ProductID:      candidate.ID,
			Source:         candidate.Source,
			RelevanceScore: clampScore(raw.RelevanceScore),
			Reason:         strings.TrimSpace(raw.Reason),
			Urgency:        repairUrgency(raw.Urgency),
		})
	}
	return items, nil
}

func (r *LLMRanker) buildPrompt(viewer domain.ViewerContext, candidatesJSON string) string {
	var stage string
	if viewer.IsPregnancy {
		stage = fmt.Sprintf("Pregnancy week %d, expecting parent needs", viewer.PregnancyWeek)
	} else {
		stage = fmt.Sprintf("Baby age: %d months (%d weeks)", viewer.AgeWeeks/4, viewer.AgeWeeks)
	}
	budget := ""
	switch viewer.BudgetLevel {
	case "low":
		budget = "\nBudget is tight: prefer second-hand marketplace items over affiliate deals."
	case "high":
		budget = "\nBudget is comfortable: affiliate deals with new items are welcome."
	}
	target := r.maxItems
	if target > 15 {
		target = 15
	}
	return fmt.Sprintf(`You are a baby product recommendation expert. Analyze the baby/pregnancy context and the available products and pick the most relevant items.

Context: %s%s

Available products (JSON, each has product_id and source "marketplace" or "affiliate"):
%s

Pick 12-%d products, mixing both sources when both have relevant items. Return ONLY a JSON object of this exact shape:
{"items": [{"product_id": "id", "source": "marketplace", "relevance_score": 95, "reason": "one or two sentences why this is needed now", "urgency": "high"}]}

relevance_score: 0-100. urgency: "high" (needed now), "medium" (needed in 2-4 weeks), "low" (nice to have). Use only product_id values from the input, never invent new ones.`, stage, budget, candidatesJSON, target)
}

// parseRankingContent разбирает ответ оракула, допуская как объект с items,
// так и голый массив в тексте.
func parseRankingContent(content string) ([]llmRankedItem, error) {
	content = strings.TrimSpace(content)
	var wrapped llmRankingResponse
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, nil
	}
	begin := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if begin >= 0 && end > begin {
		var items []llmRankedItem
		if err := json.Unmarshal([]byte(content[begin:end+1]), &items); err == nil {
			return items, nil
		}
	}
	return nil, fmt.Errorf("%w: не найден список позиций", domain.ErrScorerMalformed)
}

func clampScore(raw json.Number) int {
	value, err := raw.Int64()
	if err != nil {
		if f, ferr := raw.Float64(); ferr == nil {
			value = int64(f)
		}
	}
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return int(value)
}

func repairUrgency(raw string) domain.Urgency {
	u := domain.Urgency(strings.ToLower(strings.TrimSpace(raw)))
	if !u.Valid() {
		return domain.UrgencyMedium
	}
	return u
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
