package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQPURL string `envconfig:"AMQP_URL"`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"45s"`
	} `envconfig:""`

	Limits struct {
		CandidatesPerCatalog int           `envconfig:"CANDIDATES_PER_CATALOG" default:"50"`
		RecommendationsMax   int           `envconfig:"RECOMMENDATIONS_MAX" default:"15"`
		FreshnessWindow      time.Duration `envconfig:"RECOMMENDATIONS_TTL" default:"24h"`
		FeedSlotBudget       int           `envconfig:"FEED_SLOT_BUDGET" default:"10"`
		SweepBatch           int           `envconfig:"SWEEP_BATCH" default:"50"`
		SweepItemTimeout     time.Duration `envconfig:"SWEEP_ITEM_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Queues struct {
		Refresh string `envconfig:"REFRESH_QUEUE_KEY" default:"reco_refresh_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
