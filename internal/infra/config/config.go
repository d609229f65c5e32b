package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Moscow"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
	} `envconfig:""`

	// Developers — id операторов, которым доступны команды рассылки.
	Developers []int64 `envconfig:"DEVELOPER_IDS"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Broadcast struct {
		QueueKey string        `envconfig:"BROADCAST_QUEUE_KEY" default:"broadcast_jobs"`
		SpecTTL  time.Duration `envconfig:"BROADCAST_SPEC_TTL" default:"10m"`
	} `envconfig:""`

	Ranking struct {
		SnapshotTTL time.Duration `envconfig:"RANKING_SNAPSHOT_TTL" default:"5m"`
		PageSize    int           `envconfig:"RANKING_PAGE_SIZE" default:"20"`
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
