package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	ErpBaseURL  string `env:"ERP_BASE_URL,required=true"`
	ErpAPIKey   string `env:"ERP_API_KEY,required=true"`

	// Optional backends: without Redis the breaker is in-process, without
	// RabbitMQ events go to the log only.
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	ErpTimeoutSecs      int `env:"ERP_TIMEOUT_SECS,default=30"`
	SyncIntervalSecs    int `env:"SYNC_INTERVAL_SECS,default=10"`
	SyncBatchSize       int `env:"SYNC_BATCH_SIZE,default=25"`
	WorkerConcurrency   int `env:"WORKER_CONCURRENCY,default=8"`
	RetryBaseDelaySecs  int `env:"RETRY_BASE_DELAY_SECS,default=60"`
	RetryMaxDelaySecs   int `env:"RETRY_MAX_DELAY_SECS,default=1200"`
	RetryMaxAttempts    int `env:"RETRY_MAX_ATTEMPTS,default=5"`
	AuthMaxAttempts     int `env:"AUTH_MAX_ATTEMPTS,default=3"`
	ClaimTimeoutSecs    int `env:"CLAIM_TIMEOUT_SECS,default=600"`
	BreakerThreshold    int `env:"BREAKER_THRESHOLD,default=10"`
	BreakerWindowSecs   int `env:"BREAKER_WINDOW_SECS,default=300"`
	BreakerCooldownSecs int `env:"BREAKER_COOLDOWN_SECS,default=120"`

	AdminPort int    `env:"ADMIN_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
