package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server (admin API)
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	// Bcrypt hash of the admin API key. Empty disables auth (dev only).
	AdminAPIKeyHash string `envconfig:"ADMIN_API_KEY_HASH"`

	// Worker side listener (/metrics, /healthz)
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// NATS
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Consumer
	Prefetch        int           `envconfig:"CONSUMER_PREFETCH" default:"10"`
	WorkerPoolSize  int           `envconfig:"WORKER_POOL_SIZE" default:"8"`
	MaxDeliveries   int           `envconfig:"MAX_DELIVERIES" default:"3"`
	PausedRequeue   time.Duration `envconfig:"PAUSED_REQUEUE_DELAY" default:"30s"`
	RetryMinDelay   time.Duration `envconfig:"RETRY_MIN_DELAY" default:"5s"`
	RetryMaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	RetryFactor     float64       `envconfig:"RETRY_FACTOR" default:"2.0"`
	ShutdownGrace   time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`
	StartupRetries  int           `envconfig:"STARTUP_RETRIES" default:"5"`
	StartupRetryGap time.Duration `envconfig:"STARTUP_RETRY_GAP" default:"3s"`

	// Gating
	DedupWindow        time.Duration `envconfig:"DEDUP_WINDOW" default:"5m"`
	CriticalCategories []string      `envconfig:"CRITICAL_CATEGORIES" default:"sos,panic"`

	// Rate limiting
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60"`
	DeviceRateWindow   time.Duration `envconfig:"DEVICE_RATE_WINDOW" default:"60s"`

	// Circuit breakers
	BreakerThreshold int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"60s"`

	// Adapters
	AdapterTimeout time.Duration `envconfig:"ADAPTER_TIMEOUT" default:"30s"`
	SMSTimeout     time.Duration `envconfig:"SMS_TIMEOUT" default:"15s"`

	// SMTP
	SMTPHost string `envconfig:"SMTP_HOST"`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser string `envconfig:"SMTP_USER"`
	SMTPPass string `envconfig:"SMTP_PASS"`
	SMTPFrom string `envconfig:"SMTP_FROM" default:"alarms@localhost"`
	SMTPTLS  bool   `envconfig:"SMTP_TLS" default:"true"`

	// Voice provider
	VoiceURL   string `envconfig:"VOICE_URL"`
	VoiceToken string `envconfig:"VOICE_TOKEN"`

	// Push provider
	PushURL   string `envconfig:"PUSH_URL"`
	PushToken string `envconfig:"PUSH_TOKEN"`

	// Modem pool
	ModemProbeInterval time.Duration `envconfig:"MODEM_PROBE_INTERVAL" default:"30s"`
	ModemProbeTimeout  time.Duration `envconfig:"MODEM_PROBE_TIMEOUT" default:"5s"`

	// DLQ reprocessor
	DLQInterval    time.Duration `envconfig:"DLQ_INTERVAL" default:"5m"`
	DLQBatchSize   int           `envconfig:"DLQ_BATCH_SIZE" default:"50"`
	DLQMaxAttempts int           `envconfig:"DLQ_MAX_ATTEMPTS" default:"10"`

	// Worker registry
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`

	// System state
	StateReloadInterval time.Duration `envconfig:"STATE_RELOAD_INTERVAL" default:"10s"`

	// Feature flags
	WebhooksEnabled     bool `envconfig:"WEBHOOKS_ENABLED" default:"false"`
	RateLimitingEnabled bool `envconfig:"RATE_LIMITING_ENABLED" default:"true"`
	ListenNotifyEnabled bool `envconfig:"LISTEN_NOTIFY_ENABLED" default:"false"`
	PushEnabled         bool `envconfig:"PUSH_ENABLED" default:"false"`
	MockSMS             bool `envconfig:"MOCK_SMS" default:"false"`
	MockEmail           bool `envconfig:"MOCK_EMAIL" default:"false"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
