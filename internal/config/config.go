package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	ListenAddr         string
	StoreMode          string
	DatabaseURL        string
	SQLitePath         string
	TokenEncryptionKey string
	AdminUsername      string
	AdminPassword      string
	JWTSecret          string
	JWTTTL             time.Duration
	LogLevel           string
	LogFormat          string
	TradingTimezone    string

	RiskRulesFile          string
	MaxDailyLoss           decimal.Decimal
	MaxPositionValue       decimal.Decimal
	MaxOpenOrders          int
	MaxConsecutiveFailures int

	SignalDuplicateWindow time.Duration

	BrokerMode         string
	BrokerBaseURL      string
	BrokerTimeout      time.Duration
	BrokerRatePerSec   float64
	BrokerBurst        int
	BrokerStreamURL    string
	BrokerTokenURL     string
	BrokerAppKey       string
	BrokerAppSecret    string
	BrokerTokenSkew    time.Duration
	BrokerTokenPoll    time.Duration
	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	FillDedupRetention time.Duration
	FillDedupMaxSize   int

	TelegramBotToken string
	TelegramChatID   string

	OutboxWebhookURL   string
	OutboxTimeout      time.Duration
	OutboxMaxRetries   int
	OutboxRetryBase    time.Duration
	OutboxRetryMax     time.Duration
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

func Load() Config {
	return Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":18080"),
		StoreMode:          getEnv("STORE_MODE", "memory"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		SQLitePath:         getEnv("SQLITE_PATH", "ordergate.db"),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:      getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:          getEnv("JWT_SECRET", "change-this-secret"),
		JWTTTL:             getDuration("JWT_TTL", 12*time.Hour),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		TradingTimezone:    getEnv("TRADING_TIMEZONE", "Asia/Seoul"),

		RiskRulesFile:          getEnv("RISK_RULES_FILE", ""),
		MaxDailyLoss:           getDecimal("RISK_MAX_DAILY_LOSS", decimal.NewFromInt(1_000_000)),
		MaxPositionValue:       getDecimal("RISK_MAX_POSITION_VALUE", decimal.NewFromInt(50_000_000)),
		MaxOpenOrders:          getInt("RISK_MAX_OPEN_ORDERS", 20),
		MaxConsecutiveFailures: getInt("RISK_MAX_CONSECUTIVE_FAILURES", 5),

		SignalDuplicateWindow: getDuration("SIGNAL_DUPLICATE_WINDOW", 0),

		BrokerMode:         getEnv("BROKER_MODE", "paper"),
		BrokerBaseURL:      getEnv("BROKER_BASE_URL", ""),
		BrokerTimeout:      getDuration("BROKER_TIMEOUT", 5*time.Second),
		BrokerRatePerSec:   getFloat("BROKER_RATE_PER_SEC", 10),
		BrokerBurst:        getInt("BROKER_BURST", 5),
		BrokerStreamURL:    getEnv("BROKER_STREAM_URL", ""),
		BrokerTokenURL:     getEnv("BROKER_TOKEN_URL", ""),
		BrokerAppKey:       getEnv("BROKER_APP_KEY", ""),
		BrokerAppSecret:    getEnv("BROKER_APP_SECRET", ""),
		BrokerTokenSkew:    getDuration("BROKER_TOKEN_REFRESH_SKEW", 10*time.Minute),
		BrokerTokenPoll:    getDuration("BROKER_TOKEN_POLL", time.Minute),
		ReconcileInterval:  getDuration("RECONCILE_INTERVAL", 15*time.Second),
		ReconcileBatchSize: getInt("RECONCILE_BATCH_SIZE", 200),

		FillDedupRetention: getDuration("FILL_DEDUP_RETENTION", 60*time.Minute),
		FillDedupMaxSize:   getInt("FILL_DEDUP_MAX_SIZE", 10_000),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		OutboxWebhookURL:   getEnv("OUTBOX_WEBHOOK_URL", ""),
		OutboxTimeout:      getDuration("OUTBOX_TIMEOUT", 5*time.Second),
		OutboxMaxRetries:   getInt("OUTBOX_MAX_RETRIES", 3),
		OutboxRetryBase:    getDuration("OUTBOX_RETRY_BASE", 500*time.Millisecond),
		OutboxRetryMax:     getDuration("OUTBOX_RETRY_MAX", 5*time.Second),
		OutboxPollInterval: getDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getInt("OUTBOX_BATCH_SIZE", 100),
	}
}

// Location resolves TradingTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TradingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
