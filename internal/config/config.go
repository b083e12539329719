package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	DB struct {
		DSN string
	}
	Kafka struct {
		Brokers         []string
		RetryTopic      string
		DeadLetterTopic string
		GroupID         string
	}
	API struct {
		Port     string
		BasePath string
	}
	Logging struct {
		Dir   string
		Level string
	}
	Protocol struct {
		BrowserPath string
		DataDir     string
	}
	Pairing struct {
		CodeTTL     time.Duration
		MaxAge      time.Duration
		EmailNotify bool
	}
	Health struct {
		Interval         time.Duration
		FailureThreshold int
		MaxConnectionAge time.Duration
	}
	Retry struct {
		MaxRetries int
		Delay      time.Duration
	}
	Email struct {
		SMTPServer string
		SMTPPort   int
		Username   string
		Password   string
		FromName   string
	}
	Telegram struct {
		BotToken       string
		OperatorChatID int64
		RatePerSecond  int
		NotifyOnAlerts bool
	}
	Entity struct {
		BaseURL        string
		SystemEntityID string
	}
	Storage struct {
		BaseURL string
		Folder  string
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config

	cfg.DB.DSN = os.Getenv("DB_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.RetryTopic = os.Getenv("KAFKA_RETRY_TOPIC")
	cfg.Kafka.DeadLetterTopic = os.Getenv("KAFKA_DEAD_LETTER_TOPIC")
	cfg.Kafka.GroupID = os.Getenv("KAFKA_GROUP_ID")

	cfg.API.Port = os.Getenv("API_PORT")
	cfg.API.BasePath = os.Getenv("API_BASE_PATH")

	cfg.Logging.Dir = os.Getenv("LOG_DIR")
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")

	cfg.Protocol.BrowserPath = os.Getenv("BROWSER_PATH")
	cfg.Protocol.DataDir = os.Getenv("PROTOCOL_DATA_DIR")

	cfg.Pairing.CodeTTL = durationEnv("PAIRING_CODE_TTL", 5*time.Minute)
	cfg.Pairing.MaxAge = durationEnv("PAIRING_MAX_AGE", 10*time.Minute)
	cfg.Pairing.EmailNotify = os.Getenv("PAIRING_EMAIL_NOTIFY") != "false"

	cfg.Health.Interval = durationEnv("HEALTH_CHECK_INTERVAL", 5*time.Minute)
	cfg.Health.FailureThreshold = intEnv("HEALTH_FAILURE_THRESHOLD", 3)
	cfg.Health.MaxConnectionAge = durationEnv("HEALTH_MAX_CONNECTION_AGE", 24*time.Hour)

	cfg.Retry.MaxRetries = intEnv("RETRY_MAX_RETRIES", 3)
	cfg.Retry.Delay = durationEnv("RETRY_DELAY", time.Minute)

	cfg.Email.SMTPServer = os.Getenv("EMAIL_SMTP_SERVER")
	cfg.Email.SMTPPort = intEnv("EMAIL_SMTP_PORT", 587)
	cfg.Email.Username = os.Getenv("EMAIL_USERNAME")
	cfg.Email.Password = os.Getenv("EMAIL_PASSWORD")
	cfg.Email.FromName = os.Getenv("EMAIL_FROM_NAME")

	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if id, err := strconv.ParseInt(os.Getenv("TELEGRAM_OPERATOR_CHAT_ID"), 10, 64); err == nil {
		cfg.Telegram.OperatorChatID = id
	}
	cfg.Telegram.RatePerSecond = intEnv("TELEGRAM_RATE_PER_SECOND", 1)
	cfg.Telegram.NotifyOnAlerts = cfg.Telegram.BotToken != "" && cfg.Telegram.OperatorChatID != 0

	cfg.Entity.BaseURL = os.Getenv("ENTITY_SERVICE_URL")
	cfg.Entity.SystemEntityID = os.Getenv("SYSTEM_ENTITY_ID")

	cfg.Storage.BaseURL = os.Getenv("STORAGE_SERVICE_URL")
	cfg.Storage.Folder = os.Getenv("STORAGE_FOLDER")

	// Validate required settings
	missing := []string{}
	if cfg.DB.DSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		missing = append(missing, "KAFKA_BROKERS")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configurations: %v", missing)
	}

	// Apply defaults
	if cfg.Kafka.RetryTopic == "" {
		cfg.Kafka.RetryTopic = "integration.retry"
	}
	if cfg.Kafka.DeadLetterTopic == "" {
		cfg.Kafka.DeadLetterTopic = cfg.Kafka.RetryTopic + ".dlq"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "unicx-integration"
	}
	if cfg.API.Port == "" {
		cfg.API.Port = ":8080"
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = "/api/v1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Entity.SystemEntityID == "" {
		cfg.Entity.SystemEntityID = "system"
	}
	if cfg.Storage.Folder == "" {
		cfg.Storage.Folder = "chat-media"
	}

	return cfg, nil
}

func intEnv(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
