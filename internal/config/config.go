package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Stripe   StripeConfig
	Lulu     LuluConfig
	Receipt  ReceiptConfig
	Render   RenderConfig
	Frontend FrontendConfig
}

type ServerConfig struct {
	Port string
	// PublicBaseURL is the externally reachable address the payment gateway
	// redirects buyers back to after checkout.
	PublicBaseURL string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN builds a postgres connection string from the individual fields.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

type RedisConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	OrderCreated   string
	OrderPaid      string
	JobSubmitted   string
	OrderShipped   string
	OrderFailed    string
	BookPurchased  string
	ReceiptCreated string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// ReceiptConfig holds the secret used to encrypt receipt QR payloads.
type ReceiptConfig struct {
	QRSecret string
}

type LuluConfig struct {
	BaseURL      string
	ClientKey    string
	ClientSecret string
}

// RenderConfig points at the PDF render service that produces interior and
// cover files and uploads them to object storage.
type RenderConfig struct {
	BaseURL string
}

type FrontendConfig struct {
	BaseURL string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          getEnv("PORT", ":8080"),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			IdleTimeout:   60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "storyforge"),
			Password:     getEnv("DB_PASSWORD", "storyforge"),
			Database:     getEnv("DB_NAME", "storyforge"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Kafka: KafkaConfig{
			Brokers: []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				OrderCreated:   getEnv("KAFKA_TOPIC_ORDER_CREATED", "storyforge.print_orders.created"),
				OrderPaid:      getEnv("KAFKA_TOPIC_ORDER_PAID", "storyforge.print_orders.paid"),
				JobSubmitted:   getEnv("KAFKA_TOPIC_JOB_SUBMITTED", "storyforge.print_orders.submitted"),
				OrderShipped:   getEnv("KAFKA_TOPIC_ORDER_SHIPPED", "storyforge.print_orders.shipped"),
				OrderFailed:    getEnv("KAFKA_TOPIC_ORDER_FAILED", "storyforge.print_orders.failed"),
				BookPurchased:  getEnv("KAFKA_TOPIC_BOOK_PURCHASED", "storyforge.books.purchased"),
				ReceiptCreated: getEnv("KAFKA_TOPIC_RECEIPT_CREATED", "storyforge.receipts.created"),
			},
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Receipt: ReceiptConfig{
			QRSecret: getEnv("RECEIPT_QR_SECRET", "storyforge-receipt-secret"),
		},
		Lulu: LuluConfig{
			BaseURL:      getEnv("LULU_BASE_URL", "https://api.sandbox.lulu.com"),
			ClientKey:    getEnv("LULU_CLIENT_KEY", ""),
			ClientSecret: getEnv("LULU_CLIENT_SECRET", ""),
		},
		Render: RenderConfig{
			BaseURL: getEnv("RENDER_SERVICE_URL", "http://localhost:8090"),
		},
		Frontend: FrontendConfig{
			BaseURL: getEnv("FRONTEND_URL", "http://localhost:3000"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
