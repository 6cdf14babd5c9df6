package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Service
	Port         string
	StoreDriver  string // "postgres" or "memory"
	SequenceKind string // "postgres", "redis" or "memory"

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisURL     string
	KafkaBrokers string
	EventsTopic  string
	EventsGroup  string

	JWTSecret  string
	CORSOrigin string

	BusinessTimezone string
	TaxRate          decimal.Decimal

	// Cashier client
	BackendURL     string
	BackendTimeout time.Duration
	Token          string
	Language       string
}

func Load() *Config {
	// Load .env file if exists
	godotenv.Load()

	return &Config{
		Port:             getEnv("ORDER_SERVICE_PORT", "8081"),
		StoreDriver:      getEnv("STORE_DRIVER", "postgres"),
		SequenceKind:     getEnv("ORDER_SEQUENCE", "postgres"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "orderservice"),
		DBPassword:       getEnv("DB_PASSWORD", "orderservice"),
		DBName:           getEnv("DB_NAME", "orders"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		KafkaBrokers:     getEnv("KAFKA_BROKERS", ""),
		EventsTopic:      getEnv("KAFKA_EVENTS_TOPIC", "order.events"),
		EventsGroup:      getEnv("KAFKA_EVENTS_GROUP", "order-events"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret-change-me"),
		CORSOrigin:       getEnv("CORS_ORIGIN", "*"),
		BusinessTimezone: getEnv("BUSINESS_TIMEZONE", "Asia/Riyadh"),
		TaxRate:          getEnvAsDecimal("TAX_RATE", decimal.RequireFromString("0.15")),
		BackendURL:       getEnv("BACKEND_URL", "http://localhost:8081"),
		BackendTimeout:   getEnvAsDuration("BACKEND_TIMEOUT", 10*time.Second),
		Token:            getEnv("CASHIER_TOKEN", ""),
		Language:         getEnv("CASHIER_LANGUAGE", "en"),
	}
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

// Location resolves BusinessTimezone, which defines where a business day
// starts and ends.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs := getEnvAsInt(key, -1); secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
