package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string
	NodeID      int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Queue     QueueConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
}

type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend          string
	Workers          int
	MaxAttempts      int
	RetryBackoff     time.Duration
	DedupWindow      time.Duration
	LaneLease        time.Duration
	RecoveryInterval time.Duration
}

type SchedulerConfig struct {
	Enabled    bool
	Interval   time.Duration
	JobTimeout time.Duration
	BatchSize  int
}

// RateLimitConfig throttles usage recording per subscriber and resource.
// It needs Redis.
type RateLimitConfig struct {
	Enabled    bool
	UsageRate  float64
	UsageBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "meterledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		Queue: QueueConfig{
			Backend:          strings.ToLower(getenv("QUEUE_BACKEND", "memory")),
			Workers:          getenvInt("QUEUE_WORKERS", 4),
			MaxAttempts:      getenvInt("QUEUE_MAX_ATTEMPTS", 3),
			RetryBackoff:     getenvDuration("QUEUE_RETRY_BACKOFF", 500*time.Millisecond),
			DedupWindow:      getenvDuration("QUEUE_DEDUP_WINDOW", 5*time.Minute),
			LaneLease:        getenvDuration("QUEUE_LANE_LEASE", 5*time.Minute),
			RecoveryInterval: getenvDuration("QUEUE_RECOVERY_INTERVAL", time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:    getenvBool("SCHEDULER_ENABLED", true),
			Interval:   getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			JobTimeout: getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Second),
			BatchSize:  getenvInt("SCHEDULER_BATCH_SIZE", 500),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getenvBool("RATE_LIMIT_ENABLED", false),
			UsageRate:  getenvFloat("RATE_LIMIT_USAGE_RATE", 50),
			UsageBurst: getenvInt("RATE_LIMIT_USAGE_BURST", 100),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c Config) NeedsRedis() bool {
	return strings.EqualFold(strings.TrimSpace(c.Queue.Backend), "redis") || c.RateLimit.Enabled
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
