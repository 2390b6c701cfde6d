package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// 存储和总线驱动
const (
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	StoreDriver string // mysql | memory
	BusDriver   string // redis | memory

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	RedisAddr     string // 为空时关闭限流、Redis 在线状态和后台任务
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	JWTSecret      string
	JWTExpiryHours int

	ServerPort        string
	LogLevel          string
	AppEnv            string
	CORSAllowedOrigin string
	RateLimitMax      int
	RateLimitWindow   time.Duration

	InstanceID       string
	RelayJoinTimeout time.Duration
	CleanupSchedule  string
	CleanupMinAge    time.Duration
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()

	cfg := &Config{
		StoreDriver:       getEnv("STORE_DRIVER", DriverMySQL),
		BusDriver:         getEnv("BUS_DRIVER", DriverRedis),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBName:            os.Getenv("DB_NAME"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:         getEnv("REDIS_KEY_PREFIX", "cm:"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AppEnv:            getEnv("APP_ENV", "development"),
		CORSAllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		InstanceID:        getEnv("INSTANCE_ID", uuid.NewString()),
		CleanupSchedule:   getEnv("CLEANUP_SCHEDULE", "@every 10m"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.JWTExpiryHours, err = getEnvInt("JWT_EXPIRY_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getEnvInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = getEnvDuration("RATE_LIMIT_WINDOW", time.Second); err != nil {
		return nil, err
	}
	if cfg.RelayJoinTimeout, err = getEnvDuration("RELAY_JOIN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CleanupMinAge, err = getEnvDuration("CLEANUP_MIN_AGE", time.Hour); err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case DriverMySQL, DriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	switch cfg.BusDriver {
	case DriverRedis, DriverMemory:
	default:
		return nil, fmt.Errorf("unsupported BUS_DRIVER %q", cfg.BusDriver)
	}
	if cfg.BusDriver == DriverRedis && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set when BUS_DRIVER=redis")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
