package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	ShopID                 string
	AuthSecret             string
	AccessTokenTTLMinutes  int
	RefreshIntervalSeconds int
	MinFetchIntervalMillis int
}

func Load() Config {
	// Missing .env is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	refreshInterval, err := strconv.Atoi(getEnv("REFRESH_INTERVAL_SECONDS", "15"))
	if err != nil || refreshInterval < 1 {
		refreshInterval = 15
	}
	minFetchInterval, err := strconv.Atoi(getEnv("MIN_FETCH_INTERVAL_MS", "1200"))
	if err != nil || minFetchInterval < 1 {
		minFetchInterval = 1200
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		ShopID:                 getEnv("DEFAULT_SHOP_ID", "main-shop"),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		RefreshIntervalSeconds: refreshInterval,
		MinFetchIntervalMillis: minFetchInterval,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
