package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	AgentTokenTTLMinutes  int
	PrintTimeoutSeconds   int
	StatusTimeoutSeconds  int
	CatalogTTLSeconds     int
	PendingJobsPollLimit  int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		AgentTokenTTLMinutes:  getEnvInt("AGENT_TOKEN_TTL_MINUTES", 1440),
		PrintTimeoutSeconds:   getEnvInt("DEVICE_PRINT_TIMEOUT_SECONDS", 30),
		StatusTimeoutSeconds:  getEnvInt("DEVICE_STATUS_TIMEOUT_SECONDS", 10),
		CatalogTTLSeconds:     getEnvInt("PROVIDER_CATALOG_TTL_SECONDS", 300),
		PendingJobsPollLimit:  getEnvInt("PENDING_JOBS_POLL_LIMIT", 20),
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

func getEnvInt(key string, fallback int) int {
	parsed, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
