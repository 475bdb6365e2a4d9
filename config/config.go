// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	DatabaseDriver string
	DatabaseURL    string
	MigrationsDir  string

	// APP_SECRET はユーザー鍵導出に使うプロセス共通の秘密値。
	AppSecret string

	ShamirThreshold        int
	ShamirTotalShards      int
	ReconstructMaxAttempts int

	HSMBackend string
	KMSKeyName string

	VaultAddr  string
	VaultToken string
	VaultMount string
	VaultPath  string

	EventSink    string
	RedisAddr    string
	RedisChannel string

	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		DatabaseDriver:         getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MigrationsDir:          getEnv("MIGRATIONS_DIR", "./migrations"),
		AppSecret:              os.Getenv("APP_SECRET"),
		ShamirThreshold:        getEnvInt("SHAMIR_THRESHOLD", 2),
		ShamirTotalShards:      getEnvInt("SHAMIR_TOTAL_SHARDS", 3),
		ReconstructMaxAttempts: getEnvInt("RECONSTRUCT_MAX_ATTEMPTS", 10),
		HSMBackend:             getEnv("HSM_BACKEND", "memory"),
		KMSKeyName:             os.Getenv("KMS_KEY_NAME"),
		VaultAddr:              os.Getenv("VAULT_ADDR"),
		VaultToken:             os.Getenv("VAULT_TOKEN"),
		VaultMount:             getEnv("VAULT_MOUNT", "secret"),
		VaultPath:              getEnv("VAULT_PATH", "key-custody"),
		EventSink:              getEnv("EVENT_SINK", "log"),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisChannel:           getEnv("REDIS_CHANNEL", "key-custody.events"),
		GoogleCloudProject:     os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:               getEnv("LOG_LEVEL", "INFO"),
		OtelEnabled:            getEnv("OTEL_ENABLED", "false") == "true",
		OtelEndpoint:           getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:        getEnv("OTEL_SERVICE_NAME", "key-custody-service"),
		OtelSamplingRate:       getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
