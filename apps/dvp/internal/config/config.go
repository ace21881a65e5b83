package config

import (
	"github.com/joho/godotenv"
	"log"
	"os"
	"strconv"
)

// ZeroAddress is the sentinel used when an event address argument is absent.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// EncryptionModeAES256CBC enables conditional decryption of delivery payload data.
const EncryptionModeAES256CBC = "aes-256-cbc"

type Config struct {
	RpcURL             string
	DbURL              string
	KafkaBroker        string
	KafkaTopic         string
	SyncInterval       uint64 // seconds between sync passes
	BlockLotMaxSize    uint64 // max block span per event log query
	DataEncryptionMode string
	DataEncryptionKey  string // base64-encoded 32 byte AES key
	APIPort            int
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	return &Config{
		RpcURL:             getEnvOrFatal("RPC_URL"),
		DbURL:              getEnvOrFatal("DB_URL"),
		KafkaBroker:        getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:         getEnvOrFatal("KAFKA_TOPIC"),
		SyncInterval:       getEnvUint64("SYNC_INTERVAL_SECONDS", 10),
		BlockLotMaxSize:    getEnvUint64("BLOCK_LOT_MAX_SIZE", 1_000_000),
		DataEncryptionMode: os.Getenv("DVP_DATA_ENCRYPTION_MODE"),
		DataEncryptionKey:  os.Getenv("DVP_DATA_ENCRYPTION_KEY"),
		APIPort:            getEnvInt("API_PORT", 8080),
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("environment variable %s not set", key)

	return ""
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
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
