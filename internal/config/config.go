package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server reads from the environment.
type Config struct {
	Addr    string
	LogMode string
	DBPath  string

	// AI completion provider.
	AIBaseURL string
	AIAPIKey  string
	AIModel   string

	// Periodic snapshot flush of dirty document sessions.
	FlushInterval time.Duration

	// When true, a client disconnect cancels that client's in-flight
	// AI streams instead of letting them run to completion.
	CancelStreamsOnDisconnect bool
}

// Load reads .env (if present) and the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:                      getenv("COSCRIBE_ADDR", ":8080"),
		LogMode:                   getenv("COSCRIBE_LOG_MODE", "dev"),
		DBPath:                    getenv("COSCRIBE_DB_PATH", "./data/coscribe.db"),
		AIBaseURL:                 getenv("AI_BASE_URL", "https://api.openai.com"),
		AIAPIKey:                  getenv("AI_API_KEY", ""),
		AIModel:                   getenv("AI_MODEL", "gpt-4o-mini"),
		FlushInterval:             time.Duration(getenvInt("COSCRIBE_FLUSH_SECONDS", 20)) * time.Second,
		CancelStreamsOnDisconnect: getenvBool("AI_CANCEL_ON_DISCONNECT", false),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
