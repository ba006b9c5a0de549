package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Host         string
	Port         int
	RelayURL     string // client-reachable ws:// URL
	DBPath       string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	BotToken     string
}

func Load() *Config {
	// .env is optional, real environment wins
	_ = godotenv.Load()

	cfg := &Config{
		Port:         8080,
		RelayURL:     "ws://localhost:8080",
		DBPath:       "messenger.db",
		ReadTimeout:  120,
		WriteTimeout: 30,
	}

	if host := os.Getenv("RELAY_HOST"); host != "" {
		cfg.Host = host
	}

	if portStr := os.Getenv("RELAY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if url := os.Getenv("RELAY_URL"); url != "" {
		cfg.RelayURL = url
	}

	if dbPath := os.Getenv("RELAY_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("RELAY_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("RELAY_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	return cfg
}
