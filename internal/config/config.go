package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort     int
	SMTPPort     int
	SMTPHostname string
	DBPath       string
	ConfDir      string
	LogPath      string
	WebWorkers   int
	WarmupDelay  time.Duration
}

func Load() Config {
	return Config{
		HTTPPort:     getEnvInt("HTTP_PORT", 8080),
		SMTPPort:     getEnvInt("SMTP_PORT", 25),
		SMTPHostname: getEnvString("SMTP_HOSTNAME", "tempbox"),
		DBPath:       getEnvString("DB_PATH", "emails.db"),
		ConfDir:      getEnvString("CONF_DIR", "."),
		LogPath:      getEnvString("LOG_PATH", "system.log"),
		WebWorkers:   getEnvInt("WEB_WORKERS", 3),
		WarmupDelay:  getEnvDuration("SMTP_WARMUP_DELAY", 2*time.Second),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}
