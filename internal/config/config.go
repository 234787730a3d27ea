// Package config loads runtime configuration from environment variables, an
// optional .env file, and CLI flag overrides.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. Env vars are the primary source;
// --port=, --log=, and --log-rotate-size= flags take precedence.
type Config struct {
	Port               string
	HealthPort         string
	MaxHeaderBytes     int
	PreviewBytes       int
	OptionsTTL         time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	AccessLogFile      string
	AccessLogMaxSizeMB int
	AccessLogMaxBody   int
	ISTag              string
}

// Load builds a Config from the environment with hardcoded defaults. A .env
// file in the working directory is applied first when present.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}
	cfg := Config{
		Port:               getEnv("ICAP_PORT", "1344"),
		HealthPort:         getEnv("HEALTH_PORT", "8080"),
		MaxHeaderBytes:     getEnvInt("MAX_HEADER_BYTES", 32*1024),
		PreviewBytes:       getEnvInt("PREVIEW_BYTES", 4096),
		OptionsTTL:         time.Duration(getEnvInt("OPTIONS_TTL_SEC", 3600)) * time.Second,
		ReadTimeout:        time.Duration(getEnvInt("READ_TIMEOUT_SEC", 30)) * time.Second,
		WriteTimeout:       time.Duration(getEnvInt("WRITE_TIMEOUT_SEC", 10)) * time.Second,
		AccessLogFile:      getEnv("ACCESS_LOG_FILE", "/var/log/icap/access.log"),
		AccessLogMaxSizeMB: getEnvInt("ACCESS_LOG_ROTATE_SIZE_MB", 25),
		AccessLogMaxBody:   getEnvInt("ACCESS_LOG_MAX_BODY", 64*1024),
		ISTag:              os.Getenv("ICAP_ISTAG"),
	}
	for _, arg := range os.Args[1:] {
		switch {
		case strings.HasPrefix(arg, "--port="):
			cfg.Port = strings.TrimPrefix(arg, "--port=")
		case strings.HasPrefix(arg, "--log="):
			cfg.AccessLogFile = strings.TrimPrefix(arg, "--log=")
		case strings.HasPrefix(arg, "--log-rotate-size="):
			if n, err := strconv.Atoi(strings.TrimPrefix(arg, "--log-rotate-size=")); err == nil && n > 0 {
				cfg.AccessLogMaxSizeMB = n
			}
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
