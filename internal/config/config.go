package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort  string
	LogLevel  string
	LogFormat string

	FlowiseAPIURL      string
	FlowiseAPIKey      string
	FlowiseAuthMode    string // "header" or "query"
	FlowiseTimeout     time.Duration
	FlowiseTestTimeout time.Duration
	MaxUploadBytes     int64
	CORSAllowedOrigin  string
	FrontendURL        string

	ChatProxyURL      string
	ChatClientTimeout time.Duration
	ChatStore         string // "sqlite", "bolt" or "memory"
	ChatStorePath     string
}

var AppConfig Config

// LoadConfig loads .env (if any) and the process environment into AppConfig.
// The returned error is the .env load failure; AppConfig is populated from
// the environment either way.
func LoadConfig() error {
	envErr := godotenv.Load()
	AppConfig = Load()
	return envErr
}

// Load builds a Config from the environment without touching .env.
func Load() Config {
	return Config{
		HTTPPort:  getEnv("HTTP_PORT", "3001"),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		FlowiseAPIURL:      getEnv("FLOWISE_API_URL", ""),
		FlowiseAPIKey:      getEnv("FLOWISE_API_KEY", ""),
		FlowiseAuthMode:    strings.ToLower(getEnv("FLOWISE_AUTH_MODE", "header")),
		FlowiseTimeout:     getEnvAsDuration("FLOWISE_TIMEOUT", 15*time.Minute),
		FlowiseTestTimeout: getEnvAsDuration("FLOWISE_TEST_TIMEOUT", 30*time.Second),
		MaxUploadBytes:     int64(getEnvAsInt("MAX_UPLOAD_BYTES", 10<<20)),
		CORSAllowedOrigin:  getEnv("CORS_ALLOWED_ORIGIN", "*"),
		FrontendURL:        getEnv("FRONTEND_URL", "http://localhost:5173"),

		ChatProxyURL:      getEnv("CHAT_PROXY_URL", "http://localhost:3001/api/flowise"),
		ChatClientTimeout: getEnvAsDuration("CHAT_CLIENT_TIMEOUT", 16*time.Minute),
		ChatStore:         strings.ToLower(getEnv("CHAT_STORE", "sqlite")),
		ChatStorePath:     getEnv("CHAT_STORE_PATH", "hospital_199_chat.db"),
	}
}

// ValidateProxy checks the settings the proxy server cannot start without.
func (c Config) ValidateProxy() error {
	var errs []error
	if c.FlowiseAPIURL == "" {
		errs = append(errs, errors.New("FLOWISE_API_URL environment variable is required"))
	}
	if c.FlowiseAPIKey == "" {
		errs = append(errs, errors.New("FLOWISE_API_KEY environment variable is required"))
	}
	switch c.FlowiseAuthMode {
	case "header", "query":
	default:
		errs = append(errs, errors.New("FLOWISE_AUTH_MODE must be one of: header, query"))
	}
	if c.FlowiseTimeout <= 0 {
		errs = append(errs, errors.New("FLOWISE_TIMEOUT must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s", "15m") or plain seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
