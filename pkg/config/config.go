package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvFileVar names the variable pointing at an optional dotenv file.
const EnvFileVar = "CHATBRIDGE_ENV_FILE"

type Config struct {
	Port             string
	Environment      string
	LogLevel         string
	DatabasePath     string
	JWTSecret        string
	JWTIssuer        string
	TokenTTL         time.Duration
	CORSOrigins      string
	MaxUploadSize    int64
	FileStoragePath  string
	PendingQueueSize int
	LongPollTimeout  time.Duration
	AuthTimeout      time.Duration
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
}

// Load builds the configuration from the process environment. Values from
// the file named by CHATBRIDGE_ENV_FILE fill in keys that are not already
// set; the process environment always wins.
func Load() *Config {
	fileEnv := readEnvFile(os.Getenv(EnvFileVar))
	get := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := fileEnv[key]; exists {
			return value
		}
		return defaultValue
	}

	return &Config{
		Port:             get("PORT", "8080"),
		Environment:      get("ENVIRONMENT", "development"),
		LogLevel:         get("LOG_LEVEL", "info"),
		DatabasePath:     get("DATABASE_PATH", "./data/chatbridge.db"),
		JWTSecret:        get("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTIssuer:        get("JWT_ISSUER", "chatbridge"),
		TokenTTL:         parseDuration(get("TOKEN_TTL", "24h"), 24*time.Hour),
		CORSOrigins:      get("CORS_ORIGINS", "*"),
		MaxUploadSize:    parseInt64(get("MAX_UPLOAD_SIZE", "10485760"), 10485760), // 10MB default
		FileStoragePath:  get("FILE_STORAGE_PATH", "./data/uploads"),
		PendingQueueSize: int(parseInt64(get("PENDING_QUEUE_SIZE", "100"), 100)),
		LongPollTimeout:  parseDuration(get("LONG_POLL_TIMEOUT", "30s"), 30*time.Second),
		AuthTimeout:      parseDuration(get("AUTH_TIMEOUT", "10s"), 10*time.Second),
		VAPIDPublicKey:   get("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey:  get("VAPID_PRIVATE_KEY", ""),
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func readEnvFile(path string) map[string]string {
	if path == "" {
		return nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return values
}

func parseInt64(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(s)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
