package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MskLoc is the display time zone for schedule and status messages.
// The catalog and its customers are on Moscow time (UTC+3, no DST).
var MskLoc = time.FixedZone("MSK", 3*3600)

const DefaultCatalogURL = "https://ng.nlstar.com/ru/api/store/city/2214/all-products/"

// Config holds everything the watcher reads from the environment.
type Config struct {
	Version string

	// Telegram
	BotToken    string
	ChannelID   string
	AdminChatID string // empty disables the command listener

	// Cycle timing
	CatalogURL    string
	CheckInterval time.Duration
	WarmupDelay   time.Duration
	FetchTimeout  time.Duration
	SinkTimeout   time.Duration
	UnpinPrevious bool

	// Storage
	StoreBackend    string // postgres | sqlite | file
	DBHost          string
	DBPort          int
	DBName          string
	DBUser          string
	DBPassword      string
	SQLitePath      string
	StateFile       string
	StoreRetries    int
	StoreRetryDelay time.Duration

	// Operations
	MetricsAddr   string
	LogLevel      string
	MaxLogSizeMB  int64
	MaxLogBackups int
}

var requiredSecretVars = map[string]bool{
	"TELEGRAM_BOT_TOKEN":  true,
	"TELEGRAM_CHANNEL_ID": true,
}

// secretVars are masked when echoed but may be empty.
var secretVars = map[string]bool{
	"DB_PASSWORD": true,
}

// Load initializes the configuration.
// It tries to read a .env file, checks for the required variables and fills
// the rest with defaults.
func Load() *Config {
	// Load .env variables into the process environment
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	// 1. Check for missing required variables (in actual environment)
	var missing []string
	for key := range requiredSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		log.Fatalf("CRITICAL: Missing required environment variables: %v", missing)
	}

	// 2. Print variables defined in .env file
	envMap, err := godotenv.Read()
	if err == nil {
		log.Println("--- .env File Variables ---")
		for key, val := range envMap {
			if requiredSecretVars[key] || secretVars[key] {
				log.Printf("%s=%s", key, mask(val))
			} else {
				log.Printf("%s=%s", key, val)
			}
		}
		log.Println("---------------------------")
	}

	cfg := &Config{
		BotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		ChannelID:   os.Getenv("TELEGRAM_CHANNEL_ID"),
		AdminChatID: strings.TrimSpace(os.Getenv("TELEGRAM_ADMIN_CHAT_ID")),

		CatalogURL:    getEnv("CATALOG_URL", DefaultCatalogURL),
		CheckInterval: getEnvAsSeconds("CHECK_INTERVAL_SEC", 18000),
		WarmupDelay:   getEnvAsSeconds("WARMUP_DELAY_SEC", 10),
		FetchTimeout:  getEnvAsSeconds("FETCH_TIMEOUT_SEC", 10),
		SinkTimeout:   getEnvAsSeconds("SINK_TIMEOUT_SEC", 15),
		UnpinPrevious: getEnvAsBool("UNPIN_PREVIOUS", true),

		StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		DBHost:          getEnv("DB_HOST", "db"),
		DBPort:          getEnvAsInt("DB_PORT", 5432),
		DBName:          getEnv("DB_NAME", "nlstore"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      os.Getenv("DB_PASSWORD"),
		SQLitePath:      getEnv("SQLITE_PATH", "price_watcher.db"),
		StateFile:       getEnv("STATE_FILE", "price_state.json"),
		StoreRetries:    getEnvAsInt("STORE_RETRIES", 5),
		StoreRetryDelay: getEnvAsSeconds("STORE_RETRY_DELAY_SEC", 3),

		MetricsAddr:   os.Getenv("METRICS_ADDR"),
		LogLevel:      strings.ToUpper(getEnv("WATCHER_LOG_LEVEL", "INFO")),
		MaxLogSizeMB:  int64(getEnvAsInt("MAX_LOG_SIZE_MB", 10)),
		MaxLogBackups: getEnvAsInt("MAX_LOG_BACKUPS", 3),
	}

	switch cfg.StoreBackend {
	case "postgres", "sqlite", "file":
	default:
		log.Fatalf("CRITICAL: STORE_BACKEND must be postgres, sqlite or file, got %q", cfg.StoreBackend)
	}
	if cfg.CheckInterval <= 0 {
		log.Printf("Warning: CHECK_INTERVAL_SEC must be positive, using default 18000")
		cfg.CheckInterval = 18000 * time.Second
	}
	if cfg.StoreRetries < 1 {
		cfg.StoreRetries = 1
	}
	return cfg
}

// PostgresDSN builds a connection URL from the DB_* variables.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// mask shows only the last 4 chars of a secret.
func mask(val string) string {
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}
