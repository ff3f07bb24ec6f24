package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime configuration loaded from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	HTTPListenAddr   string
	PublicBaseURL    string
	PublicBasePath   string
	MetricsNamespace string
	AdminToken       string

	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	// Channel selects the active chat transport: "wameow" or "cloud".
	Channel           string
	WhatsAppStorePath string
	WhatsAppLogLevel  string
	CloudAPIBaseURL   string
	CloudAPIToken     string
	CloudPhoneID      string
	CloudVerifyToken  string

	MpesaBaseURL        string
	MpesaAPIKey         string
	MpesaShortCode      string
	MpesaTimeout        time.Duration
	MpesaCallbackUser   string
	MpesaCallbackSecret string

	LedgerBaseURL string
	LedgerAPIKey  string
	LedgerTimeout time.Duration

	GeminiAPIKeys  []string
	GeminiModel    string
	GeminiTimeout  time.Duration
	GeminiCooldown time.Duration

	WalletSecret string

	QuoteValidity time.Duration
	TaxRate       float64
	SweepInterval time.Duration
	ReconInterval time.Duration
	ReconMaxTries int
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", ""),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "bodasure"),
		AdminToken:       getEnv("ADMIN_TOKEN", ""),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		RedisTLS:      getBool("REDIS_TLS", false),

		Channel:           strings.ToLower(getEnv("CHANNEL", "wameow")),
		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/wameow.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "INFO"),
		CloudAPIBaseURL:   getEnv("CLOUD_API_BASE_URL", "https://graph.facebook.com/v19.0"),
		CloudAPIToken:     getEnv("CLOUD_API_TOKEN", ""),
		CloudPhoneID:      getEnv("CLOUD_PHONE_ID", ""),
		CloudVerifyToken:  getEnv("CLOUD_VERIFY_TOKEN", ""),

		MpesaBaseURL:        getEnv("MPESA_BASE_URL", ""),
		MpesaAPIKey:         getEnv("MPESA_API_KEY", ""),
		MpesaShortCode:      getEnv("MPESA_SHORT_CODE", ""),
		MpesaTimeout:        getDuration("MPESA_TIMEOUT", 20*time.Second),
		MpesaCallbackUser:   getEnv("MPESA_CALLBACK_USER", ""),
		MpesaCallbackSecret: getEnv("MPESA_CALLBACK_SECRET", ""),

		LedgerBaseURL: getEnv("LEDGER_BASE_URL", ""),
		LedgerAPIKey:  getEnv("LEDGER_API_KEY", ""),
		LedgerTimeout: getDuration("LEDGER_TIMEOUT", 15*time.Second),

		GeminiAPIKeys:  splitList(getEnv("GEMINI_API_KEYS", "")),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiTimeout:  getDuration("GEMINI_TIMEOUT", 12*time.Second),
		GeminiCooldown: getDuration("GEMINI_COOLDOWN", 45*time.Second),

		WalletSecret: getEnv("WALLET_SECRET", ""),

		QuoteValidity: getDuration("QUOTE_VALIDITY", 24*time.Hour),
		TaxRate:       getFloat("TAX_RATE", 0.0025),
		SweepInterval: getDuration("SWEEP_INTERVAL", time.Hour),
		ReconInterval: getDuration("RECON_INTERVAL", 5*time.Minute),
		ReconMaxTries: getInt("RECON_MAX_TRIES", 10),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WalletSecret == "" {
		return nil, fmt.Errorf("WALLET_SECRET is required")
	}
	if cfg.Channel != "wameow" && cfg.Channel != "cloud" {
		return nil, fmt.Errorf("CHANNEL must be wameow or cloud, got %q", cfg.Channel)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			res = append(res, p)
		}
	}
	return res
}
