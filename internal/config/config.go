package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアの実装
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 認証関連の秘密情報は起動時には必須ではなく、未設定の場合は該当する操作がConfigurationErrorを返す。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string
	StoreWorkers int
	StoreQueue   int

	// Google OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleHostedDomain string
	GoogleAccessType   string

	// Institutional SSO
	SSOHost        string
	SSOPort        int
	SSOScheme      string
	SSOBasePath    string
	SSOServiceName string

	// Trust token
	TrustPrivateKey string
	TrustPublicKey  string
	TrustTokenTTL   time.Duration

	// Pseudonymization
	PseudonymSalt string

	// Cohort
	CohortGroups int

	// Session
	SessionExpires         bool
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Outbound
	OutboundTimeout time.Duration

	// Retry
	BackendRetryMax int

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitLogin   int

	// Server
	ServerPort string
	BaseURL    string
	HSTS       bool

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.StoreBackend = getEnvString("STORE_BACKEND", StoreBackendPostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreBackend == StoreBackendPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.StoreBackend != StoreBackendPostgres && cfg.StoreBackend != StoreBackendMemory {
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be %q or %q",
			cfg.StoreBackend, StoreBackendPostgres, StoreBackendMemory)
	}

	// Optional auth settings
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", cfg.BaseURL+"/auth/google/callback")
	cfg.GoogleHostedDomain = os.Getenv("GOOGLE_HOSTED_DOMAIN")
	cfg.GoogleAccessType = getEnvString("GOOGLE_ACCESS_TYPE", "online")
	if cfg.GoogleAccessType != "online" && cfg.GoogleAccessType != "offline" {
		return nil, fmt.Errorf("invalid GOOGLE_ACCESS_TYPE %q: must be \"online\" or \"offline\"", cfg.GoogleAccessType)
	}

	cfg.SSOHost = os.Getenv("SSO_HOST")
	cfg.SSOPort = getEnvInt("SSO_PORT", 0)
	cfg.SSOScheme = getEnvString("SSO_SCHEME", "https")
	cfg.SSOBasePath = os.Getenv("SSO_BASE_PATH")
	cfg.SSOServiceName = os.Getenv("SSO_SERVICE_NAME")

	cfg.TrustPrivateKey = os.Getenv("TRUST_PRIVATE_KEY")
	cfg.TrustPublicKey = os.Getenv("TRUST_PUBLIC_KEY")
	cfg.TrustTokenTTL = getEnvDuration("TRUST_TOKEN_TTL", time.Hour)
	cfg.PseudonymSalt = os.Getenv("PSEUDONYM_SALT")

	// Optional fields with defaults
	cfg.StoreWorkers = getEnvInt("STORE_WORKERS", 4)
	cfg.StoreQueue = getEnvInt("STORE_QUEUE", 64)
	cfg.CohortGroups = getEnvInt("COHORT_GROUPS", 2)
	cfg.SessionExpires = getEnvBool("SESSION_EXPIRES", false)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.OutboundTimeout = getEnvDuration("OUTBOUND_TIMEOUT", 10*time.Second)
	cfg.BackendRetryMax = getEnvInt("BACKEND_RETRY_MAX", 3)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 20)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.HSTS = getEnvBool("HSTS", cfg.CookieSecure)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
