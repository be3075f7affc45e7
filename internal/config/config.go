// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	OAuthProvider     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURL  string
	OAuthScopes       []string
	OAuthJWTSecret    string

	// Remote services
	BackendURL        string
	ProfileServiceURL string
	UpstreamTimeout   time.Duration // 0はタイムアウトなし

	// Visit
	VisitIdleTimeout     time.Duration
	VisitCleanupInterval time.Duration

	// Session storage
	SessionRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// LoadDotEnv は.envファイルを環境変数に読み込む。既に設定済みの変数は上書きしない。
// ファイルが存在しない場合は何もしない。
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.OAuthClientID = required("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = required("OAUTH_CLIENT_SECRET")
	cfg.OAuthAuthURL = required("OAUTH_AUTH_URL")
	cfg.OAuthTokenURL = required("OAUTH_TOKEN_URL")
	cfg.OAuthRedirectURL = required("OAUTH_REDIRECT_URL")
	cfg.OAuthJWTSecret = required("OAUTH_JWT_SECRET")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OAuthProvider = getEnvString("OAUTH_PROVIDER", "twitter")
	cfg.OAuthScopes = getEnvList("OAUTH_SCOPES", nil)
	cfg.BackendURL = strings.TrimRight(getEnvString("BACKEND_URL", "https://gossip-backend-fn8d.onrender.com"), "/")
	cfg.ProfileServiceURL = strings.TrimRight(getEnvString("PROFILE_SERVICE_URL", "http://localhost:8000"), "/")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 0)
	cfg.VisitIdleTimeout = getEnvDuration("VISIT_IDLE_TIMEOUT", 30*time.Minute)
	cfg.VisitCleanupInterval = getEnvDuration("VISIT_CLEANUP_INTERVAL", time.Minute)
	cfg.SessionRetentionDays = getEnvInt("SESSION_RETENTION_DAYS", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

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

// getEnvList はカンマまたは空白区切りの値をスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' '
	})
}
