package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort              = "8080"
	defaultSiteName          = "Loomchat"
	defaultSessionCookieName = "chat_session"
	defaultProfileCookieName = "chat_profile"
	defaultSessionTTLHours   = 168
	defaultFrontendOrigin    = "http://localhost:5173"
	defaultLocalStorePath    = "./data/localstore"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultGoogleAIBaseURL   = "https://generativelanguage.googleapis.com"
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultChatTimeoutSecs   = 120
	defaultChatPerMinute     = 20
)

type Config struct {
	Port                     string
	Environment              string
	SiteName                 string
	FrontendOrigin           string
	AllowedOrigins           []string
	AuthRequired             bool
	CookieSecure             bool
	SessionCookieName        string
	ProfileCookieName        string
	SessionTTL               time.Duration
	GoogleClientID           string
	InsecureSkipGoogleVerify bool
	DatabaseURL              string
	DatabaseAuthToken        string
	LocalStorePath           string
	OpenRouterBaseURL        string
	GoogleAIBaseURL          string
	OpenAIBaseURL            string
	ChatTimeout              time.Duration
	ChatRequestsPerMinute    int
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// RemoteConfigured reports whether a relational gateway is configured. When
// it is not, every caller is served from the local store.
func (c Config) RemoteConfigured() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func Load() (Config, error) {
	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		SiteName:                 envOrDefault("SITE_NAME", defaultSiteName),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		AuthRequired:             boolOrDefault("AUTH_REQUIRED", true),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		ProfileCookieName:        envOrDefault("PROFILE_COOKIE_NAME", defaultProfileCookieName),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseAuthToken:        strings.TrimSpace(os.Getenv("DATABASE_AUTH_TOKEN")),
		LocalStorePath:           envOrDefault("LOCAL_STORE_PATH", defaultLocalStorePath),
		OpenRouterBaseURL:        envOrDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL),
		GoogleAIBaseURL:          envOrDefault("GOOGLE_AI_BASE_URL", defaultGoogleAIBaseURL),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL),
		ChatRequestsPerMinute:    intOrDefault("CHAT_REQUESTS_PER_MINUTE", defaultChatPerMinute),
	}

	if cfg.Environment == "production" {
		cfg.CookieSecure = true
	}

	sessionTTLHours := intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	cfg.SessionTTL = time.Duration(sessionTTLHours) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	chatTimeoutSeconds := intOrDefault("CHAT_TIMEOUT_SECONDS", defaultChatTimeoutSecs)
	if chatTimeoutSeconds <= 0 {
		return Config{}, errors.New("CHAT_TIMEOUT_SECONDS must be > 0")
	}
	cfg.ChatTimeout = time.Duration(chatTimeoutSeconds) * time.Second

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:4173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if strings.HasPrefix(cfg.DatabaseURL, "libsql://") && cfg.DatabaseAuthToken == "" {
		return Config{}, errors.New("DATABASE_AUTH_TOKEN is required for libsql:// URLs")
	}
	if strings.TrimSpace(cfg.LocalStorePath) == "" {
		return Config{}, errors.New("LOCAL_STORE_PATH must not be empty")
	}
	if cfg.AuthRequired && !cfg.InsecureSkipGoogleVerify && cfg.GoogleClientID == "" {
		return Config{}, errors.New("GOOGLE_CLIENT_ID is required unless AUTH_INSECURE_SKIP_GOOGLE_VERIFY=true")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
