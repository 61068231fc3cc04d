package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the marketplace service.
type Config struct {
	Port            string
	Env             string
	DatabaseURL     string
	LogFile         string
	PlatformWallet  string
	WebhookAPIKey   string
	OpsAPIKey       string
	OrderHoldPeriod time.Duration

	CatalogBaseURL      string
	CatalogIconBaseURL  string
	CatalogTimeout      time.Duration
	CatalogCacheTTL     time.Duration
	CatalogRateLimitPerM int

	Auth AuthConfig
	Otel OtelConfig
}

// OtelConfig captures trace export settings. An empty endpoint disables
// export entirely.
type OtelConfig struct {
	Endpoint string
	Insecure bool
	Headers  string
}

// AuthConfig captures bearer-token verification settings.
type AuthConfig struct {
	Enable           bool
	Alg              string
	Issuer           string
	Audience         []string
	MaxSkew          time.Duration
	HSSecretEnv      string
	RSAPublicKeyFile string
	NameClaim        string
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("MKT_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("MKT_DB_URL is required")
	}

	platformWallet := strings.TrimSpace(os.Getenv("MKT_PLATFORM_WALLET_ADDRESS"))
	if platformWallet == "" {
		return nil, fmt.Errorf("MKT_PLATFORM_WALLET_ADDRESS is required")
	}

	webhookKey := strings.TrimSpace(os.Getenv("MKT_WEBHOOK_API_KEY"))
	if webhookKey == "" {
		return nil, fmt.Errorf("MKT_WEBHOOK_API_KEY is required")
	}
	opsKey := strings.TrimSpace(os.Getenv("MKT_OPS_API_KEY"))
	if opsKey == "" {
		return nil, fmt.Errorf("MKT_OPS_API_KEY is required")
	}

	catalogBase := strings.TrimSpace(os.Getenv("MKT_CATALOG_BASE_URL"))
	if catalogBase == "" {
		return nil, fmt.Errorf("MKT_CATALOG_BASE_URL is required")
	}

	holdHours := parseIntEnv("MKT_ORDER_HOLD_HOURS", 168)
	if holdHours <= 0 {
		return nil, fmt.Errorf("invalid MKT_ORDER_HOLD_HOURS %d", holdHours)
	}

	authCfg := AuthConfig{
		Enable:           parseBoolEnv("MKT_AUTH_JWT_ENABLE", true),
		Alg:              strings.TrimSpace(getEnvDefault("MKT_AUTH_JWT_ALG", "HS256")),
		Issuer:           strings.TrimSpace(os.Getenv("MKT_AUTH_JWT_ISSUER")),
		Audience:         parseCSVEnv("MKT_AUTH_JWT_AUDIENCE"),
		MaxSkew:          time.Duration(parseIntEnv("MKT_AUTH_JWT_MAX_SKEW_SECONDS", 60)) * time.Second,
		HSSecretEnv:      strings.TrimSpace(getEnvDefault("MKT_AUTH_JWT_HS_SECRET_ENV", "MKT_AUTH_JWT_HS_SECRET")),
		RSAPublicKeyFile: strings.TrimSpace(os.Getenv("MKT_AUTH_JWT_RSA_PUBLIC_KEY_FILE")),
		NameClaim:        strings.TrimSpace(getEnvDefault("MKT_AUTH_JWT_NAME_CLAIM", "name")),
	}
	if authCfg.Enable {
		if authCfg.Issuer == "" {
			return nil, fmt.Errorf("MKT_AUTH_JWT_ISSUER is required when JWT auth is enabled")
		}
		if len(authCfg.Audience) == 0 {
			return nil, fmt.Errorf("MKT_AUTH_JWT_AUDIENCE is required when JWT auth is enabled")
		}
		switch strings.ToUpper(authCfg.Alg) {
		case "HS256":
			if os.Getenv(authCfg.HSSecretEnv) == "" {
				return nil, fmt.Errorf("%s must be set for HS256", authCfg.HSSecretEnv)
			}
		case "RS256":
			if authCfg.RSAPublicKeyFile == "" {
				return nil, fmt.Errorf("MKT_AUTH_JWT_RSA_PUBLIC_KEY_FILE must be set for RS256")
			}
		default:
			return nil, fmt.Errorf("unsupported MKT_AUTH_JWT_ALG %q", authCfg.Alg)
		}
	}

	return &Config{
		Port:            normalizePort(getEnvDefault("MKT_PORT", "8080")),
		Env:             strings.TrimSpace(getEnvDefault("MKT_ENV", "dev")),
		DatabaseURL:     dbURL,
		LogFile:         strings.TrimSpace(os.Getenv("MKT_LOG_FILE")),
		PlatformWallet:  platformWallet,
		WebhookAPIKey:   webhookKey,
		OpsAPIKey:       opsKey,
		OrderHoldPeriod: time.Duration(holdHours) * time.Hour,

		CatalogBaseURL:      catalogBase,
		CatalogIconBaseURL:  strings.TrimSpace(os.Getenv("MKT_CATALOG_ICON_BASE_URL")),
		CatalogTimeout:      time.Duration(parseIntEnv("MKT_CATALOG_TIMEOUT_SECONDS", 10)) * time.Second,
		CatalogCacheTTL:     time.Duration(parseIntEnv("MKT_CATALOG_CACHE_TTL_SECONDS", 600)) * time.Second,
		CatalogRateLimitPerM: parseIntEnv("MKT_CATALOG_RATE_LIMIT_PER_MINUTE", 30),

		Auth: authCfg,
		Otel: OtelConfig{
			Endpoint: strings.TrimSpace(os.Getenv("MKT_OTEL_ENDPOINT")),
			Insecure: parseBoolEnv("MKT_OTEL_INSECURE", false),
			Headers:  strings.TrimSpace(os.Getenv("MKT_OTEL_HEADERS")),
		},
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
}
