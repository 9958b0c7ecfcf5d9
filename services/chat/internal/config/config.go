package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with PDFCHAT_CONFIG.
var ConfigPath = envOr("PDFCHAT_CONFIG", "config.yaml")

const minSessionSecretBytes = 16

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	SessionSecret            string            `yaml:"sessionSecret"`
	SessionKeyID             string            `yaml:"sessionKeyId"`
	SessionPreviousSecrets   map[string]string `yaml:"sessionPreviousSecrets"`
	SessionTTLHours          int               `yaml:"sessionTTLHours"`
	SessionRefreshAfterHours int               `yaml:"sessionRefreshAfterHours"`
	CookieName               string            `yaml:"cookieName"`
	CookieSecure             bool              `yaml:"cookieSecure"`

	GenerationProvider string `yaml:"generationProvider"`
	GenerationBaseURL  string `yaml:"generationBaseURL"`
	GenerationAPIKey   string `yaml:"generationAPIKey"`
	GenerationModel    string `yaml:"generationModel"`

	QueryTimeoutSeconds int   `yaml:"queryTimeoutSeconds"`
	MaxPromptChars      int   `yaml:"maxPromptChars"`
	KeepRecentMessages  int   `yaml:"keepRecentMessages"`
	RequireDocument     bool  `yaml:"requireDocument"`
	RequirePdfOwnership *bool `yaml:"requirePdfOwnership"`

	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	UploadDir      string `yaml:"uploadDir"`
	UsePdftotext   bool   `yaml:"usePdftotext"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	QueryRateLimitPerMinute    int      `yaml:"queryRateLimitPerMinute"`
	UploadRateLimitPerMinute   int      `yaml:"uploadRateLimitPerMinute"`
	IdentityRateLimitPerMinute int      `yaml:"identityRateLimitPerMinute"`
	MaskForbidden              bool     `yaml:"maskForbidden"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
}

// RequiresPdfOwnership reports the effective ownership policy (default true).
func (c FileConfig) RequiresPdfOwnership() bool {
	return c.RequirePdfOwnership == nil || *c.RequirePdfOwnership
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SESSION_SECRET_KEY"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("SESSION_KEY_ID"); v != "" {
		cfg.SessionKeyID = v
	}
	if v := os.Getenv("SESSION_PREVIOUS_SECRETS"); v != "" {
		cfg.SessionPreviousSecrets = parseKeyValues(v)
	}
	if v := os.Getenv("SESSION_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SessionTTLHours = n
		}
	}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CookieSecure = b
		}
	}
	if v := os.Getenv("GENERATION_PROVIDER"); v != "" {
		cfg.GenerationProvider = v
	}
	if v := os.Getenv("GENERATION_BASE_URL"); v != "" {
		cfg.GenerationBaseURL = v
	}
	if v := os.Getenv("GENERATION_API_KEY"); v != "" {
		cfg.GenerationAPIKey = v
	}
	if v := os.Getenv("GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("QUERY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.QueryTimeoutSeconds = n
		}
	}
	if v := os.Getenv("REQUIRE_DOCUMENT"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.RequireDocument = b
		}
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("QUERY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.QueryRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("IDENTITY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.IdentityRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.SessionTTLHours == 0 {
		cfg.SessionTTLHours = 720
	}
	if cfg.SessionRefreshAfterHours == 0 {
		cfg.SessionRefreshAfterHours = 24
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "auth_token"
	}
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = "openai"
	}
	if cfg.QueryTimeoutSeconds == 0 {
		cfg.QueryTimeoutSeconds = 120
	}
	if cfg.MaxPromptChars == 0 {
		cfg.MaxPromptChars = 400000
	}
	if cfg.KeepRecentMessages == 0 {
		cfg.KeepRecentMessages = 6
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.QueryRateLimitPerMinute == 0 {
		cfg.QueryRateLimitPerMinute = 30
	}
	if cfg.UploadRateLimitPerMinute == 0 {
		cfg.UploadRateLimitPerMinute = 10
	}
	if cfg.IdentityRateLimitPerMinute == 0 {
		cfg.IdentityRateLimitPerMinute = 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: storeDriver must be postgres or memory, got %q", cfg.StoreDriver)
	}
	if len(strings.TrimSpace(cfg.SessionSecret)) < minSessionSecretBytes {
		return fmt.Errorf("config: sessionSecret is required and must be at least %d bytes (set in config.yaml or SESSION_SECRET_KEY)", minSessionSecretBytes)
	}
	if cfg.SessionTTLHours < 0 || cfg.SessionRefreshAfterHours < 0 {
		return errors.New("config: session hours must be >= 0")
	}
	switch strings.ToLower(cfg.GenerationProvider) {
	case "openai", "openai-compat", "ollama":
	case "gemini":
		if strings.TrimSpace(cfg.GenerationAPIKey) == "" {
			return errors.New("config: generationAPIKey is required for gemini (set in config.yaml or GENERATION_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unsupported generationProvider %q", cfg.GenerationProvider)
	}
	if strings.TrimSpace(cfg.GenerationModel) == "" {
		return errors.New("config: generationModel is required (set in config.yaml or GENERATION_MODEL)")
	}
	if cfg.QueryTimeoutSeconds < 0 || cfg.MaxPromptChars < 0 || cfg.KeepRecentMessages < 0 {
		return errors.New("config: query limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required with minioEndpoint")
	}
	if cfg.QueryRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 || cfg.IdentityRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// parseKeyValues reads "kid=secret,kid2=secret2".
func parseKeyValues(value string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitCSV(value) {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
