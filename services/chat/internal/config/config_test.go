package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseConfig = `
port: "8080"
storeDriver: "memory"
sessionSecret: "0123456789abcdef0123"
generationProvider: "ollama"
generationModel: "llama3"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// clearEnv blanks overrides that may leak in from the host.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "STORE_DRIVER", "DATABASE_URL", "SESSION_SECRET_KEY", "GENERATION_PROVIDER", "GENERATION_MODEL", "GENERATION_API_KEY", "MINIO_ENDPOINT", "MINIO_BUCKET", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "IDENTITY_RATE_LIMIT_PER_MINUTE"} {
		t.Setenv(key, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SessionTTLHours != 720 {
		t.Fatalf("sessionTTLHours = %d, want 720", cfg.SessionTTLHours)
	}
	if cfg.CookieName != "auth_token" {
		t.Fatalf("cookieName = %q, want auth_token", cfg.CookieName)
	}
	if cfg.QueryTimeoutSeconds != 120 || cfg.KeepRecentMessages != 6 || cfg.MaxPromptChars != 400000 {
		t.Fatalf("unexpected query defaults: %+v", cfg)
	}
	if !cfg.RequiresPdfOwnership() {
		t.Fatalf("pdf ownership should be required by default")
	}
	if cfg.MaxUploadBytes != 50<<20 {
		t.Fatalf("maxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.IdentityRateLimitPerMinute != 20 {
		t.Fatalf("identityRateLimitPerMinute = %d, want 20", cfg.IdentityRateLimitPerMinute)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SESSION_SECRET_KEY", "env-secret-env-secret-env")
	t.Setenv("SESSION_PREVIOUS_SECRETS", "kid-a=secret-a, kid-b = secret-b ,broken")
	t.Setenv("GENERATION_API_KEY", "sk-test")
	t.Setenv("QUERY_TIMEOUT_SECONDS", "30")
	t.Setenv("REQUIRE_DOCUMENT", "true")
	t.Setenv("TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 192.168.0.0/16")

	cfg, err := Load(writeConfig(t, baseConfig+"requirePdfOwnership: false\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q, want 9090", cfg.Port)
	}
	if cfg.SessionSecret != "env-secret-env-secret-env" {
		t.Fatalf("sessionSecret not overridden")
	}
	if len(cfg.SessionPreviousSecrets) != 2 || cfg.SessionPreviousSecrets["kid-b"] != "secret-b" {
		t.Fatalf("previous secrets = %v", cfg.SessionPreviousSecrets)
	}
	if cfg.GenerationAPIKey != "sk-test" || cfg.QueryTimeoutSeconds != 30 || !cfg.RequireDocument {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if len(cfg.TrustedProxyCIDRs) != 2 {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
	if cfg.RequiresPdfOwnership() {
		t.Fatalf("explicit requirePdfOwnership: false should be honored")
	}
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing port",
			content: strings.Replace(baseConfig, `port: "8080"`, "", 1),
			wantErr: "port is required",
		},
		{
			name:    "short secret",
			content: strings.Replace(baseConfig, `"0123456789abcdef0123"`, `"short"`, 1),
			wantErr: "sessionSecret",
		},
		{
			name:    "postgres without dsn",
			content: strings.Replace(baseConfig, `"memory"`, `"postgres"`, 1),
			wantErr: "databaseURL",
		},
		{
			name:    "gemini without key",
			content: strings.Replace(baseConfig, `"ollama"`, `"gemini"`, 1),
			wantErr: "generationAPIKey",
		},
		{
			name:    "unknown provider",
			content: strings.Replace(baseConfig, `"ollama"`, `"bard"`, 1),
			wantErr: "unsupported generationProvider",
		},
		{
			name:    "partial minio",
			content: baseConfig + "minioEndpoint: \"localhost:9000\"\n",
			wantErr: "minioBucket",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
