package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `port: "8080"
sqlitePath: repairhub.db
jwtSecret: 0123456789abcdef0123
generationProvider: gemini
generationAPIKey: from-file
oracleTimeout: 30s
coinRate: 0.1
arrivalMinMinutes: 5
arrivalMaxMinutes: 30
timezone: Asia/Kolkata
pricing:
  labor:
    - category: Watches
      min: 100
      max: 1500
  delivery:
    - upToKm: 4
      fee: 15
  perKmBeyond: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, baseYAML)
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("DATABASE_URL", "postgres://repairhub@localhost/repairhub")
	t.Setenv("REPAIRHUB_ALLOWED_ORIGINS", "https://app.example, https://admin.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GenerationAPIKey != "from-env" || cfg.DatabaseURL == "" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.example" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if len(cfg.Pricing.Labor) != 1 || cfg.Pricing.Labor[0].Max != 1500 || cfg.Pricing.PerKmBeyond != 10 {
		t.Fatalf("pricing not parsed: %+v", cfg.Pricing)
	}

	oracle, err := cfg.OracleConfig()
	if err != nil || oracle.Timeout != 30*time.Second {
		t.Fatalf("oracle config = %+v err=%v", oracle, err)
	}
	policy, err := cfg.BookingPolicy()
	if err != nil {
		t.Fatalf("booking policy: %v", err)
	}
	if policy.ArrivalMax != 30*time.Minute || policy.Location.String() != "Asia/Kolkata" {
		t.Fatalf("policy = %+v", policy)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"missing port", [2]string{`port: "8080"`, ""}, "port is required"},
		{"short secret", [2]string{"jwtSecret: 0123456789abcdef0123", "jwtSecret: short"}, "jwtSecret"},
		{"unknown provider", [2]string{"generationProvider: gemini", "generationProvider: pigeon"}, "unknown generationProvider"},
		{"bad duration", [2]string{"oracleTimeout: 30s", "oracleTimeout: soon"}, "invalid oracleTimeout"},
		{"rate limit without redis", [2]string{"coinRate: 0.1", "coinRate: 0.1\nsendRateLimitPerMinute: 5"}, "redisAddr is required"},
		{"inverted arrival", [2]string{"arrivalMaxMinutes: 30", "arrivalMaxMinutes: 3"}, "arrivalMinMinutes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, strings.Replace(baseYAML, tc.replace[0], tc.replace[1], 1))
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
