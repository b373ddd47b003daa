package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
	"repairhub/services/chat/internal/app"
)

// ConfigPath is the default config location. REPAIRHUB_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("REPAIRHUB_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	SQLitePath        string `yaml:"sqlitePath"`
	DatabaseURL       string `yaml:"databaseURL"`
	PreferRemoteReads bool   `yaml:"preferRemoteReads"`
	RemoteTimeout     string `yaml:"remoteTimeout"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	ReplayConcurrency      int    `yaml:"replayConcurrency"`
	SendRateLimitPerMinute int    `yaml:"sendRateLimitPerMinute"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	JWTSecret      string   `yaml:"jwtSecret"`
	JWTIssuer      string   `yaml:"jwtIssuer"`
	JWTAudience    string   `yaml:"jwtAudience"`
	JWTLeeway      string   `yaml:"jwtLeeway"`
	AllowedOrigins []string `yaml:"allowedOrigins"`

	GenerationProvider string  `yaml:"generationProvider"`
	GenerationBaseURL  string  `yaml:"generationBaseURL"`
	GenerationAPIKey   string  `yaml:"generationAPIKey"`
	GenerationModel    string  `yaml:"generationModel"`
	OracleTimeout      string  `yaml:"oracleTimeout"`
	Temperature        float32 `yaml:"temperature"`
	Grounding          bool    `yaml:"grounding"`
	HistoryLimit       int     `yaml:"historyLimit"`
	Persona            string  `yaml:"persona"`

	Pricing           app.PricingPolicy `yaml:"pricing"`
	CoinRate          float64           `yaml:"coinRate"`
	ArrivalMinMinutes int               `yaml:"arrivalMinMinutes"`
	ArrivalMaxMinutes int               `yaml:"arrivalMaxMinutes"`
	FallbackMin       int               `yaml:"fallbackMin"`
	FallbackMax       int               `yaml:"fallbackMax"`
	Timezone          string            `yaml:"timezone"`
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
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
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
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REPAIRHUB_SEND_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SendRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REPAIRHUB_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("GENERATION_PROVIDER"); v != "" {
		cfg.GenerationProvider = v
	}
	if v := os.Getenv("GENERATION_BASE_URL"); v != "" {
		cfg.GenerationBaseURL = v
	}
	if v := os.Getenv("GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("GENERATION_API_KEY"); v != "" {
		cfg.GenerationAPIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GenerationAPIKey = v
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		return errors.New("config: sqlitePath is required (set in config.yaml or SQLITE_PATH)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 16 {
		return errors.New("config: jwtSecret is required and must be at least 16 bytes (set in config.yaml or JWT_SECRET)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.GenerationProvider)) {
	case "", "gemini":
		if strings.TrimSpace(cfg.GenerationAPIKey) == "" {
			return errors.New("config: generationAPIKey is required for gemini (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai", "openai-compat", "ollama":
		if strings.TrimSpace(cfg.GenerationModel) == "" {
			return errors.New("config: generationModel is required (set in config.yaml or GENERATION_MODEL)")
		}
	case "none":
	default:
		return fmt.Errorf("config: unknown generationProvider %q", cfg.GenerationProvider)
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required with minioEndpoint")
	}
	if cfg.SendRateLimitPerMinute < 0 || cfg.ReplayConcurrency < 0 || cfg.HistoryLimit < 0 {
		return errors.New("config: sendRateLimitPerMinute, replayConcurrency and historyLimit must be >= 0")
	}
	if cfg.SendRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for send rate limiting")
	}
	if cfg.CoinRate < 0 || cfg.CoinRate > 1 {
		return errors.New("config: coinRate must be between 0 and 1")
	}
	if cfg.ArrivalMinMinutes < 0 || (cfg.ArrivalMaxMinutes > 0 && cfg.ArrivalMaxMinutes < cfg.ArrivalMinMinutes) {
		return errors.New("config: arrivalMinMinutes must be >= 0 and not exceed arrivalMaxMinutes")
	}
	for field, value := range map[string]string{"remoteTimeout": cfg.RemoteTimeout, "oracleTimeout": cfg.OracleTimeout, "jwtLeeway": cfg.JWTLeeway} {
		if _, err := ParseDuration(field, value); err != nil {
			return err
		}
	}
	if _, err := LoadLocation(cfg.Timezone); err != nil {
		return err
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

// ParseDuration parses an optional duration string; empty yields zero.
func ParseDuration(field, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", field, err)
	}
	return dur, nil
}

// LoadLocation resolves the timezone used for arrival times; empty means local.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone: %w", err)
	}
	return loc, nil
}

// BookingPolicy converts the booking settings.
func (c FileConfig) BookingPolicy() (app.Policy, error) {
	loc, err := LoadLocation(c.Timezone)
	if err != nil {
		return app.Policy{}, err
	}
	return app.Policy{
		CoinRate:    c.CoinRate,
		FallbackMin: c.FallbackMin,
		FallbackMax: c.FallbackMax,
		ArrivalMin:  time.Duration(c.ArrivalMinMinutes) * time.Minute,
		ArrivalMax:  time.Duration(c.ArrivalMaxMinutes) * time.Minute,
		Location:    loc,
	}, nil
}

// OracleConfig converts the oracle settings.
func (c FileConfig) OracleConfig() (app.OracleConfig, error) {
	timeout, err := ParseDuration("oracleTimeout", c.OracleTimeout)
	if err != nil {
		return app.OracleConfig{}, err
	}
	return app.OracleConfig{
		Timeout:      timeout,
		Temperature:  c.Temperature,
		Grounding:    c.Grounding,
		HistoryLimit: c.HistoryLimit,
		Persona:      c.Persona,
		Pricing:      c.Pricing,
	}, nil
}

func (c FileConfig) GeneratorConfig() app.GeneratorConfig {
	return app.GeneratorConfig{
		Provider: c.GenerationProvider,
		APIKey:   c.GenerationAPIKey,
		BaseURL:  c.GenerationBaseURL,
		Model:    c.GenerationModel,
	}
}
