// Package config loads profilehub settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when neither -config nor PROFILEHUB_CONFIG is set.
const DefaultPath = "config.yaml"

// EnvPath names the environment variable holding the config path.
const EnvPath = "PROFILEHUB_CONFIG"

// Blob backends.
const (
	BlobBackendFile  = "file"
	BlobBackendMinio = "minio"
)

// Config represents configuration loaded from YAML.
type Config struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	LogFormat      string   `yaml:"logFormat"`
	MaxConnections int      `yaml:"maxConnections"`
	TrustedProxies []string `yaml:"trustedProxies"`
	CORSOrigins    []string `yaml:"corsOrigins"`

	// Empty DatabaseURL or RedisAddr selects the in-process implementations.
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionTTL          string            `yaml:"sessionTTL"`
	RefreshTTL          string            `yaml:"refreshTTL"`
	JWTPrivateKeyPath   string            `yaml:"jwtPrivateKeyPath"`
	JWTKeyID            string            `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys map[string]string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string            `yaml:"jwtIssuer"`
	JWTAudience         string            `yaml:"jwtAudience"`
	JWTLeeway           string            `yaml:"jwtLeeway"`

	BlobBackend        string `yaml:"blobBackend"`
	MediaRoot          string `yaml:"mediaRoot"`
	MediaBaseURL       string `yaml:"mediaBaseURL"`
	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`
	MinioPresignExpiry string `yaml:"minioPresignExpiry"`
	MaxUploadBytes     int64  `yaml:"maxUploadBytes"`

	RabbitMQURL    string `yaml:"rabbitmqURL"`
	EventsExchange string `yaml:"eventsExchange"`

	RegisterRateLimitPerMinute int    `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute    int    `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute  int    `yaml:"refreshRateLimitPerMinute"`
	PasswordRateLimitPerMinute int    `yaml:"passwordRateLimitPerMinute"`
	AlertPrefix                string `yaml:"alertPrefix"`
}

// Durations holds the parsed duration settings. Zero means "use the default".
type Durations struct {
	SessionTTL    time.Duration
	RefreshTTL    time.Duration
	JWTLeeway     time.Duration
	PresignExpiry time.Duration
}

// ResolvePath picks the config file: the flag value, then PROFILEHUB_CONFIG,
// then DefaultPath.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path, applies environment overrides and validates the result.
// A missing DefaultPath is not an error so deployments can rely on the
// environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"PORT", &cfg.Port},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"LOG_FORMAT", &cfg.LogFormat},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"REFRESH_TTL", &cfg.RefreshTTL},
		{"JWT_PRIVATE_KEY_PATH", &cfg.JWTPrivateKeyPath},
		{"JWT_KEY_ID", &cfg.JWTKeyID},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"BLOB_BACKEND", &cfg.BlobBackend},
		{"MEDIA_ROOT", &cfg.MediaRoot},
		{"MEDIA_BASE_URL", &cfg.MediaBaseURL},
		{"MINIO_ENDPOINT", &cfg.MinioEndpoint},
		{"MINIO_ACCESS_KEY", &cfg.MinioAccessKey},
		{"MINIO_SECRET_KEY", &cfg.MinioSecretKey},
		{"MINIO_BUCKET", &cfg.MinioBucket},
		{"MINIO_PRESIGN_EXPIRY", &cfg.MinioPresignExpiry},
		{"RABBITMQ_URL", &cfg.RabbitMQURL},
		{"EVENTS_EXCHANGE", &cfg.EventsExchange},
		{"ALERT_PREFIX", &cfg.AlertPrefix},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"MAX_CONNECTIONS", &cfg.MaxConnections},
		{"REGISTER_RATE_LIMIT_PER_MINUTE", &cfg.RegisterRateLimitPerMinute},
		{"LOGIN_RATE_LIMIT_PER_MINUTE", &cfg.LoginRateLimitPerMinute},
		{"REFRESH_RATE_LIMIT_PER_MINUTE", &cfg.RefreshRateLimitPerMinute},
		{"PASSWORD_RATE_LIMIT_PER_MINUTE", &cfg.PasswordRateLimitPerMinute},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s must be an integer: %w", i.env, err)
			}
			*i.dst = n
		}
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: MAX_UPLOAD_BYTES must be an integer: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MINIO_USE_SSL must be a boolean: %w", err)
		}
		cfg.MinioUseSSL = b
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		keys, err := ParseVerifyPublicKeys(v)
		if err != nil {
			return err
		}
		cfg.JWTVerifyPublicKeys = keys
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	cfg.BlobBackend = strings.ToLower(strings.TrimSpace(cfg.BlobBackend))
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = BlobBackendFile
	}
	if cfg.BlobBackend == BlobBackendFile && cfg.MediaRoot == "" {
		cfg.MediaRoot = "media"
	}
}

func validateConfig(cfg Config) error {
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("config: port must be numeric, got %q", cfg.Port)
	}
	switch cfg.BlobBackend {
	case BlobBackendFile:
	case BlobBackendMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio blob backend")
		}
	default:
		return fmt.Errorf("config: unknown blobBackend %q", cfg.BlobBackend)
	}
	if _, err := cfg.Durations(); err != nil {
		return err
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 || cfg.PasswordRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 || cfg.MaxConnections < 0 {
		return errors.New("config: maxUploadBytes and maxConnections must be >= 0")
	}
	return nil
}

// Durations parses the duration settings.
func (c Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessionTTL", c.SessionTTL, &d.SessionTTL},
		{"refreshTTL", c.RefreshTTL, &d.RefreshTTL},
		{"jwtLeeway", c.JWTLeeway, &d.JWTLeeway},
		{"minioPresignExpiry", c.MinioPresignExpiry, &d.PresignExpiry},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return Durations{}, fmt.Errorf("config: invalid %s duration: %w", f.name, err)
		}
		if v < 0 {
			return Durations{}, fmt.Errorf("config: %s must not be negative", f.name)
		}
		*f.dst = v
	}
	return d, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitList(raw) {
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("config: invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
