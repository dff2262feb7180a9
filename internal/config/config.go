package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Platform PlatformConfig
	Linking  LinkingConfig
	Email    EmailConfig
	Cache    CacheConfig
	Dispatch DispatchConfig
	Media    MediaConfig
	Auth     AuthConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig holds the Postgres connection string and pool sizing.
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnectTimeout     time.Duration
}

// PlatformConfig describes the OAuth application registered with the
// external platform and the endpoints used to reach it.
type PlatformConfig struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	BearerToken       string
	Scopes            []string
	AuthorizeURL      string
	APIBaseURL        string
	UploadBaseURL     string
	RequestsPerSecond float64
	CallTimeout       time.Duration
}

// LinkingConfig controls lifetimes of linking state and verification codes.
type LinkingConfig struct {
	StateTTL         time.Duration
	EmailCodeTTL     time.Duration
	ChallengeCodeTTL time.Duration
	ChallengePrefix  string
	CredentialsKey   []byte
}

// EmailConfig holds SMTP settings for verification mail.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLSMode  string
	// LogOnly lets a deployment without SMTP log verification mail and
	// report it delivered. Development only.
	LogOnly bool
}

// CacheConfig selects the backend for short-lived linking state.
type CacheConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
}

// DispatchConfig controls the scheduled dispatch loop.
type DispatchConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	PostTimeout time.Duration
	Lease       time.Duration
}

// MediaConfig selects where media referenced by posts is read from.
type MediaConfig struct {
	Driver      string
	Root        string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// AuthConfig holds bearer token validation settings for the HTTP API.
type AuthConfig struct {
	JWTSecret     string
	TokenDuration time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultMaxConnections     = 20
	defaultMaxIdleConnections = 5
	defaultConnMaxLifetime    = 5 * time.Minute
	defaultConnectTimeout     = 10 * time.Second

	defaultAuthorizeURL      = "https://x.com/i/oauth2/authorize"
	defaultAPIBaseURL        = "https://api.x.com"
	defaultUploadBaseURL     = "https://api.x.com"
	defaultScopes            = "tweet.read tweet.write users.read media.write offline.access"
	defaultRequestsPerSecond = 5.0
	defaultCallTimeout       = 30 * time.Second

	defaultStateTTL         = time.Hour
	defaultEmailCodeTTL     = 5 * time.Minute
	defaultChallengeCodeTTL = time.Hour
	defaultChallengePrefix  = "LINK"

	defaultSMTPPort    = 587
	defaultSMTPTLSMode = "auto"

	defaultCacheDriver = "memory"
	defaultCachePrefix = "postlink:"

	defaultDispatchInterval    = 5 * time.Minute
	defaultDispatchBatchSize   = 10
	defaultDispatchPostTimeout = 30 * time.Second
	defaultDispatchLease       = 10 * time.Minute

	defaultMediaDriver = "fs"
	defaultMediaRoot   = "./media"

	defaultTokenDuration = 24 * time.Hour
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided. A .env file in the working directory is loaded
// first when present; real environment variables take precedence.
func Load() (Config, error) {
	_ = godotenv.Load()

	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
			AllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			MaxConnections:     defaultMaxConnections,
			MaxIdleConnections: defaultMaxIdleConnections,
			ConnMaxLifetime:    defaultConnMaxLifetime,
			ConnectTimeout:     defaultConnectTimeout,
		},
		Platform: PlatformConfig{
			ClientID:          os.Getenv("X_CLIENT_ID"),
			ClientSecret:      os.Getenv("X_CLIENT_SECRET"),
			RedirectURL:       os.Getenv("X_REDIRECT_URL"),
			BearerToken:       os.Getenv("X_BEARER_TOKEN"),
			Scopes:            splitList(getEnv("X_SCOPES", defaultScopes), " "),
			AuthorizeURL:      getEnv("X_AUTHORIZE_URL", defaultAuthorizeURL),
			APIBaseURL:        strings.TrimRight(getEnv("X_API_BASE_URL", defaultAPIBaseURL), "/"),
			UploadBaseURL:     strings.TrimRight(getEnv("X_UPLOAD_BASE_URL", defaultUploadBaseURL), "/"),
			RequestsPerSecond: defaultRequestsPerSecond,
			CallTimeout:       defaultCallTimeout,
		},
		Linking: LinkingConfig{
			StateTTL:         defaultStateTTL,
			EmailCodeTTL:     defaultEmailCodeTTL,
			ChallengeCodeTTL: defaultChallengeCodeTTL,
			ChallengePrefix:  getEnv("CHALLENGE_PREFIX", defaultChallengePrefix),
		},
		Email: EmailConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     defaultSMTPPort,
			Username: os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
			TLSMode:  getEnv("SMTP_TLS_MODE", defaultSMTPTLSMode),
		},
		Cache: CacheConfig{
			Driver:        getEnv("CACHE_DRIVER", defaultCacheDriver),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			Prefix:        getEnv("CACHE_PREFIX", defaultCachePrefix),
		},
		Dispatch: DispatchConfig{
			Enabled:     true,
			Interval:    defaultDispatchInterval,
			BatchSize:   defaultDispatchBatchSize,
			PostTimeout: defaultDispatchPostTimeout,
			Lease:       defaultDispatchLease,
		},
		Media: MediaConfig{
			Driver:      getEnv("MEDIA_DRIVER", defaultMediaDriver),
			Root:        getEnv("MEDIA_ROOT", defaultMediaRoot),
			S3Bucket:    os.Getenv("S3_BUCKET"),
			S3Prefix:    os.Getenv("S3_PREFIX"),
			S3Region:    os.Getenv("S3_REGION"),
			S3Endpoint:  os.Getenv("S3_ENDPOINT"),
			S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		},
		Auth: AuthConfig{
			JWTSecret:     os.Getenv("AUTH_JWT_SECRET"),
			TokenDuration: defaultTokenDuration,
		},
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout},
		{"X_CALL_TIMEOUT_SECONDS", &cfg.Platform.CallTimeout},
		{"LINK_STATE_TTL_SECONDS", &cfg.Linking.StateTTL},
		{"EMAIL_CODE_TTL_SECONDS", &cfg.Linking.EmailCodeTTL},
		{"CHALLENGE_CODE_TTL_SECONDS", &cfg.Linking.ChallengeCodeTTL},
		{"DISPATCH_INTERVAL_SECONDS", &cfg.Dispatch.Interval},
		{"DISPATCH_POST_TIMEOUT_SECONDS", &cfg.Dispatch.PostTimeout},
		{"DISPATCH_LEASE_SECONDS", &cfg.Dispatch.Lease},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = parsed
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections},
		{"DB_MAX_IDLE_CONNECTIONS", &cfg.Database.MaxIdleConnections},
		{"SMTP_PORT", &cfg.Email.Port},
		{"REDIS_DB", &cfg.Cache.RedisDB},
		{"DISPATCH_BATCH_SIZE", &cfg.Dispatch.BatchSize},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s: must be a non-negative integer", i.key)
		}
		*i.target = n
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if v := os.Getenv("X_REQUESTS_PER_SECOND"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return Config{}, fmt.Errorf("invalid X_REQUESTS_PER_SECOND: must be a positive number")
		}
		cfg.Platform.RequestsPerSecond = rps
	}

	if v := os.Getenv("EMAIL_LOG_ONLY"); v != "" {
		logOnly, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EMAIL_LOG_ONLY: %w", err)
		}
		cfg.Email.LogOnly = logOnly
	}

	if v := os.Getenv("DISPATCH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DISPATCH_ENABLED: %w", err)
		}
		cfg.Dispatch.Enabled = enabled
	}

	if cfg.Dispatch.BatchSize == 0 {
		return Config{}, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: must be greater than zero")
	}

	switch cfg.Cache.Driver {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return Config{}, fmt.Errorf("REDIS_ADDR is required when CACHE_DRIVER=redis")
		}
	default:
		return Config{}, fmt.Errorf("invalid CACHE_DRIVER: must be 'memory' or 'redis'")
	}

	switch cfg.Media.Driver {
	case "fs":
	case "s3":
		if cfg.Media.S3Bucket == "" {
			return Config{}, fmt.Errorf("S3_BUCKET is required when MEDIA_DRIVER=s3")
		}
	default:
		return Config{}, fmt.Errorf("invalid MEDIA_DRIVER: must be 'fs' or 's3'")
	}

	switch cfg.Email.TLSMode {
	case "auto", "starttls", "ssl", "none":
	default:
		return Config{}, fmt.Errorf("invalid SMTP_TLS_MODE: must be one of auto, starttls, ssl, none")
	}

	if v := os.Getenv("CREDENTIALS_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil || len(key) != 32 {
			return Config{}, fmt.Errorf("invalid CREDENTIALS_KEY: must be 64 hex characters")
		}
		cfg.Linking.CredentialsKey = key
	}

	return cfg, nil
}

// DatabaseURL resolves the Postgres connection string. DATABASE_URL wins;
// otherwise a Cloud SQL unix socket DSN is built from INSTANCE_CONNECTION_NAME,
// DB_USER, DB_PASSWORD and DB_NAME.
func DatabaseURL() (string, error) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		return dbURL, nil
	}

	instance := os.Getenv("INSTANCE_CONNECTION_NAME")
	if instance == "" {
		return "", fmt.Errorf("neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")
	}

	user := os.Getenv("DB_USER")
	name := os.Getenv("DB_NAME")
	if user == "" || name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	socket := fmt.Sprintf("/cloudsql/%s", instance)
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable", socket, user, password, name), nil
	}
	// IAM authentication
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=disable", socket, user, name), nil
}

// LinkingEnabled reports whether enough of the OAuth application is
// configured to start an authorization flow.
func (p PlatformConfig) LinkingEnabled() bool {
	return p.ClientID != "" && p.RedirectURL != ""
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
