package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-auth-nosql/internal/domain"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendDynamo = "dynamo"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort  string
	AppEnv   string
	LogLevel string

	StoreBackend string

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiry         time.Duration
	RefreshTokenTTL   time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	SNSRegion    string

	CodeTTLs           map[domain.Purpose]time.Duration
	NotifyTimeout      time.Duration
	SessionIdleTimeout time.Duration
	MaxActiveSessions  int
	SweepInterval      time.Duration

	TOTPIssuer       string
	DenylistPath     string
	DenylistS3Bucket string
	DenylistS3Key    string

	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies lists peer addresses or CIDRs whose forwarding headers are believed.
	TrustedProxies []string
	AllowedOrigins []string // CORS allowed origins
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	Users         string
	Sessions      string
	Verifications string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:      getEnv("APP_PORT", "3000"),
		AppEnv:       getEnv("APP_ENV", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		StoreBackend: getEnv("STORE_BACKEND", BackendDynamo),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			Users:         getEnv("DYNAMO_TABLE_USERS", "users"),
			Sessions:      getEnv("DYNAMO_TABLE_SESSIONS", "sessions"),
			Verifications: getEnv("DYNAMO_TABLE_VERIFICATIONS", "verification_records"),
		},

		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "authcore:"),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiry:         getEnvDuration("JWT_EXPIRY", 15*time.Minute),
		RefreshTokenTTL:   getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnvInt("SMTP_PORT", 1025),
		SMTPFrom:     getEnv("SMTP_FROM", "noreply@example.com"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SNSRegion:    getEnv("SNS_REGION", "us-east-1"),

		CodeTTLs: map[domain.Purpose]time.Duration{
			domain.PurposeEmail2FA:       getEnvDuration("CODE_TTL_EMAIL_2FA", 10*time.Minute),
			domain.PurposeLoginEmail:     getEnvDuration("CODE_TTL_LOGIN_EMAIL", 10*time.Minute),
			domain.PurposePasswordReset:  getEnvDuration("CODE_TTL_PASSWORD_RESET", 10*time.Minute),
			domain.PurposeTOTPSetup:      getEnvDuration("CODE_TTL_TOTP_SETUP", 15*time.Minute),
			domain.PurposePhoneConfirm:   getEnvDuration("CODE_TTL_PHONE_CONFIRM", 10*time.Minute),
			domain.PurposeLoginChallenge: getEnvDuration("CODE_TTL_LOGIN_CHALLENGE", 5*time.Minute),
		},
		NotifyTimeout:      getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		MaxActiveSessions:  getEnvInt("SESSION_MAX_ACTIVE_PER_USER", 0),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),

		TOTPIssuer:       getEnv("TOTP_ISSUER", "go-auth-nosql"),
		DenylistPath:     getEnv("DENYLIST_PATH", ""),
		DenylistS3Bucket: getEnv("DENYLIST_S3_BUCKET", ""),
		DenylistS3Key:    getEnv("DENYLIST_S3_KEY", ""),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),
		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("10m", "90s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
