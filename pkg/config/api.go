package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// MasterSecret feeds the credential cipher key derivation.
	MasterSecret string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	// DefaultRegion is reported for cluster endpoints that match no
	// region heuristic.
	DefaultRegion string

	EnvironmentImage     string
	EnvironmentNamespace string
	ReadinessTimeout     time.Duration
	ConnectTimeout       time.Duration
	LogTailLines         int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":8000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://devpocket:devpocket@db:5432/devpocket?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:       GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:  GetDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: GetDuration("REFRESH_TOKEN_TTL", 24*time.Hour),

		MasterSecret: GetString("KUBECONFIG_ENCRYPTION_KEY", "supersecuresecret"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		DefaultRegion: GetString("CLUSTER_DEFAULT_REGION", "us-east-1"),

		EnvironmentImage:     GetString("ENVIRONMENT_IMAGE", "ubuntu:22.04"),
		EnvironmentNamespace: GetString("ENVIRONMENT_NAMESPACE_PREFIX", "devpocket-env"),
		ReadinessTimeout:     GetDuration("ENVIRONMENT_READINESS_TIMEOUT", 2*time.Minute),
		ConnectTimeout:       GetDuration("CLUSTER_CONNECT_TIMEOUT", 10*time.Second),
		LogTailLines:         GetInt("ENVIRONMENT_LOG_TAIL_LINES", 500),
	}
}
