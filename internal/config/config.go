package config

import (
	"os"
	"time"
)

// Config holds all environment-driven server settings.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	JWTSecret     string
	TokenLifetime time.Duration

	// RequireVerifiedJoin controls whether a realtime join must carry the
	// same user identity that the connection's bearer token was issued for.
	// When false, the client-asserted identity is trusted as-is.
	RequireVerifiedJoin bool

	MigrationsPath string
}

func LoadConfig() (*Config, error) {
	lifetime := 24 * time.Hour
	if raw := os.Getenv("TOKEN_LIFETIME"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			lifetime = d
		}
	}

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            getEnv("REDIS_URL", "localhost:6379"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-do-not-use-in-prod"),
		TokenLifetime:       lifetime,
		RequireVerifiedJoin: getEnv("REQUIRE_VERIFIED_JOIN", "false") == "true",
		MigrationsPath:      getEnv("MIGRATIONS_PATH", "migrations"),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
