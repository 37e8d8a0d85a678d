package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	Port             string
	Environment      string
	LogLevel         string
	AllowedOrigins   []string
	JWTSecret        string
	ICEServers       []string
	SubscribeTimeout time.Duration
	Redis            RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// DefaultICEServer is used when ICE_SERVERS is unset
const DefaultICEServer = "stun:stun.l.google.com:19302"

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	return &Config{
		Port:             getEnv("PORT", "8080"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:   origins,
		JWTSecret:        getEnv("JWT_SECRET", "change-me-in-production"),
		ICEServers:       splitList(getEnv("ICE_SERVERS", DefaultICEServer)),
		SubscribeTimeout: getDuration("SUBSCRIBE_TIMEOUT", 10*time.Second),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
	}
}

// IsProduction reports whether the service runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
