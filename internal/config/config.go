package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
}

const defaultJWTSecret = "dev-secret-change-me"

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=techmeet port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
	}
}

// Validate 在启动时兜底检查配置，非 dev 环境不允许使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default jwt secret is not allowed outside dev")
	}
	return nil
}
