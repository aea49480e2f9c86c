package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret            string `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`
	LoginRatePerMinute    int    `envconfig:"LOGIN_RATE_PER_MINUTE" default:"10"`

	SubmissionTTLSeconds int  `envconfig:"SUBMISSION_TTL_SECONDS" default:"600"`
	CartIdleMinutes      int  `envconfig:"CART_IDLE_MINUTES" default:"240"`
	EnforceCreditLimit   bool `envconfig:"ENFORCE_CREDIT_LIMIT" default:"false"`
}

// Load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)

	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.SubmissionTTLSeconds < 1 {
		cfg.SubmissionTTLSeconds = 600
	}
	if cfg.CartIdleMinutes < 1 {
		cfg.CartIdleMinutes = 240
	}
	if cfg.LoginRatePerMinute < 1 {
		cfg.LoginRatePerMinute = 10
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) SubmissionTTL() time.Duration {
	return time.Duration(c.SubmissionTTLSeconds) * time.Second
}

func (c Config) CartIdleTTL() time.Duration {
	return time.Duration(c.CartIdleMinutes) * time.Minute
}
