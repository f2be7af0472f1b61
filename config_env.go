package authcore

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ConfigFromEnv builds a Config from AUTHCORE_* environment variables on
// top of DefaultConfig. A .env file in the working directory is loaded
// first when present. Keys are base64; AUTHCORE_JWT_KEY and
// AUTHCORE_ACTION_TOKEN_KEY are required.
func ConfigFromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	jwtKey, err := requiredKey("AUTHCORE_JWT_KEY")
	if err != nil {
		return Config{}, err
	}
	cfg.JWT.PrivateKey = jwtKey

	actionKey, err := requiredKey("AUTHCORE_ACTION_TOKEN_KEY")
	if err != nil {
		return Config{}, err
	}
	cfg.ActionToken.Key = actionKey

	if v := os.Getenv("AUTHCORE_JWT_ISSUER"); v != "" {
		cfg.JWT.Issuer = v
	}
	if v := os.Getenv("AUTHCORE_2FA_ISSUER"); v != "" {
		cfg.TwoFactor.Issuer = v
	}
	if v := os.Getenv("AUTHCORE_DEFAULT_ROLE"); v != "" {
		cfg.Account.DefaultRole = v
	}

	if d, err := envDuration("AUTHCORE_ACCESS_TTL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.JWT.AccessTTL = d
	}
	if d, err := envDuration("AUTHCORE_REFRESH_TTL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.Refresh.TTL = d
	}

	if v := os.Getenv("AUTHCORE_REQUIRE_CONFIRMED_EMAIL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: AUTHCORE_REQUIRE_CONFIRMED_EMAIL: %v", err)
		}
		cfg.Account.RequireConfirmedEmail = b
	}
	if v := os.Getenv("AUTHCORE_LOCKOUT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: AUTHCORE_LOCKOUT_THRESHOLD: %v", err)
		}
		cfg.Lockout.Threshold = n
	}

	return cfg, nil
}

func requiredKey(name string) ([]byte, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("config: %s is required", name)
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not valid base64: %v", name, err)
	}
	return key, nil
}

func envDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %v", name, err)
	}
	return d, nil
}
