package authcore

import (
	"errors"
	"time"

	"github.com/veldtlabs/authcore/jwt"
	"github.com/veldtlabs/authcore/password"
)

// Config is the full tuning surface of the Engine. Zero values are filled
// from defaultConfig by the Builder; Validate rejects what remains
// unusable. Config is copied during Build and never read again.
type Config struct {
	JWT         JWTConfig
	Refresh     RefreshConfig
	Lockout     LockoutConfig
	Password    PasswordConfig
	TwoFactor   TwoFactorConfig
	ActionToken ActionTokenConfig
	RateLimit   RateLimitConfig
	Account     AccountConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

// JWTConfig configures access-token issuance.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod jwt.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// RefreshConfig configures the refresh-token store.
type RefreshConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

// LockoutConfig configures the failed-login lockout policy.
type LockoutConfig struct {
	Enabled bool
	// Threshold is the number of consecutive failures that trigger a
	// lockout.
	Threshold int
	// Window is how long failures accumulate before the counter resets.
	Window time.Duration
	// Cooldown is how long a triggered lockout lasts.
	Cooldown time.Duration
}

// PasswordConfig configures the default hasher and local policy.
type PasswordConfig struct {
	Argon2 password.Params
	// MinLength applies to new passwords in bytes, not runes.
	MinLength int
	// UpgradeOnLogin re-hashes on successful login when the stored hash
	// was minted with weaker costs.
	UpgradeOnLogin bool
}

// TwoFactorConfig configures TOTP and recovery codes.
type TwoFactorConfig struct {
	Issuer             string
	Digits             int
	Period             int
	Skew               int
	Algorithm          string
	RecoveryCodeCount  int
	RecoveryCodeLength int
	// RememberClientTTL is how long a remembered client skips the code
	// prompt. Zero disables remembering.
	RememberClientTTL time.Duration
}

// ActionTokenConfig configures the mailed single-use tokens.
type ActionTokenConfig struct {
	// Key signs confirmation and reset tokens. Rotating it invalidates
	// every outstanding token.
	Key        []byte
	ConfirmTTL time.Duration
	ResetTTL   time.Duration
}

// RateLimitConfig configures the fixed-window quotas.
type RateLimitConfig struct {
	// ResendConfirmationLimit caps confirmation mails per account per
	// ResendConfirmationWindow.
	ResendConfirmationLimit  int
	ResendConfirmationWindow time.Duration
	// ResetRequestLimit caps password-reset mails per account per
	// ResetRequestWindow.
	ResetRequestLimit  int
	ResetRequestWindow time.Duration
	// LoginPerIPLimit throttles login attempts per source IP when the
	// caller attached one via WithClientIP. Zero disables it.
	LoginPerIPLimit  int
	LoginPerIPWindow time.Duration
	KeyPrefix        string
}

// AccountConfig configures registration and login policy.
type AccountConfig struct {
	DefaultRole string
	// RequireConfirmedEmail blocks password login until the address is
	// confirmed.
	RequireConfirmedEmail bool
	// EnumerationDelay pads the miss path of ForgotPassword and
	// ResendConfirmation so timing does not reveal account existence.
	EnumerationDelay time.Duration
}

// AuditConfig configures the audit dispatcher.
type AuditConfig struct {
	Enabled bool
	// BufferSize is the dispatcher queue length.
	BufferSize int
	// Block makes Emit wait for queue space instead of dropping.
	Block bool
}

// MetricsConfig configures the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: jwt.MethodHS256,
			Leeway:        30 * time.Second,
		},
		Refresh: RefreshConfig{
			TTL:       30 * 24 * time.Hour,
			KeyPrefix: "art",
		},
		Lockout: LockoutConfig{
			Enabled:   true,
			Threshold: 5,
			Window:    5 * time.Minute,
			Cooldown:  5 * time.Minute,
		},
		Password: PasswordConfig{
			Argon2: password.Params{
				Memory:      64 * 1024,
				Time:        3,
				Parallelism: 2,
				SaltLength:  16,
				KeyLength:   32,
			},
			MinLength:      10,
			UpgradeOnLogin: true,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:             "authcore",
			Digits:             6,
			Period:             30,
			Skew:               1,
			Algorithm:          "SHA1",
			RecoveryCodeCount:  10,
			RecoveryCodeLength: 12,
			RememberClientTTL:  30 * 24 * time.Hour,
		},
		ActionToken: ActionTokenConfig{
			ConfirmTTL: 24 * time.Hour,
			ResetTTL:   time.Hour,
		},
		RateLimit: RateLimitConfig{
			ResendConfirmationLimit:  3,
			ResendConfirmationWindow: time.Hour,
			ResetRequestLimit:        3,
			ResetRequestWindow:       time.Hour,
			LoginPerIPLimit:          0,
			LoginPerIPWindow:         time.Minute,
			KeyPrefix:                "rl:",
		},
		Account: AccountConfig{
			DefaultRole:           "member",
			RequireConfirmedEmail: true,
			EnumerationDelay:      150 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate reports the first configuration problem found. The Builder
// calls it after merging defaults; hosts embedding a Config elsewhere can
// call it directly.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("config: JWT.AccessTTL must be positive")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("config: JWT.PrivateKey is required")
	}
	if c.Refresh.TTL <= c.JWT.AccessTTL {
		return errors.New("config: Refresh.TTL must exceed JWT.AccessTTL")
	}
	if c.Lockout.Enabled {
		if c.Lockout.Threshold < 1 {
			return errors.New("config: Lockout.Threshold must be >= 1")
		}
		if c.Lockout.Window <= 0 || c.Lockout.Cooldown <= 0 {
			return errors.New("config: Lockout.Window and Lockout.Cooldown must be positive")
		}
	}
	if c.Password.MinLength < 8 {
		return errors.New("config: Password.MinLength must be >= 8")
	}
	if c.TwoFactor.Digits < 6 || c.TwoFactor.Digits > 10 {
		return errors.New("config: TwoFactor.Digits must be between 6 and 10")
	}
	if c.TwoFactor.Period < 15 {
		return errors.New("config: TwoFactor.Period must be >= 15 seconds")
	}
	if c.TwoFactor.Skew < 0 || c.TwoFactor.Skew > 2 {
		return errors.New("config: TwoFactor.Skew must be between 0 and 2")
	}
	if c.TwoFactor.RecoveryCodeCount < 1 {
		return errors.New("config: TwoFactor.RecoveryCodeCount must be >= 1")
	}
	if c.TwoFactor.RecoveryCodeLength < 8 {
		return errors.New("config: TwoFactor.RecoveryCodeLength must be >= 8")
	}
	if len(c.ActionToken.Key) < 32 {
		return errors.New("config: ActionToken.Key must be at least 32 bytes")
	}
	if c.ActionToken.ConfirmTTL <= 0 || c.ActionToken.ResetTTL <= 0 {
		return errors.New("config: ActionToken TTLs must be positive")
	}
	if c.Account.DefaultRole == "" {
		return errors.New("config: Account.DefaultRole is required")
	}
	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return errors.New("config: Audit.BufferSize must be >= 1")
	}
	return nil
}

// cloneConfig deep-copies the byte-slice fields so a caller mutating its
// Config after Build cannot reach into the Engine.
func cloneConfig(c Config) Config {
	out := c
	out.JWT.PrivateKey = append([]byte(nil), c.JWT.PrivateKey...)
	out.JWT.PublicKey = append([]byte(nil), c.JWT.PublicKey...)
	out.ActionToken.Key = append([]byte(nil), c.ActionToken.Key...)
	return out
}
