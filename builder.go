package authcore

import (
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veldtlabs/authcore/actiontoken"
	"github.com/veldtlabs/authcore/internal/rate"
	"github.com/veldtlabs/authcore/jwt"
	"github.com/veldtlabs/authcore/password"
	"github.com/veldtlabs/authcore/refresh"
)

// DefaultConfig returns the baseline configuration. Callers fill in the
// key material and hand the result to Builder.WithConfig.
func DefaultConfig() Config {
	return defaultConfig()
}

// Builder assembles an Engine. Redis and an AccountStore are mandatory;
// everything else has a default.
type Builder struct {
	config    Config
	configSet bool
	redis     goredis.UniversalClient
	store     AccountStore
	hasher    CredentialHasher
	mailer    MailSender
	clock     func() time.Time
	sink      AuditSink
}

// New starts a Builder.
func New() *Builder {
	return &Builder{}
}

// WithConfig sets the full configuration. Without it Build runs on
// DefaultConfig, which fails validation until key material is provided.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.configSet = true
	return b
}

// WithRedis sets the shared key-value backend.
func (b *Builder) WithRedis(client goredis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAccountStore sets the account persistence collaborator.
func (b *Builder) WithAccountStore(store AccountStore) *Builder {
	b.store = store
	return b
}

// WithMailSender sets the outbound mail collaborator. Without one, flows
// that mail tokens still commit their state changes and report the mail
// as unsent.
func (b *Builder) WithMailSender(mailer MailSender) *Builder {
	b.mailer = mailer
	return b
}

// WithHasher overrides the default argon2id credential hasher.
func (b *Builder) WithHasher(hasher CredentialHasher) *Builder {
	b.hasher = hasher
	return b
}

// WithClock overrides time.Now, mainly for tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithAuditSink sets where audit events go. Default is NoOpSink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// Build validates the configuration, wires every subsystem, and returns a
// ready Engine. The Builder can be discarded afterwards.
func (b *Builder) Build() (*Engine, error) {
	cfg := defaultConfig()
	if b.configSet {
		cfg = cloneConfig(b.config)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("build: redis client is required")
	}
	if b.store == nil {
		return nil, errors.New("build: account store is required")
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	hasher := b.hasher
	if hasher == nil {
		var err error
		hasher, err = password.NewArgon2(cfg.Password.Argon2)
		if err != nil {
			return nil, err
		}
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: cfg.JWT.SigningMethod,
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	}, clock)
	if err != nil {
		return nil, err
	}

	sessions, err := refresh.New(b.redis, refresh.Config{
		TTL:    cfg.Refresh.TTL,
		Prefix: cfg.Refresh.KeyPrefix,
	}, clock)
	if err != nil {
		return nil, err
	}

	tokens, err := actiontoken.NewSigner(cfg.ActionToken.Key, b.redis, clock)
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:   cfg,
		store:    b.store,
		hasher:   hasher,
		mailer:   b.mailer,
		redis:    b.redis,
		clock:    clock,
		jwt:      jwtManager,
		sessions: sessions,
		lockout:  newLockoutPolicy(b.redis, cfg.Lockout, clock),
		limiter:  rate.New(b.redis, cfg.RateLimit.KeyPrefix),
		totp:     newTOTPVerifier(cfg.TwoFactor),
		tokens:   tokens,
		audit:    newAuditDispatcher(cfg.Audit, b.sink),
		metrics:  newMetrics(cfg.Metrics),
	}, nil
}
