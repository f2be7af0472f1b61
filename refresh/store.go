package refresh

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veldtlabs/authcore/internal/secrets"
)

// Status classifies a presented token without consuming it.
type Status uint8

const (
	// StatusUnknown covers malformed tokens and records that never
	// existed or already aged out of retention.
	StatusUnknown Status = iota
	// StatusValid means the token would rotate successfully right now.
	StatusValid
	// StatusExpired means the record exists but its deadline passed.
	StatusExpired
	// StatusRevoked means the token was rotated away or revoked.
	StatusRevoked
)

var (
	// ErrInvalid covers unknown, expired, and malformed tokens. Reuse is
	// folded into this error at the engine boundary; inside the store it
	// surfaces as ErrReuse so callers can count it.
	ErrInvalid = errors.New("invalid refresh token")

	// ErrReuse indicates a token that was already rotated or revoked was
	// presented again. The store revokes the whole account chain before
	// returning it.
	ErrReuse = errors.New("refresh token reuse detected")

	// ErrBackendUnavailable indicates the Redis backend is unreachable.
	ErrBackendUnavailable = errors.New("refresh backend unavailable")
)

// Token is a freshly issued refresh token. Opaque is the only part that
// leaves the process; everything else is bookkeeping.
type Token struct {
	ID        uuid.UUID
	AccountID string
	Opaque    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config tunes the store.
type Config struct {
	// TTL is the validity window of each token and, transitively, the
	// retention window of its revoked record.
	TTL time.Duration
	// Prefix namespaces all keys; defaults to "art".
	Prefix string
}

// Store persists refresh tokens in Redis. Safe for concurrent use.
type Store struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// New creates a Store. now may be nil for time.Now.
func New(redisClient redis.UniversalClient, cfg Config, now func() time.Time) (*Store, error) {
	if redisClient == nil {
		return nil, errors.New("refresh store requires a redis client")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("refresh TTL must be positive")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "art"
	}
	if now == nil {
		now = time.Now
	}
	return &Store{redis: redisClient, config: cfg, now: now}, nil
}

func (s *Store) tokenKey(id uuid.UUID) string {
	return s.config.Prefix + ":t:" + id.String()
}

func (s *Store) accountKey(accountID string) string {
	return s.config.Prefix + ":a:" + accountID
}

// IssueNew mints an independent refresh token for the account, outside any
// rotation chain. Used at login and external login.
func (s *Store) IssueNew(ctx context.Context, accountID string) (Token, error) {
	if accountID == "" {
		return Token{}, errors.New("empty account id")
	}

	token, encoded, err := s.mint(accountID)
	if err != nil {
		return Token{}, err
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.tokenKey(token.ID), encoded, s.config.TTL)
	pipe.SAdd(ctx, s.accountKey(accountID), token.ID.String())
	pipe.Expire(ctx, s.accountKey(accountID), s.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return token, nil
}

// Validate classifies a presented token without consuming it. The second
// return value is the owning account id when the record was found.
func (s *Store) Validate(ctx context.Context, opaque string) (Status, string, error) {
	id, secret, err := secrets.DecodeToken(opaque)
	if err != nil {
		return StatusUnknown, "", nil
	}

	data, err := s.redis.Get(ctx, s.tokenKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusUnknown, "", nil
	}
	if err != nil {
		return StatusUnknown, "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return StatusUnknown, "", nil
	}

	hash := secrets.Hash(secret)
	if subtle.ConstantTimeCompare(hash[:], rec.SecretHash[:]) != 1 {
		return StatusUnknown, "", nil
	}

	switch {
	case rec.RevokedAt != 0:
		return StatusRevoked, rec.AccountID, nil
	case s.now().Unix() >= rec.ExpiresAt:
		return StatusExpired, rec.AccountID, nil
	default:
		return StatusValid, rec.AccountID, nil
	}
}

// Rotate consumes the presented token and returns its successor. Exactly
// one concurrent caller wins; losers observe the now-revoked record and
// get ErrReuse, which also revokes every live token of the account. On
// ErrReuse the returned Token carries only the owning AccountID.
func (s *Store) Rotate(ctx context.Context, opaque string) (Token, error) {
	id, secret, err := secrets.DecodeToken(opaque)
	if err != nil {
		return Token{}, ErrInvalid
	}

	key := s.tokenKey(id)
	providedHash := secrets.Hash(secret)

	const maxRetries = 4
	for attempt := 0; attempt < maxRetries; attempt++ {
		var (
			issued    Token
			reuseAcct string
		)

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrInvalid
			}
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}

			rec, err := decodeRecord(data)
			if err != nil {
				return ErrInvalid
			}

			if subtle.ConstantTimeCompare(providedHash[:], rec.SecretHash[:]) != 1 {
				return ErrInvalid
			}

			if rec.RevokedAt != 0 {
				reuseAcct = rec.AccountID
				return ErrReuse
			}

			now := s.now()
			if now.Unix() >= rec.ExpiresAt {
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, s.accountKey(rec.AccountID), id.String())
					return nil
				})
				if err != nil {
					return err
				}
				return ErrInvalid
			}

			next, nextEncoded, err := s.mint(rec.AccountID)
			if err != nil {
				return err
			}

			rec.RevokedAt = now.Unix()
			oldEncoded, err := encodeRecord(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				// The revoked record keeps its remaining TTL so reuse
				// stays detectable for the rest of the window.
				pipe.Set(ctx, key, oldEncoded, redis.KeepTTL)
				pipe.Set(ctx, s.tokenKey(next.ID), nextEncoded, s.config.TTL)
				pipe.SAdd(ctx, s.accountKey(rec.AccountID), next.ID.String())
				pipe.Expire(ctx, s.accountKey(rec.AccountID), s.config.TTL)
				return nil
			})
			if err != nil {
				return err
			}

			issued = next
			return nil
		}, key)

		switch {
		case err == nil:
			return issued, nil
		case errors.Is(err, redis.TxFailedErr):
			// Lost the race; re-read. The winner left a revoked record,
			// so the retry resolves to ErrReuse.
			continue
		case errors.Is(err, ErrReuse):
			if revErr := s.RevokeAll(ctx, reuseAcct); revErr != nil {
				return Token{}, revErr
			}
			// The owning account travels with the error so callers can
			// attribute the reuse.
			return Token{AccountID: reuseAcct}, ErrReuse
		case errors.Is(err, ErrInvalid), errors.Is(err, ErrBackendUnavailable):
			return Token{}, err
		default:
			return Token{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	return Token{}, fmt.Errorf("%w: rotation contention not resolved", ErrBackendUnavailable)
}

// Revoke marks a single token revoked. Unknown or already-revoked tokens
// are a no-op, so logout is idempotent.
func (s *Store) Revoke(ctx context.Context, opaque string) error {
	id, secret, err := secrets.DecodeToken(opaque)
	if err != nil {
		return nil
	}

	data, err := s.redis.Get(ctx, s.tokenKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil || rec.RevokedAt != 0 {
		return nil
	}

	hash := secrets.Hash(secret)
	if subtle.ConstantTimeCompare(hash[:], rec.SecretHash[:]) != 1 {
		return nil
	}

	return s.markRevoked(ctx, s.tokenKey(id), rec)
}

// RevokeAll revokes every live token of the account. Concurrent issuance
// can race this scan; a token issued after the SMEMBERS read survives,
// which matches the semantics of revoking "all tokens that exist now".
func (s *Store) RevokeAll(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}

	ids, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}

		key := s.tokenKey(id)
		data, err := s.redis.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		rec, err := decodeRecord(data)
		if err != nil || rec.RevokedAt != 0 || rec.AccountID != accountID {
			continue
		}
		if err := s.markRevoked(ctx, key, rec); err != nil {
			return err
		}
	}

	return nil
}

// ActiveCount reports how many unexpired, unrevoked tokens the account
// holds. Intended for diagnostics and tests.
func (s *Store) ActiveCount(ctx context.Context, accountID string) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	active := 0
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		data, err := s.redis.Get(ctx, s.tokenKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}
		if rec.RevokedAt == 0 && s.now().Unix() < rec.ExpiresAt {
			active++
		}
	}
	return active, nil
}

func (s *Store) markRevoked(ctx context.Context, key string, rec *record) error {
	rec.RevokedAt = s.now().Unix()
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key, encoded, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Store) mint(accountID string) (Token, []byte, error) {
	secret, err := secrets.NewSecret()
	if err != nil {
		return Token{}, nil, err
	}

	id := uuid.New()
	now := s.now()
	rec := &record{
		AccountID:  accountID,
		SecretHash: secrets.Hash(secret),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(s.config.TTL).Unix(),
	}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return Token{}, nil, err
	}

	return Token{
		ID:        id,
		AccountID: accountID,
		Opaque:    secrets.EncodeToken(id, secret),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.TTL),
	}, encoded, nil
}
