package actiontoken

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Purpose binds a token to the operation it was minted for. A token issued
// for one purpose never verifies under another.
type Purpose string

const (
	// PurposeConfirmEmail confirms ownership of the registration address.
	PurposeConfirmEmail Purpose = "confirm-email"
	// PurposeResetPassword authorizes a password reset.
	PurposeResetPassword Purpose = "reset-password"
	// PurposeEmailChange confirms ownership of a replacement address.
	PurposeEmailChange Purpose = "email-change"
)

var (
	// ErrInvalid covers malformed tokens, bad signatures, and purpose
	// mismatches. Callers get no finer detail.
	ErrInvalid = errors.New("invalid action token")

	// ErrExpired indicates a well-formed token past its deadline.
	ErrExpired = errors.New("action token expired")

	// ErrConsumed indicates the token was already redeemed.
	ErrConsumed = errors.New("action token already used")

	// ErrBackendUnavailable indicates the single-use guard is unreachable.
	ErrBackendUnavailable = errors.New("action token backend unavailable")
)

const (
	recordVersion = 1
	macSize       = sha256.Size
	minKeySize    = 32
)

// Claims is the verified payload of an action token. Payload carries
// purpose-specific data (the pending address for email changes).
type Claims struct {
	AccountID string
	Payload   string
	ExpiresAt time.Time
}

// Signer mints and redeems action tokens. Safe for concurrent use.
type Signer struct {
	key    []byte
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewSigner requires a key of at least 32 bytes. The Redis client backs
// the single-use guard; now may be nil for time.Now.
func NewSigner(key []byte, redisClient redis.UniversalClient, now func() time.Time) (*Signer, error) {
	if len(key) < minKeySize {
		return nil, errors.New("action token key must be at least 32 bytes")
	}
	if redisClient == nil {
		return nil, errors.New("action token signer requires a redis client")
	}
	if now == nil {
		now = time.Now
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k, redis: redisClient, prefix: "atk:", now: now}, nil
}

// Issue mints a token for the account that expires after ttl.
func (s *Signer) Issue(purpose Purpose, accountID, payload string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.New("empty account id")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	if len(accountID) > 0xFFFF || len(payload) > 0xFFFF {
		return "", errors.New("field too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersion)
	writeField(&buf, accountID)
	writeField(&buf, payload)

	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(s.now().Add(ttl).Unix()))
	buf.Write(exp[:])

	buf.Write(s.mac(purpose, buf.Bytes()))
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Verify checks signature, purpose, and expiry without consuming the
// token. Redemption must go through Consume.
func (s *Signer) Verify(purpose Purpose, token string) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < 1+2+2+8+macSize {
		return Claims{}, ErrInvalid
	}

	body, sig := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	if !hmac.Equal(sig, s.mac(purpose, body)) {
		return Claims{}, ErrInvalid
	}
	if body[0] != recordVersion {
		return Claims{}, ErrInvalid
	}

	rest := body[1:]
	accountID, rest, ok := readField(rest)
	if !ok {
		return Claims{}, ErrInvalid
	}
	payload, rest, ok := readField(rest)
	if !ok || len(rest) != 8 || accountID == "" {
		return Claims{}, ErrInvalid
	}

	claims := Claims{
		AccountID: accountID,
		Payload:   payload,
		ExpiresAt: time.Unix(int64(binary.BigEndian.Uint64(rest)), 0).UTC(),
	}
	if !s.now().Before(claims.ExpiresAt) {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

// Consume verifies the token and marks it redeemed. The guard key lives
// exactly as long as the token could still verify, so replays fail for the
// whole usable lifetime. Exactly one concurrent caller wins.
func (s *Signer) Consume(ctx context.Context, purpose Purpose, token string) (Claims, error) {
	claims, err := s.Verify(purpose, token)
	if err != nil {
		return Claims{}, err
	}

	digest := sha256.Sum256([]byte(token))
	guard := s.prefix + base64.RawURLEncoding.EncodeToString(digest[:])

	ttl := claims.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return Claims{}, ErrExpired
	}

	set, err := s.redis.SetNX(ctx, guard, "1", ttl).Result()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !set {
		return Claims{}, ErrConsumed
	}
	return claims, nil
}

func (s *Signer) mac(purpose Purpose, body []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum(nil)
}

func writeField(buf *bytes.Buffer, v string) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(v)))
	buf.Write(n[:])
	buf.WriteString(v)
}

func readField(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", nil, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}
