// Package secrets generates and encodes the random material used by the
// token and recovery-code subsystems. All secrets are hashed with SHA-256
// before they touch a backend; plaintext only ever exists in the value
// handed to the caller.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	// SecretSize is the random portion of an opaque token, in bytes.
	SecretSize = 32

	// tokenRawSize is uuid (16) + secret (32).
	tokenRawSize = 16 + SecretSize
)

// ErrMalformedToken indicates an opaque token that does not decode to the
// expected id+secret layout.
var ErrMalformedToken = errors.New("malformed opaque token")

// NewSecret returns SecretSize bytes of cryptographically random material.
func NewSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// Hash is the at-rest form of a secret.
func Hash(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashBytes hashes an arbitrary byte slice, used where the plaintext
// arrives from the wire rather than from NewSecret.
func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// EncodeToken packs a record id and its secret into a single opaque
// base64url string. The id travels in the clear so the backend can look the
// record up without scanning; the secret is compared by hash.
func EncodeToken(id uuid.UUID, secret [SecretSize]byte) string {
	var raw [tokenRawSize]byte
	copy(raw[:16], id[:])
	copy(raw[16:], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (uuid.UUID, [SecretSize]byte, error) {
	var secret [SecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return uuid.Nil, secret, ErrMalformedToken
	}
	if len(raw) != tokenRawSize {
		return uuid.Nil, secret, ErrMalformedToken
	}

	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return uuid.Nil, secret, ErrMalformedToken
	}
	copy(secret[:], raw[16:])

	return id, secret, nil
}

// recoveryAlphabet avoids ambiguous characters (0/O, 1/I/L).
const recoveryAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// NewRecoveryCode returns a human-typable recovery code of the given length
// (alphabet characters, grouped by dashes every 4). Length excludes dashes.
func NewRecoveryCode(length int) (string, error) {
	if length < 8 {
		length = 8
	}

	// Bytes at or above the largest multiple of the alphabet size are
	// redrawn so every character is equally likely.
	const limit = 256 - (256 % len(recoveryAlphabet))

	var b strings.Builder
	b.Grow(length + length/4)
	buf := make([]byte, length)
	written := 0
	for written < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			if written > 0 && written%4 == 0 {
				b.WriteByte('-')
			}
			b.WriteByte(recoveryAlphabet[int(c)%len(recoveryAlphabet)])
			written++
			if written == length {
				break
			}
		}
	}
	return b.String(), nil
}

// CanonicalRecoveryCode normalizes user input before hashing: uppercase,
// dashes and spaces stripped.
func CanonicalRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// HashRecoveryCode binds the hash to the owning account so identical codes
// issued to different accounts never collide at rest.
func HashRecoveryCode(accountID, code string) [32]byte {
	return sha256.Sum256([]byte(accountID + "\x00" + CanonicalRecoveryCode(code)))
}
