package authcore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const totpSecretBytes = 20

// totpVerifier implements RFC 6238 time-based one-time passwords over the
// configured HMAC algorithm.
type totpVerifier struct {
	config TwoFactorConfig
}

func newTOTPVerifier(cfg TwoFactorConfig) *totpVerifier {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	return &totpVerifier{config: cfg}
}

// NewSecret returns a fresh shared key and its base32 form for manual
// entry into an authenticator app.
func (v *totpVerifier) NewSecret() ([]byte, string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// ProvisionURI renders the otpauth:// URI encoded into setup QR codes.
func (v *totpVerifier) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(v.config.Issuer + ":" + account)

	q := url.Values{}
	q.Set("secret", secretBase32)
	q.Set("issuer", v.config.Issuer)
	q.Set("period", strconv.Itoa(v.config.Period))
	q.Set("digits", strconv.Itoa(v.config.Digits))
	q.Set("algorithm", strings.ToUpper(v.config.Algorithm))

	return "otpauth://totp/" + label + "?" + q.Encode()
}

// Verify checks code against the secret at now, accepting up to Skew
// steps of clock drift in either direction. Comparison is constant-time.
func (v *totpVerifier) Verify(secret []byte, code string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != v.config.Digits || !allDigits(trimmed) {
		return false, nil
	}
	if len(secret) == 0 {
		return false, errors.New("empty totp secret")
	}

	base := now.Unix() / int64(v.config.Period)
	for step := -v.config.Skew; step <= v.config.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		expected, err := hotpCode(secret, counter, v.config.Digits, v.config.Algorithm)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(trimmed)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := totpHashFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func totpHashFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
