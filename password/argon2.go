package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
)

// Params tunes the argon2id cost. Raising any cost after deployment is
// safe: NeedsRehash reports true for hashes minted with lower costs and
// the engine re-hashes on the next successful login.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Argon2 hashes credentials with argon2id and verifies PHC-format strings.
type Argon2 struct {
	params Params
}

// NewArgon2 validates params and returns a hasher.
func NewArgon2(p Params) (*Argon2, error) {
	switch {
	case p.Memory < minMemoryKB:
		return nil, errors.New("argon2 memory must be >= 8192 KB")
	case p.Time < 1:
		return nil, errors.New("argon2 time must be >= 1")
	case p.Parallelism < 1:
		return nil, errors.New("argon2 parallelism must be >= 1")
	case p.SaltLength < minSaltLength:
		return nil, errors.New("argon2 salt length must be >= 16")
	case p.KeyLength < minKeyLength:
		return nil, errors.New("argon2 key length must be >= 16")
	}
	return &Argon2{params: p}, nil
}

// Hash derives an argon2id hash over the raw password bytes and encodes it
// in PHC string format. No Unicode normalization is applied.
func (a *Argon2) Hash(password string) (string, error) {
	salt := make([]byte, a.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, a.params.Time, a.params.Memory, a.params.Parallelism, a.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.params.Memory,
		a.params.Time,
		a.params.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the parameters embedded in encodedHash
// and compares in constant time.
func (a *Argon2) Verify(password, encodedHash string) (bool, error) {
	ph, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), ph.salt, ph.time, ph.memory, ph.parallelism, uint32(len(ph.key)))
	return subtle.ConstantTimeCompare(computed, ph.key) == 1, nil
}

// NeedsRehash reports whether encodedHash was minted with weaker costs
// than the hasher is currently configured for.
func (a *Argon2) NeedsRehash(encodedHash string) (bool, error) {
	ph, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	if a.params.Memory > ph.memory || a.params.Time > ph.time || a.params.Parallelism > ph.parallelism {
		return true, nil
	}
	return uint32(len(ph.key)) != a.params.KeyLength, nil
}

type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(encodedHash string) (*phcHash, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("invalid PHC format")
	}
	if parts[1] != algorithmID {
		return nil, errors.New("unsupported algorithm")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return nil, errors.New("invalid argon2 version")
	}
	if version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	var ph phcHash
	if err := parseCostParams(parts[3], &ph); err != nil {
		return nil, err
	}

	if ph.salt, err = base64.StdEncoding.DecodeString(parts[4]); err != nil {
		return nil, errors.New("invalid salt encoding")
	}
	if len(ph.salt) < int(minSaltLength) {
		return nil, errors.New("invalid salt length")
	}

	if ph.key, err = base64.StdEncoding.DecodeString(parts[5]); err != nil {
		return nil, errors.New("invalid key encoding")
	}
	if len(ph.key) == 0 {
		return nil, errors.New("invalid key length")
	}

	return &ph, nil
}

func parseCostParams(part string, ph *phcHash) error {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return errors.New("invalid cost parameters")
	}

	var haveM, haveT, haveP bool
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return errors.New("invalid cost parameter entry")
		}

		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return errors.New("invalid memory parameter")
			}
			ph.memory = uint32(v)
			haveM = true
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < 1 {
				return errors.New("invalid time parameter")
			}
			ph.time = uint32(v)
			haveT = true
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < 1 {
				return errors.New("invalid parallelism parameter")
			}
			ph.parallelism = uint8(v)
			haveP = true
		default:
			return errors.New("unsupported cost parameter")
		}
	}

	if !haveM || !haveT || !haveP {
		return errors.New("missing cost parameters")
	}
	return nil
}
