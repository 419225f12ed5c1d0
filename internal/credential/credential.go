// Package credential hashes and verifies passwords. New digests are argon2id in
// PHC string form; bcrypt digests are still accepted and reported as needing a
// rehash.
package credential

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
	"golang.org/x/crypto/bcrypt"
)

const algorithmID = "argon2id"

var (
	ErrInvalidDigest = errors.New("invalid password digest")
	ErrEmptyPassword = errors.New("password must not be empty")
)

// Params are the argon2id cost settings used for new digests.
type Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams follow the argon2-cffi defaults.
var DefaultParams = Params{Memory: 64 * 1024, Time: 3, Parallelism: 4, SaltLength: 16, KeyLength: 32}

type Verifier struct {
	params Params
	rand   io.Reader
	// decoy has the verifier's own cost and matches no password.
	decoy string
}

func New(p Params) (*Verifier, error) {
	switch {
	case p.Memory < 8:
		return nil, errors.New("argon2 memory must be >= 8 KiB")
	case p.Time < 1:
		return nil, errors.New("argon2 time must be >= 1")
	case p.Parallelism < 1:
		return nil, errors.New("argon2 parallelism must be >= 1")
	case p.SaltLength < 8:
		return nil, errors.New("argon2 salt length must be >= 8")
	case p.KeyLength < 16:
		return nil, errors.New("argon2 key length must be >= 16")
	}
	decoy := fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(make([]byte, p.SaltLength)),
		base64.RawStdEncoding.EncodeToString(make([]byte, p.KeyLength)))
	return &Verifier{params: p, rand: rand.Reader, decoy: decoy}, nil
}

// Hash returns a PHC-encoded argon2id digest with a fresh random salt.
func (v *Verifier) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	salt := make([]byte, v.params.SaltLength)
	if _, err := io.ReadFull(v.rand, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	p := v.params
	key := argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify reports whether plaintext matches digest. Malformed digests never match.
func (v *Verifier) Verify(plaintext, digest string) bool {
	if isBcrypt(digest) {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
	}
	d, err := parsePHC(digest)
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(plaintext), d.salt, d.time, d.memory, d.parallelism, uint32(len(d.key)))
	return subtle.ConstantTimeCompare(key, d.key) == 1
}

// Reject spends one full verification on plaintext and returns false. Callers
// use it when no account exists so a miss takes as long as a wrong password.
func (v *Verifier) Reject(plaintext string) bool {
	v.Verify(plaintext, v.decoy)
	return false
}

// NeedsRehash reports whether digest was produced with weaker or different
// settings than the verifier's, including any bcrypt digest.
func (v *Verifier) NeedsRehash(digest string) bool {
	if isBcrypt(digest) {
		return true
	}
	d, err := parsePHC(digest)
	if err != nil {
		return true
	}
	p := v.params
	return d.memory < p.Memory || d.time < p.Time || d.parallelism < p.Parallelism ||
		uint32(len(d.key)) != p.KeyLength || uint32(len(d.salt)) < p.SaltLength
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(digest string) (*phc, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidDigest
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, ErrInvalidDigest
	}
	var d phc
	for _, kv := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, ErrInvalidDigest
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return nil, ErrInvalidDigest
		}
		switch name {
		case "m":
			d.memory = uint32(n)
		case "t":
			d.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, ErrInvalidDigest
			}
			d.parallelism = uint8(n)
		default:
			return nil, ErrInvalidDigest
		}
	}
	if d.memory == 0 || d.time == 0 || d.parallelism == 0 {
		return nil, ErrInvalidDigest
	}
	var err error
	if d.salt, err = decodeB64(parts[4]); err != nil {
		return nil, err
	}
	if d.key, err = decodeB64(parts[5]); err != nil {
		return nil, err
	}
	return &d, nil
}

// decodeB64 accepts both unpadded (PHC) and padded encodings.
func decodeB64(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil || len(b) == 0 {
		return nil, ErrInvalidDigest
	}
	return b, nil
}
