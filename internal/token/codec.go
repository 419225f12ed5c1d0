// Package token encodes and decodes the signed, expiring claim sets handed out
// as access and refresh tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind distinguishes the two token flavours.
type Kind string

const (
	Access  Kind = "access"
	Refresh Kind = "refresh"
)

var (
	ErrMalformed    = errors.New("token malformed")
	ErrBadSignature = errors.New("token signature invalid")
	ErrExpired      = errors.New("token expired")
)

// Claims is the payload carried by every token: sub, email, type, iat, exp, jti.
type Claims struct {
	Email string `json:"email"`
	Type  Kind   `json:"type"`
	jwt.RegisteredClaims
}

// Key is one symmetric signing secret together with its algorithm.
type Key struct {
	Secret    []byte
	Algorithm string
}

// Issued is the result of minting a token.
type Issued struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec signs with the first key and verifies against every key, newest first.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	keys  []Key
	now   func() time.Time
	newID func() string
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithIDGenerator overrides jti generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Codec) { c.newID = gen }
}

// New builds a Codec. keys[0] signs; the rest only verify.
func New(keys []Key, opts ...Option) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	for i, k := range keys {
		if len(k.Secret) == 0 {
			return nil, fmt.Errorf("key %d: empty secret", i)
		}
		if _, err := hmacMethod(k.Algorithm); err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
	}
	c := &Codec{
		keys:  append([]Key(nil), keys...),
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func hmacMethod(alg string) (*jwt.SigningMethodHMAC, error) {
	m, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	return m, nil
}

// Issue mints a token of the given kind valid for ttl from now.
func (c *Codec) Issue(kind Kind, subject, email string, ttl time.Duration) (Issued, error) {
	if kind != Access && kind != Refresh {
		return Issued{}, fmt.Errorf("unknown token kind %q", kind)
	}
	if ttl <= 0 {
		return Issued{}, errors.New("ttl must be positive")
	}
	// NumericDate has second precision; truncate so the returned expiry matches the wire.
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	id := c.newID()

	claims := Claims{
		Email: email,
		Type:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        id,
		},
	}
	key := c.keys[0]
	method, _ := hmacMethod(key.Algorithm)
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key.Secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign token: %w", err)
	}
	return Issued{Token: signed, ID: id, IssuedAt: now, ExpiresAt: exp}, nil
}

// Parse verifies the signature and expiry of raw and returns its claims.
// The error is ErrMalformed, ErrBadSignature or ErrExpired.
func (c *Codec) Parse(raw string) (*Claims, error) {
	var lastErr error
	for _, key := range c.keys {
		claims, err := c.parseWithKey(raw, key)
		if err == nil {
			if err := c.validate(claims); err != nil {
				return nil, err
			}
			return claims, nil
		}
		if !errors.Is(err, ErrBadSignature) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Codec) parseWithKey(raw string, key Key) (*Claims, error) {
	// Expiry is checked by validate so that exp == now counts as expired.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key.Secret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func (c *Codec) validate(claims *Claims) error {
	if claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing sub, jti or exp", ErrMalformed)
	}
	if claims.Type != Access && claims.Type != Refresh {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, claims.Type)
	}
	if !c.now().Before(claims.ExpiresAt.Time) {
		return ErrExpired
	}
	return nil
}
