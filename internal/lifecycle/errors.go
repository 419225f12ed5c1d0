package lifecycle

import (
	"errors"

	"github.com/example/tokenkeeper/internal/token"
)

// Codec failures are re-exported so callers need only this package.
var (
	ErrMalformed    = token.ErrMalformed
	ErrBadSignature = token.ErrBadSignature
	ErrExpired      = token.ErrExpired
)

var (
	// ErrWrongKind is returned when an access token is presented where a
	// refresh token is required, or the reverse.
	ErrWrongKind = errors.New("wrong token kind")
	// ErrInvalidOrRevoked covers unknown, revoked and store-expired refresh
	// identities. They are deliberately not distinguished.
	ErrInvalidOrRevoked = errors.New("refresh token invalid or revoked")
	// ErrConflict means a freshly generated jti already existed. Retry-worthy.
	ErrConflict = errors.New("token identity conflict")
	// ErrStorageUnavailable wraps any transient revocation store failure.
	ErrStorageUnavailable = errors.New("revocation store unavailable")
)

// Kind is the classification of an engine error.
type Kind int

const (
	KindNone Kind = iota
	KindMalformed
	KindBadSignature
	KindExpired
	KindWrongKind
	KindInvalidOrRevoked
	KindConflict
	KindStorageUnavailable
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:               "none",
	KindMalformed:          "malformed",
	KindBadSignature:       "bad_signature",
	KindExpired:            "expired",
	KindWrongKind:          "wrong_kind",
	KindInvalidOrRevoked:   "invalid_or_revoked",
	KindConflict:           "conflict",
	KindStorageUnavailable: "storage_unavailable",
	KindInternal:           "internal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// KindOf classifies err. Order matters: a rotation of an expired refresh token
// wraps both ErrInvalidOrRevoked and ErrExpired and classifies as the former.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidOrRevoked):
		return KindInvalidOrRevoked
	case errors.Is(err, ErrWrongKind):
		return KindWrongKind
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrBadSignature):
		return KindBadSignature
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	default:
		return KindInternal
	}
}
