package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func newTestCodec(t *testing.T, clock *fakeClock, keys ...Key) *Codec {
	t.Helper()
	if len(keys) == 0 {
		keys = []Key{{Secret: []byte("test-secret"), Algorithm: "HS256"}}
	}
	c, err := New(keys, WithClock(clock.Now))
	require.NoError(t, err)
	return c
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCodec(t, clock)

	iss, err := c.Issue(Refresh, "user-1", "a@example.com", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, iss.ID)
	assert.True(t, clock.t.Add(time.Hour).Equal(iss.ExpiresAt))

	claims, err := c.Parse(iss.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, Refresh, claims.Type)
	assert.Equal(t, iss.ID, claims.ID)
	assert.Equal(t, iss.ExpiresAt.Unix(), claims.ExpiresAt.Unix())
	assert.Equal(t, clock.t.Unix(), claims.IssuedAt.Unix())
}

func TestIssueGeneratesDistinctIDs(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCodec(t, clock)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		iss, err := c.Issue(Access, "u", "e", time.Minute)
		require.NoError(t, err)
		require.False(t, seen[iss.ID], "duplicate jti %s", iss.ID)
		seen[iss.ID] = true
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})

	_, err := c.Issue("id", "u", "e", time.Minute)
	require.Error(t, err)
	_, err = c.Issue(Access, "u", "e", 0)
	require.Error(t, err)
}

func TestParseExpired(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCodec(t, clock)

	iss, err := c.Issue(Access, "u", "e", 900*time.Second)
	require.NoError(t, err)

	clock.t = clock.t.Add(900 * time.Second)
	_, err = c.Parse(iss.Token)
	require.ErrorIs(t, err, ErrExpired, "exp == now must count as expired")

	clock.t = clock.t.Add(time.Second)
	_, err = c.Parse(iss.Token)
	require.ErrorIs(t, err, ErrExpired)
}

func TestParseMalformed(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})

	for _, raw := range []string{"", "abc", "a.b.c", "not.a.token.at.all"} {
		_, err := c.Parse(raw)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", raw)
	}
}

func TestParseMissingClaimsIsMalformed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCodec(t, clock)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "u",
		"type": "access",
		"exp":  clock.t.Add(time.Hour).Unix(),
	})
	raw, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = c.Parse(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseUnknownTypeIsMalformed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCodec(t, clock)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "u",
		"jti":  "j",
		"type": "id",
		"exp":  clock.t.Add(time.Hour).Unix(),
	})
	raw, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = c.Parse(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseBadSignature(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	signer := newTestCodec(t, clock, Key{Secret: []byte("other"), Algorithm: "HS256"})
	verifier := newTestCodec(t, clock)

	iss, err := signer.Issue(Access, "u", "e", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Parse(iss.Token)
	require.ErrorIs(t, err, ErrBadSignature)

	parts := strings.Split(iss.Token, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = signer.Parse(tampered)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestParseRejectsOtherAlgorithms(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	hs512 := newTestCodec(t, clock, Key{Secret: []byte("test-secret"), Algorithm: "HS512"})
	hs256 := newTestCodec(t, clock)

	iss, err := hs512.Issue(Access, "u", "e", time.Minute)
	require.NoError(t, err)

	_, err = hs256.Parse(iss.Token)
	require.ErrorIs(t, err, ErrBadSignature)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u", "jti": "j", "type": "access", "exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = hs256.Parse(raw)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestExpiredWithBadSignatureReportsBadSignature(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	signer := newTestCodec(t, clock, Key{Secret: []byte("other"), Algorithm: "HS256"})
	verifier := newTestCodec(t, clock)

	iss, err := signer.Issue(Access, "u", "e", time.Minute)
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Hour)

	_, err = verifier.Parse(iss.Token)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestParseAcceptsPreviousKeys(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	old := Key{Secret: []byte("old-secret"), Algorithm: "HS256"}
	current := Key{Secret: []byte("new-secret"), Algorithm: "HS384"}

	legacy := newTestCodec(t, clock, old)
	rotated := newTestCodec(t, clock, current, old)

	iss, err := legacy.Issue(Refresh, "u", "e", time.Hour)
	require.NoError(t, err)

	claims, err := rotated.Parse(iss.Token)
	require.NoError(t, err)
	assert.Equal(t, iss.ID, claims.ID)

	fresh, err := rotated.Issue(Refresh, "u", "e", time.Hour)
	require.NoError(t, err)
	_, err = legacy.Parse(fresh.Token)
	require.ErrorIs(t, err, ErrBadSignature, "tokens are always signed with the newest key")
}

func TestNewValidatesKeys(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New([]Key{{Secret: nil, Algorithm: "HS256"}})
	require.Error(t, err)
	_, err = New([]Key{{Secret: []byte("s"), Algorithm: "RS256"}})
	require.Error(t, err)
	_, err = New([]Key{{Secret: []byte("s"), Algorithm: "none"}})
	require.Error(t, err)
}
