package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, secret string) *Resolver {
	r, err := NewResolver(secret, time.Hour)
	require.NoError(t, err)
	return r
}

func issue(t *testing.T, r *Resolver, id int64) string {
	token, err := r.Issue(id)
	require.NoError(t, err)
	return token
}

func TestNewResolver_Invalid(t *testing.T) {
	t.Parallel()

	_, err := NewResolver("", time.Hour)
	require.True(t, errors.Is(err, ErrEmptySecret))

	_, err = NewResolver("s3cr3t", 0)
	require.True(t, errors.Is(err, ErrInvalidTTL))
}

func TestIssueVerify(t *testing.T) {
	t.Parallel()

	r := newResolver(t, "s3cr3t")
	token := issue(t, r, 42)
	require.Len(t, strings.Split(token, "."), 3)

	id, err := r.Verify(token)
	require.NoError(t, err)
	require.EqualValues(t, 42, id)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	r := newResolver(t, "s3cr3t")
	other := newResolver(t, "another")

	valid := strings.Split(issue(t, r, 42), ".")
	stolen := strings.Split(issue(t, r, 43), ".")
	forged := strings.Join([]string{valid[0], stolen[1], valid[2]}, ".")

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "42",
	}).SignedString([]byte("s3cr3t"))
	require.NoError(t, err)

	for _, token := range []string{
		"",
		"nodot",
		"!!.??.##",
		forged,
		unsigned,
		noExpiry,
		issue(t, other, 42),
		issue(t, r, 0),
		issue(t, r, -5),
	} {
		_, err := r.Verify(token)
		require.True(t, errors.Is(err, ErrUnauthenticated), token)
	}
}

func TestVerify_Expired(t *testing.T) {
	t.Parallel()

	r := newResolver(t, "s3cr3t")
	token := issue(t, r, 42)

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := r.Verify(token)
	require.True(t, errors.Is(err, ErrUnauthenticated))
	require.Contains(t, err.Error(), "expired")
}

func TestResolve(t *testing.T) {
	t.Parallel()

	r := newResolver(t, "s3cr3t")
	token := issue(t, r, 7)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	id, err := r.Resolve(req)
	require.NoError(t, err)
	require.EqualValues(t, 7, id)

	req = httptest.NewRequest("GET", "/ws?token="+token, nil)
	id, err = r.Resolve(req)
	require.NoError(t, err)
	require.EqualValues(t, 7, id)
}

func TestResolve_Missing(t *testing.T) {
	t.Parallel()

	r := newResolver(t, "s3cr3t")

	req := httptest.NewRequest("GET", "/ws", nil)
	_, err := r.Resolve(req)
	require.True(t, errors.Is(err, ErrUnauthenticated))

	req = httptest.NewRequest("GET", "/ws?token="+issue(t, r, 7), nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = r.Resolve(req)
	require.True(t, errors.Is(err, ErrUnauthenticated))
}
