package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret")
	id := uuid.New()

	tok, err := svc.IssueToken(id, time.Hour)
	require.NoError(t, err)

	got, err := svc.ValidateToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestValidateToken_Rejects(t *testing.T) {
	svc := NewService("test-secret")
	id := uuid.New()

	other, err := NewService("another-secret").IssueToken(id, time.Hour)
	require.NoError(t, err)

	expired := NewService("test-secret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.IssueToken(id, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: id.String()},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "not-a-uuid"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"garbage":      "not.a.token",
		"wrong key":    other,
		"expired":      stale,
		"alg none":     none,
		"bad subject":  badSubject,
		"empty string": "",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(context.Background(), tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
