package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier(secret)
	ctx := context.Background()

	good, err := Sign(secret, Identity{Subject: "u1", Name: "Ann"}, time.Minute)
	require.NoError(t, err)
	id, err := v.Verify(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "u1", Name: "Ann"}, id)

	unnamed, err := Sign(secret, Identity{Subject: "u2"}, time.Minute)
	require.NoError(t, err)
	id, err = v.Verify(ctx, unnamed)
	require.NoError(t, err)
	assert.Equal(t, "u2", id.Name)

	expired, err := Sign(secret, Identity{Subject: "u1"}, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := Sign([]byte("other"), Identity{Subject: "u1"}, time.Minute)
	require.NoError(t, err)
	noSubject, err := Sign(secret, Identity{Name: "Ann"}, time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString(secret)
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "u1", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":    "",
		"garbage":    "not-a-jwt",
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"no expiry":  noExpiry,
		"wrong alg":  hs512,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/b1?token=abc", nil)
	r.Header.Set("Authorization", "Bearer header")
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/b1", nil)
	r.Header.Set("Authorization", "bearer  xyz ")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/b1", nil)
	r.Header.Set("Authorization", "Basic dXNlcg==")
	assert.Equal(t, "", TokenFromRequest(r))
}
