package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) (*RequestValidator, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kf := func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}
	return NewRequestValidatorWithKeyfunc(kf, slog.New(slog.NewTextHandler(io.Discard, nil))), key
}

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"iss": "ghes",
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifyAuthHeader(t *testing.T) {
	v, key := newValidator(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	valid := sign(t, jwt.SigningMethodRS256, key, time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", "Bearer " + valid + ",Bearer xxxxx", true},
		{"missing prefix", valid + ",Bearer xxxxx", false},
		{"missing suffix", "Bearer " + valid, false},
		{"empty token", "Bearer ,Bearer xxxxx", false},
		{"empty header", "", false},
		{"garbage", "Bearer not-a-jwt,Bearer xxxxx", false},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodRS256, key, time.Now().Add(-time.Hour)) + ",Bearer xxxxx", false},
		{"wrong key", "Bearer " + sign(t, jwt.SigningMethodRS256, other, time.Now().Add(time.Hour)) + ",Bearer xxxxx", false},
		{"RS512", "Bearer " + sign(t, jwt.SigningMethodRS512, key, time.Now().Add(time.Hour)) + ",Bearer xxxxx", false},
		{"HS256", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("secret"), time.Now().Add(time.Hour)) + ",Bearer xxxxx", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.VerifyAuthHeader(context.Background(), tt.header))
		})
	}
}

func TestVerifyAuthHeaderSkipsKeyLookupForMalformedHeader(t *testing.T) {
	called := false
	v := NewRequestValidatorWithKeyfunc(func(token *jwt.Token) (interface{}, error) {
		called = true
		return nil, nil
	}, nil)

	assert.False(t, v.VerifyAuthHeader(context.Background(), "Token abc,Bearer xxxxx"))
	assert.False(t, called)
}

func TestJWKSURL(t *testing.T) {
	assert.Equal(t, "https://ghes.example.com/_services/token/.well-known/jwks", JWKSURL("https://ghes.example.com/"))
	assert.Equal(t, "https://ghes.example.com/_services/token/.well-known/jwks", JWKSURL("https://ghes.example.com"))
}
