// Package auth is the boundary to the external identity provider. The server never issues credentials, it only
// checks tokens minted elsewhere.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Anonymous is the identity used when no verifier is configured.
var Anonymous = Identity{Subject: "anonymous", Name: "Anonymous"}

type Identity struct {
	Subject string `json:"sub"`
	Name    string `json:"name"`
}

// Verifier turns a bearer token into an Identity or fails with an error wrapping ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenFromRequest reads the credential from the token query parameter or an Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

type claims struct {
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

type JWTOption func(*[]jwt.ParserOption)

// WithAudience requires the aud claim to contain aud.
func WithAudience(aud string) JWTOption {
	return func(o *[]jwt.ParserOption) { *o = append(*o, jwt.WithAudience(aud)) }
}

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) JWTOption {
	return func(o *[]jwt.ParserOption) { *o = append(*o, jwt.WithIssuer(iss)) }
}

// WithLeeway allows for clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(o *[]jwt.ParserOption) { *o = append(*o, jwt.WithLeeway(d)) }
}

func NewJWTVerifier(secret []byte, opts ...JWTOption) *JWTVerifier {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	for _, o := range opts {
		o(&parserOpts)
	}
	return &JWTVerifier{secret: secret, parser: jwt.NewParser(parserOpts...)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var c claims
	if _, err := v.parser.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	id := Identity{Subject: c.Subject, Name: c.Name}
	if id.Name == "" {
		id.Name = c.PreferredUsername
	}
	if id.Name == "" {
		id.Name = c.Email
	}
	if id.Name == "" {
		id.Name = c.Subject
	}
	return id, nil
}

// Sign mints an HS256 token for identity. It exists for tests and local tooling; production tokens come from the
// identity provider.
func Sign(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	s, err := t.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}
