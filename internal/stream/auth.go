package stream

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// bearerClaims is the payload of every token this adapter issues. A
// single shared token authenticates any downstream consumer; there is
// no per-subject authorization beyond "holds a valid token"
// (spec.md Non-goal: "multi-tenant downstream authorization").
type bearerClaims struct {
	jwt.RegisteredClaims
}

// JWTManager issues and verifies the bearer tokens downstream clients
// present to open a connection. Grounded on the teacher pack's
// golang-jwt/jwt/v5 auth layer, generalized from per-user claims to a
// single shared-secret bearer token.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTManager(secret string, ttl time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), ttl: ttl}
}

// Generate issues a fresh bearer token, used by the /auth/token
// endpoint.
func (m *JWTManager) Generate() (string, error) {
	now := time.Now()
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "downstream",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify parses and validates a bearer token.
func (m *JWTManager) Verify(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &bearerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("token is not valid")
	}
	return nil
}

// ExtractToken reads the bearer token from the Authorization header
// first, falling back to the `token` query parameter, matching the
// upstream client's own dual-channel auth style (spec.md §6: header
// and query both accepted on the OneBot side; mirrored here for
// downstream consumer convenience since browser WebSocket clients
// cannot set arbitrary headers).
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return auth
	}
	return r.URL.Query().Get("token")
}
