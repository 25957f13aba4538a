// Package auth issues and checks operator bearer tokens for the API.
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

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const OperatorContextKey ContextKey = "operator"

const DefaultTTL = 24 * time.Hour

type Operator struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Claims struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 operator tokens. A disabled
// Authenticator lets every request through.
type Authenticator struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	enabled bool
}

func New(secret, issuer string, ttl time.Duration, enabled bool) (*Authenticator, error) {
	if enabled && len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes when auth is enabled")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl, enabled: enabled}, nil
}

func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// Issue creates a token for op
func (a *Authenticator) Issue(op Operator) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	if op.Name == "" {
		return "", errors.New("operator name is required")
	}
	now := time.Now()
	claims := Claims{
		Name:  op.Name,
		Email: op.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   op.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify validates and parses a token
func (a *Authenticator) Verify(tokenString string) (*Operator, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &Operator{Name: claims.Name, Email: claims.Email}, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Middleware requires a valid bearer token when auth is enabled.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		op, err := a.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), OperatorContextKey, op)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorFromContext extracts the operator from request context
func OperatorFromContext(ctx context.Context) *Operator {
	if op, ok := ctx.Value(OperatorContextKey).(*Operator); ok {
		return op
	}
	return nil
}
