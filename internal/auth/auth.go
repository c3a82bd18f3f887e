// Package auth verifies the two credential kinds Cerberus services accept:
// HS256 service tokens for operators and bcrypt-hashed API keys for
// service-to-service calls. With neither configured, authentication is
// disabled; that is the development default.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoCredentials = errors.New("no credentials supplied")
	ErrInvalidToken  = errors.New("invalid token")
)

// Roles carried in service tokens.
const (
	RoleAdmin   = "admin"
	RoleService = "service"
)

// Claims is the token payload: which service or operator holds it and
// what they may do.
type Claims struct {
	Service string `json:"svc,omitempty"`
	Role    string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates tokens and API keys for one service.
type Authenticator struct {
	secret     []byte
	apiKeyHash []byte
}

// New builds an Authenticator. secret signs and verifies JWTs; apiKeyHash
// is a bcrypt hash of the shared service key. Either may be empty.
func New(secret, apiKeyHash string) *Authenticator {
	return &Authenticator{
		secret:     []byte(secret),
		apiKeyHash: []byte(apiKeyHash),
	}
}

// Enabled reports whether any credential check is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.secret) > 0 || len(a.apiKeyHash) > 0)
}

// IssueToken mints an HS256 token for a service or operator.
func (a *Authenticator) IssueToken(service, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now().UTC()
	claims := Claims{
		Service: service,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "cerberus",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// VerifyToken parses and validates a bearer token.
func (a *Authenticator) VerifyToken(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAPIKey compares a presented key against the configured bcrypt hash.
func (a *Authenticator) VerifyAPIKey(key string) bool {
	if len(a.apiKeyHash) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.apiKeyHash, []byte(key)) == nil
}

// HashAPIKey produces the bcrypt hash stored in service configuration.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
