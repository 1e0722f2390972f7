// ABOUTME: JWT token verification for authenticating broker connections
// ABOUTME: HS256 tokens carry sub, role and name, mapped to a registry.Identity

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

// MinSecretLength is the minimum HS256 secret length in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrInvalidRole  = errors.New("invalid role")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(tokenString string) (registry.Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier, rejecting secrets shorter than MinSecretLength.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// ParseRole maps a claim or query value to a connection role.
func ParseRole(s string) (store.Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "candidate":
		return store.RoleCandidate, nil
	case "agent", "admin":
		return store.RoleAgent, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Verify validates the token and extracts the identity from its claims.
func (v *JWTVerifier) Verify(tokenString string) (registry.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return registry.Identity{}, ErrExpiredToken
		}
		return registry.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return registry.Identity{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return registry.Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	roleClaim, _ := claims["role"].(string)
	if roleClaim == "" {
		return registry.Identity{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	role, err := ParseRole(roleClaim)
	if err != nil {
		return registry.Identity{}, err
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}

	return registry.Identity{UserID: sub, Role: role, DisplayName: name}, nil
}

// Generate creates a signed token for id that expires after expiresIn.
func (v *JWTVerifier) Generate(id registry.Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.UserID,
		"role": strings.ToLower(string(id.Role)),
		"name": id.DisplayName,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
