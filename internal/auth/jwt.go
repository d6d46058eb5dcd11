package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims represents JWT claims used by this service. Subject carries the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseJWT validates a JWT and returns claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, fmt.Errorf("%w: invalid role", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	return claims, nil
}

// IssueJWT signs claims for a user. Used by tooling and tests.
func IssueJWT(secret []byte, userID string, role Role, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: empty secret")
	}
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
