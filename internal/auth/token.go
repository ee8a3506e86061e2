package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carry the identity only. Workspace roles are resolved per request from
// the membership table so a role change takes effect without re-login.
type Claims struct {
	Sub        string
	Email      string
	Name       string
	SuperAdmin bool
	JTI        string
	Exp        int64
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type tokenClaims struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	SuperAdmin bool   `json:"sa,omitempty"`
	jwt.RegisteredClaims
}

var signingMethods = []string{jwt.SigningMethodHS256.Alg()}

func IssueToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email:      claims.Email,
		Name:       claims.Name,
		SuperAdmin: claims.SuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Sub,
			ID:        claims.JTI,
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.Exp, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods(signingMethods), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}

	if parsed.Subject == "" || parsed.Email == "" || parsed.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Sub:        parsed.Subject,
		Email:      parsed.Email,
		Name:       parsed.Name,
		SuperAdmin: parsed.SuperAdmin,
		JTI:        parsed.ID,
		Exp:        parsed.ExpiresAt.Unix(),
	}, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
