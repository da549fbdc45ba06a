package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parisxmas/oxiwarehouse/internal/access"
	"github.com/parisxmas/oxiwarehouse/internal/models"
)

// TokenTTL is the lifetime of a session token.
const TokenTTL = 24 * time.Hour

type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into the caller identity used by the
// access policy.
func (c *Claims) Identity() access.Identity {
	return access.Identity{UserID: c.UserID, Email: c.Email, Role: models.Role(c.Role)}
}

func GenerateToken(secret, userID, email string, role models.Role) (string, error) {
	return GenerateTokenTTL(secret, userID, email, role, TokenTTL)
}

func GenerateTokenTTL(secret, userID, email string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
