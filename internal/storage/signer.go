package storage

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSignTTL is the lifetime of a signed download URL.
const DefaultSignTTL = time.Hour

const (
	signIssuer   = "oxiwarehouse"
	signAudience = "files"
)

var ErrInvalidSignature = errors.New("storage: invalid or expired download token")

type fileClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// Signer mints and verifies time-limited download URLs. The URL path carries
// only the display filename; the object key travels inside the HS256 token.
type Signer struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

func NewSigner(secret, baseURL string) *Signer {
	return &Signer{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// WithClock returns a copy of the signer reading time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

// Sign returns a URL granting read access to key for ttl.
func (s *Signer) Sign(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSignTTL
	}
	now := s.now()
	claims := fileClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signIssuer,
			Audience:  jwt.ClaimStrings{signAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign download token: %w", err)
	}
	return fmt.Sprintf("%s/files/%s?token=%s", s.baseURL, url.PathEscape(path.Base(key)), url.QueryEscape(token)), nil
}

// VerifyURL extracts and verifies the token of a URL produced by Sign.
func (s *Signer) VerifyURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidSignature
	}
	return s.VerifyToken(u.Query().Get("token"))
}

// VerifyToken returns the object key carried by a valid, unexpired token.
func (s *Signer) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidSignature
	}
	claims := &fileClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signIssuer),
		jwt.WithAudience(signAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || claims.Key == "" {
		return "", ErrInvalidSignature
	}
	return claims.Key, nil
}
