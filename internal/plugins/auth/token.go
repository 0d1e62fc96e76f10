package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// Claims is the payload of every issued bearer token. The wire shape is
// {sub, email, name, email_verified, iat, exp, jti}; sub is the numeric
// user ID.
type Claims struct {
	Subject       int64            `json:"sub"`
	Email         string           `json:"email"`
	Name          string           `json:"name"`
	EmailVerified bool             `json:"email_verified"`
	IssuedAt      *jwt.NumericDate `json:"iat"`
	ExpiresAt     *jwt.NumericDate `json:"exp"`
	ID            string           `json:"jti,omitempty"`
}

// jwt.Claims implementation. Issuer and audience are not used.

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c *Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c *Claims) GetIssuer() (string, error)                   { return "", nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

func (c *Claims) GetSubject() (string, error) {
	return strconv.FormatInt(c.Subject, 10), nil
}

// TokenService signs and verifies bearer tokens. It holds no state beyond
// the key and never touches a store.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service signing with HS256.
func NewTokenService(secret string, ttl time.Duration, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: now}
}

// TTL returns the lifetime of issued tokens.
func (t *TokenService) TTL() time.Duration { return t.ttl }

// Issue signs a token for the user. The jti keeps tokens issued to the same
// user within one second distinct, since sessions.token is unique.
func (t *TokenService) Issue(u *User) (string, *Claims, error) {
	now := t.now().Truncate(time.Second)
	claims := &Claims{
		Subject:       u.ID,
		Email:         u.Email,
		Name:          u.Name,
		EmailVerified: u.EmailVerified,
		IssuedAt:      jwt.NewNumericDate(now),
		ExpiresAt:     jwt.NewNumericDate(now.Add(t.ttl)),
		ID:            uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks the signature and expiry of a token. Returns TokenExpired
// when exp has passed and TokenInvalid for anything else wrong with it.
func (t *TokenService) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperror.NewTokenExpired("token has expired")
	case err != nil:
		appErr := apperror.NewTokenInvalid("invalid token")
		appErr.Internal = err
		return nil, appErr
	case claims.Subject <= 0:
		return nil, apperror.NewTokenInvalid("invalid token")
	}
	return claims, nil
}
