// Package tokens signs and verifies action tokens: short JWTs that let a user
// act on one task without a session.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trickstertwo/xclock"

	"github.com/51f0x/personal-kanban/internal/config"
)

var (
	ErrInvalidToken = errors.New("tokens: invalid token")
	ErrExpiredToken = errors.New("tokens: token expired")
)

// Claims of an action token. Subject is the user id, ID the token id.
type Claims struct {
	TaskID string `json:"task"`
	Action string `json:"act"`
	jwt.RegisteredClaims
}

// Signer issues HMAC-SHA256 action tokens.
type Signer struct {
	key       []byte
	ttl       time.Duration
	issuer    string
	now       func() time.Time
	clockSkew time.Duration
}

func NewSigner(cfg config.TokensConfig, clock xclock.Clock) (*Signer, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("tokens: secret must be at least 32 characters")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("tokens: ttl must be positive")
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &Signer{
		key:       []byte(cfg.Secret),
		ttl:       cfg.TTL,
		issuer:    cfg.Issuer,
		now:       clock.Now,
		clockSkew: time.Minute,
	}, nil
}

// Issue signs a token for userID to perform action on taskID.
func (s *Signer) Issue(tokenID, taskID, userID, action string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		TaskID: taskID,
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign action token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses token and checks its signature, issuer and expiry.
func (s *Signer) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
