// Package token signs and verifies the compact HS256 tokens susi hands out.
//
// Tokens are self-verifying: Verify checks signature and expiry only and
// never consults a store. Liveness of refresh tokens is decided by the
// refresh token storage, not here.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/crypto"
)

// MinSecretLength is the minimum HMAC key size in bytes (256 bits).
const MinSecretLength = 32

const jtiBytes = 16

type Type string

const (
	Access  Type = "access"
	Refresh Type = "refresh"
)

type Config struct {
	// Secret is used as the raw HMAC-SHA256 key
	Secret []byte
	Issuer string
	Now    func() time.Time
}

// Claims is the payload of every token: sub, authorities, iat, exp, jti and
// the token_type discriminator.
type Claims struct {
	Authorities []string `json:"authorities,omitempty"`
	TokenType   Type     `json:"token_type"`
	jwt.RegisteredClaims
}

type Codec struct {
	key    []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// New validates the secret and builds a codec. A secret shorter than
// MinSecretLength fails with core.ErrSigningKeyWeak.
func New(config Config) (*Codec, error) {
	if len(config.Secret) == 0 {
		return nil, core.ErrSecretRequired
	}
	if len(config.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w - minimum of %d bytes", core.ErrSigningKeyWeak, MinSecretLength)
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	return &Codec{
		key:    append([]byte(nil), config.Secret...),
		issuer: config.Issuer,
		now:    now,
		parser: jwt.NewParser(opts...),
	}, nil
}

// IssueAccessToken signs a short-lived token carrying the subject's authorities.
func (c *Codec) IssueAccessToken(subject string, authorities []string, ttl time.Duration) (string, error) {
	return c.issue(subject, authorities, Access, ttl)
}

// IssueRefreshToken signs a token with no authorities.
func (c *Codec) IssueRefreshToken(subject string, ttl time.Duration) (string, error) {
	return c.issue(subject, nil, Refresh, ttl)
}

func (c *Codec) issue(subject string, authorities []string, typ Type, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}

	jti, err := crypto.GenerateToken(jtiBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}

	now := c.now()
	claims := &Claims{
		Authorities: append([]string(nil), authorities...),
		TokenType:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry. Errors are one of
// core.ErrTokenMalformed, core.ErrTokenExpired or core.ErrTokenSignatureInvalid.
func (c *Codec) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, core.ErrTokenMalformed
	}

	claims := &Claims{}
	_, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	})
	if err != nil {
		return nil, translate(err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", core.ErrTokenMalformed)
	}
	return claims, nil
}

// VerifyAccess is Verify restricted to access tokens.
func (c *Codec) VerifyAccess(raw string) (*Claims, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != Access {
		return nil, core.ErrTokenTypeMismatch
	}
	return claims, nil
}

func SubjectOf(claims *Claims) string {
	return claims.Subject
}

func AuthoritiesOf(claims *Claims) []string {
	return append([]string(nil), claims.Authorities...)
}

func translate(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", core.ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", core.ErrTokenSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %w", core.ErrTokenMalformed, err)
	}
}
