package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/crypto"
)

// ExchangeCodes mints and redeems the one-time codes that carry an
// authenticated email across a browser redirect. Only the code's hash is
// stored; the raw value travels in the redirect URL.
type ExchangeCodes struct {
	store core.ExchangeCodeStorage
	ttl   time.Duration
	now   func() time.Time
}

func NewExchangeCodes(store core.ExchangeCodeStorage, ttl time.Duration, now func() time.Time) *ExchangeCodes {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = core.DefaultTokenConfig().ExchangeCodeTTL
	}
	return &ExchangeCodes{store: store, ttl: ttl, now: now}
}

func (e *ExchangeCodes) Issue(ctx context.Context, email string) (string, error) {
	pair, err := crypto.GenerateHashedToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate exchange code: %w", err)
	}

	now := e.now()
	err = e.store.CreateExchangeCode(ctx, &core.ExchangeCode{
		CodeHash:  pair.Hash,
		Email:     email,
		ExpiresAt: now.Add(e.ttl),
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store exchange code: %w", err)
	}
	return pair.Token, nil
}

// Redeem consumes the code and returns the email it was issued for. The
// code is gone after the first call whatever the outcome.
func (e *ExchangeCodes) Redeem(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", core.ErrCodeRequired
	}

	c, err := e.store.ConsumeExchangeCode(ctx, crypto.HashToken(code))
	if err != nil {
		if errors.Is(err, core.ErrExchangeCodeNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to redeem exchange code: %w", err)
	}
	if c.Expired(e.now()) {
		return "", core.ErrExchangeCodeExpired
	}
	return c.Email, nil
}
