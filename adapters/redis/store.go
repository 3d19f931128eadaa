// Package redis keeps refresh tokens and exchange codes in Redis so several
// susi instances can share them. Accounts and identity links stay in the
// relational store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lborres/susi/core"
)

const DefaultPrefix = "susi"

// Keys outlive the expiry they carry by this much so that a late caller
// still sees an expired record rather than a missing one.
const expiryGrace = time.Minute

// refreshTag puts every refresh token key in one cluster hash slot. The
// scripts below read a hash key out of the account pointer, and Redis
// Cluster only allows that when both live in the same slot.
const refreshTag = "{refresh}"

// upsertRefreshScript replaces the account's current token in one step.
// KEYS[1] account pointer, KEYS[2] new hash key; ARGV[1] record, ARGV[2] ttl ms.
var upsertRefreshScript = goredis.NewScript(`
local old = redis.call("GET", KEYS[1])
if old and old ~= KEYS[2] then
  redis.call("DEL", old)
end
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
redis.call("SET", KEYS[1], KEYS[2], "PX", ARGV[2])
return 1
`)

// rotateRefreshScript swaps the account's token only while the pointer still
// names the old one. KEYS[1] account pointer, KEYS[2] old hash key, KEYS[3]
// new hash key; ARGV[1] record, ARGV[2] ttl ms.
var rotateRefreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) ~= KEYS[2] then
  return 0
end
redis.call("DEL", KEYS[2])
redis.call("SET", KEYS[3], ARGV[1], "PX", ARGV[2])
redis.call("SET", KEYS[1], KEYS[3], "PX", ARGV[2])
return 1
`)

// deleteRefreshScript removes a hash key and the account pointer if it
// still points at it. KEYS[1] hash key, KEYS[2] account pointer.
var deleteRefreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[2]) == KEYS[1] then
  redis.call("DEL", KEYS[2])
end
return redis.call("DEL", KEYS[1])
`)

// deleteAccountRefreshScript drops whatever token the account holds.
// KEYS[1] account pointer.
var deleteAccountRefreshScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
  redis.call("DEL", current)
end
return redis.call("DEL", KEYS[1])
`)

type Store struct {
	client goredis.UniversalClient
	prefix string
}

var (
	_ core.RefreshTokenStorage = (*Store)(nil)
	_ core.ExchangeCodeStorage = (*Store)(nil)
)

func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, id)
}

func (s *Store) accountKey(accountID string) string {
	return s.key(refreshTag+":account", accountID)
}

func (s *Store) hashKey(tokenHash string) string {
	return s.key(refreshTag+":hash", tokenHash)
}

func ttlFor(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + expiryGrace
}

// ============================================
// Refresh tokens
// ============================================

type storedRefreshToken struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	TokenHash string `json:"token_hash"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Store) UpsertRefreshToken(ctx context.Context, t *core.RefreshToken) error {
	data, err := encodeRefreshToken(t)
	if err != nil {
		return err
	}

	keys := []string{s.accountKey(t.AccountID), s.hashKey(t.TokenHash)}
	if err := upsertRefreshScript.Run(ctx, s.client, keys, data, ttlFor(t.ExpiresAt).Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, t *core.RefreshToken) error {
	data, err := encodeRefreshToken(t)
	if err != nil {
		return err
	}

	keys := []string{s.accountKey(t.AccountID), s.hashKey(oldHash), s.hashKey(t.TokenHash)}
	swapped, err := rotateRefreshScript.Run(ctx, s.client, keys, data, ttlFor(t.ExpiresAt).Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if swapped == 0 {
		return core.ErrRefreshTokenNotFound
	}
	return nil
}

func encodeRefreshToken(t *core.RefreshToken) (string, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(storedRefreshToken{
		ID:        t.ID,
		AccountID: t.AccountID,
		TokenHash: t.TokenHash,
		ExpiresAt: t.ExpiresAt.UnixMilli(),
		CreatedAt: t.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	return string(data), nil
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	data, err := s.client.Get(ctx, s.hashKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, core.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var stored storedRefreshToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &core.RefreshToken{
		ID:        stored.ID,
		AccountID: stored.AccountID,
		TokenHash: stored.TokenHash,
		ExpiresAt: time.UnixMilli(stored.ExpiresAt).UTC(),
		CreatedAt: time.UnixMilli(stored.CreatedAt).UTC(),
	}, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	t, err := s.GetRefreshTokenByHash(ctx, tokenHash)
	if errors.Is(err, core.ErrRefreshTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{s.hashKey(tokenHash), s.accountKey(t.AccountID)}
	if err := deleteRefreshScript.Run(ctx, s.client, keys).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

func (s *Store) DeleteRefreshTokensByAccount(ctx context.Context, accountID string) error {
	keys := []string{s.accountKey(accountID)}
	if err := deleteAccountRefreshScript.Run(ctx, s.client, keys).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens is a no-op: Redis expires the keys itself.
func (s *Store) DeleteExpiredRefreshTokens(context.Context, time.Time) (int, error) {
	return 0, nil
}

// ============================================
// Exchange codes
// ============================================

type storedExchangeCode struct {
	Email     string `json:"email"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Store) CreateExchangeCode(ctx context.Context, c *core.ExchangeCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(storedExchangeCode{
		Email:     c.Email,
		ExpiresAt: c.ExpiresAt.UnixMilli(),
		CreatedAt: c.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal exchange code: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key("code", c.CodeHash), data, ttlFor(c.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store exchange code: %w", err)
	}
	if !ok {
		return fmt.Errorf("exchange code collision")
	}
	return nil
}

func (s *Store) ConsumeExchangeCode(ctx context.Context, codeHash string) (*core.ExchangeCode, error) {
	data, err := s.client.GetDel(ctx, s.key("code", codeHash)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, core.ErrExchangeCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume exchange code: %w", err)
	}

	var stored storedExchangeCode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exchange code: %w", err)
	}
	return &core.ExchangeCode{
		CodeHash:  codeHash,
		Email:     stored.Email,
		ExpiresAt: time.UnixMilli(stored.ExpiresAt).UTC(),
		CreatedAt: time.UnixMilli(stored.CreatedAt).UTC(),
	}, nil
}

// DeleteExpiredExchangeCodes is a no-op: Redis expires the keys itself.
func (s *Store) DeleteExpiredExchangeCodes(context.Context, time.Time) (int, error) {
	return 0, nil
}
