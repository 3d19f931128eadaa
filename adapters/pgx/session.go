package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/susi/core"
)

// ============================================
// Refresh tokens
// ============================================

func (a *Adapter) UpsertRefreshToken(ctx context.Context, t *core.RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO public.refresh_tokens (id, account_id, token_hash, expires_at, created_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (account_id) DO UPDATE SET
	              id = EXCLUDED.id,
	              token_hash = EXCLUDED.token_hash,
	              expires_at = EXCLUDED.expires_at,
	              created_at = EXCLUDED.created_at`

	_, err := a.pool.Exec(ctx, query, t.ID, t.AccountID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		if code, _, ok := constraintViolation(err); ok && code == codeForeignKeyViolation {
			return core.ErrAccountNotFound
		}
		return fmt.Errorf("upsert refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken updates the row only while it still carries oldHash.
func (a *Adapter) RotateRefreshToken(ctx context.Context, oldHash string, t *core.RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	query := `UPDATE public.refresh_tokens
	          SET id = $1, token_hash = $2, expires_at = $3, created_at = $4
	          WHERE account_id = $5 AND token_hash = $6`

	tag, err := a.pool.Exec(ctx, query, t.ID, t.TokenHash, t.ExpiresAt, t.CreatedAt, t.AccountID, oldHash)
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRefreshTokenNotFound
	}
	return nil
}

func (a *Adapter) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	query := `SELECT id, account_id, token_hash, expires_at, created_at
	          FROM public.refresh_tokens WHERE token_hash = $1`

	t := &core.RefreshToken{}
	err := a.pool.QueryRow(ctx, query, tokenHash).Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (a *Adapter) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM public.refresh_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (a *Adapter) DeleteRefreshTokensByAccount(ctx context.Context, accountID string) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM public.refresh_tokens WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete refresh tokens: %w", err)
	}
	return nil
}

func (a *Adapter) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := a.pool.Exec(ctx, `DELETE FROM public.refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ============================================
// Exchange codes
// ============================================

func (a *Adapter) CreateExchangeCode(ctx context.Context, c *core.ExchangeCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO public.exchange_codes (code_hash, email, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		c.CodeHash, c.Email, c.ExpiresAt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert exchange code: %w", err)
	}
	return nil
}

// ConsumeExchangeCode deletes and returns the row in one statement.
func (a *Adapter) ConsumeExchangeCode(ctx context.Context, codeHash string) (*core.ExchangeCode, error) {
	query := `DELETE FROM public.exchange_codes WHERE code_hash = $1
	          RETURNING code_hash, email, expires_at, created_at`

	c := &core.ExchangeCode{}
	err := a.pool.QueryRow(ctx, query, codeHash).Scan(&c.CodeHash, &c.Email, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrExchangeCodeNotFound
		}
		return nil, fmt.Errorf("consume exchange code: %w", err)
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (a *Adapter) DeleteExpiredExchangeCodes(ctx context.Context, now time.Time) (int, error) {
	tag, err := a.pool.Exec(ctx, `DELETE FROM public.exchange_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired exchange codes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
