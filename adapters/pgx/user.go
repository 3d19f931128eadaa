package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/susi/core"
)

const accountColumns = `id, email, password_hash, status, roles, name, image, created_at, updated_at`

// CreateAccount inserts the account and its initial links in one transaction.
func (a *Adapter) CreateAccount(ctx context.Context, acc *core.Account, links ...*core.IdentityLink) error {
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = acc.CreatedAt

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `INSERT INTO public.accounts (` + accountColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = tx.Exec(ctx, query,
		acc.ID, acc.Email, acc.PasswordHash, string(acc.Status), roleNames(acc.Roles), acc.Name, acc.Image, acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		if code, _, ok := constraintViolation(err); ok && code == codeUniqueViolation {
			return core.ErrEmailAlreadyInUse
		}
		return fmt.Errorf("insert account: %w", err)
	}

	for _, l := range links {
		l.AccountID = acc.ID
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if err := insertLink(ctx, tx, l); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create account: %w", err)
	}
	return nil
}

func (a *Adapter) GetAccountByID(ctx context.Context, id string) (*core.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM public.accounts WHERE id = $1`
	return scanAccount(a.pool.QueryRow(ctx, q, id))
}

func (a *Adapter) GetAccountByEmail(ctx context.Context, email string) (*core.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM public.accounts WHERE email = $1`
	return scanAccount(a.pool.QueryRow(ctx, q, email))
}

func (a *Adapter) UpdateAccountStatus(ctx context.Context, id string, status core.AccountStatus) error {
	tag, err := a.pool.Exec(ctx,
		`UPDATE public.accounts SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*core.Account, error) {
	acc := &core.Account{}
	var (
		status string
		roles  []string
	)
	err := row.Scan(&acc.ID, &acc.Email, &acc.PasswordHash, &status, &roles, &acc.Name, &acc.Image, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acc.Status = core.AccountStatus(status)
	for _, r := range roles {
		acc.Roles = append(acc.Roles, core.Role(r))
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func roleNames(roles []core.Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return names
}
