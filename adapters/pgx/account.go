package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lborres/susi/core"
)

// Identity links are the provider accounts bound to a local account.

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLink(ctx context.Context, db execer, l *core.IdentityLink) error {
	query := `INSERT INTO public.identity_links (id, account_id, provider, subject, created_at)
	          VALUES ($1, $2, $3, $4, $5)`

	_, err := db.Exec(ctx, query, l.ID, l.AccountID, l.Provider, l.Subject, l.CreatedAt)
	if err == nil {
		return nil
	}
	code, constraint, ok := constraintViolation(err)
	switch {
	case ok && code == codeUniqueViolation && constraint == "identity_links_provider_subject_key":
		return core.ErrIdentityLinkExists
	case ok && code == codeForeignKeyViolation:
		return core.ErrAccountNotFound
	default:
		return fmt.Errorf("insert identity link: %w", err)
	}
}

func (a *Adapter) CreateIdentityLink(ctx context.Context, l *core.IdentityLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return insertLink(ctx, a.pool, l)
}

func (a *Adapter) GetIdentityLink(ctx context.Context, provider, subject string) (*core.IdentityLink, error) {
	query := `SELECT id, account_id, provider, subject, created_at
	          FROM public.identity_links WHERE provider = $1 AND subject = $2`

	l := &core.IdentityLink{}
	err := a.pool.QueryRow(ctx, query, provider, subject).Scan(&l.ID, &l.AccountID, &l.Provider, &l.Subject, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrIdentityLinkNotFound
		}
		return nil, fmt.Errorf("get identity link: %w", err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

func (a *Adapter) ListIdentityLinks(ctx context.Context, accountID string) ([]*core.IdentityLink, error) {
	query := `SELECT id, account_id, provider, subject, created_at
	          FROM public.identity_links WHERE account_id = $1 ORDER BY created_at, provider`

	rows, err := a.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list identity links: %w", err)
	}
	defer rows.Close()

	var links []*core.IdentityLink
	for rows.Next() {
		l := &core.IdentityLink{}
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Provider, &l.Subject, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity link: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		links = append(links, l)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list identity links: %w", err)
	}

	return links, nil
}
