// Package sqlite implements core.AuthStorage on a single SQLite file using
// the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lborres/susi/core"
)

// One writer connection; WAL lets readers proceed while it is held.
const dsnOptions = "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

type Store struct {
	db *sql.DB
}

var _ core.AuthStorage = (*Store)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := sql.Open("sqlite", filepath.Clean(path)+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// ============================================
// Accounts
// ============================================

const accountColumns = `id, email, password_hash, status, roles, name, image, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, a *core.Account, links ...*core.IdentityLink) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, string(a.Status), joinRoles(a.Roles), a.Name, a.Image,
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrEmailAlreadyInUse
		}
		return fmt.Errorf("insert account: %w", err)
	}

	for _, l := range links {
		l.AccountID = a.ID
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if err := insertLink(ctx, tx, l); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*core.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*core.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanAccount(row)
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id string, status core.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	if n == 0 {
		return core.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (*core.Account, error) {
	var (
		a                    core.Account
		passwordHash, image  sql.NullString
		status, roles        string
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.ID, &a.Email, &passwordHash, &status, &roles, &a.Name, &image, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if passwordHash.Valid {
		a.PasswordHash = &passwordHash.String
	}
	if image.Valid {
		a.Image = &image.String
	}
	a.Status = core.AccountStatus(status)
	a.Roles = splitRoles(roles)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func joinRoles(roles []core.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}

func splitRoles(s string) []core.Role {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := make([]core.Role, 0, len(parts))
	for _, p := range parts {
		roles = append(roles, core.Role(p))
	}
	return roles
}

// ============================================
// Identity links
// ============================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLink(ctx context.Context, db execer, l *core.IdentityLink) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO identity_links (id, account_id, provider, subject, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.AccountID, l.Provider, l.Subject, toMillis(l.CreatedAt),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return core.ErrIdentityLinkExists
	case isForeignKeyViolation(err):
		return core.ErrAccountNotFound
	default:
		return fmt.Errorf("insert identity link: %w", err)
	}
}

func (s *Store) CreateIdentityLink(ctx context.Context, l *core.IdentityLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return insertLink(ctx, s.db, l)
}

func (s *Store) GetIdentityLink(ctx context.Context, provider, subject string) (*core.IdentityLink, error) {
	var (
		l         core.IdentityLink
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, provider, subject, created_at FROM identity_links WHERE provider = ? AND subject = ?`,
		provider, subject,
	).Scan(&l.ID, &l.AccountID, &l.Provider, &l.Subject, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrIdentityLinkNotFound
		}
		return nil, fmt.Errorf("get identity link: %w", err)
	}
	l.CreatedAt = fromMillis(createdAt)
	return &l, nil
}

func (s *Store) ListIdentityLinks(ctx context.Context, accountID string) ([]*core.IdentityLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, provider, subject, created_at FROM identity_links WHERE account_id = ? ORDER BY created_at, provider`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list identity links: %w", err)
	}
	defer rows.Close()

	var links []*core.IdentityLink
	for rows.Next() {
		var (
			l         core.IdentityLink
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Provider, &l.Subject, &createdAt); err != nil {
			return nil, fmt.Errorf("scan identity link: %w", err)
		}
		l.CreatedAt = fromMillis(createdAt)
		links = append(links, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identity links: %w", err)
	}
	return links, nil
}

// ============================================
// Refresh tokens
// ============================================

func (s *Store) UpsertRefreshToken(ctx context.Context, t *core.RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, account_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			id = excluded.id,
			token_hash = excluded.token_hash,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		t.ID, t.AccountID, t.TokenHash, toMillis(t.ExpiresAt), toMillis(t.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return core.ErrAccountNotFound
		}
		return fmt.Errorf("upsert refresh token: %w", err)
	}
	return nil
}

func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, t *core.RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET id = ?, token_hash = ?, expires_at = ?, created_at = ?
		WHERE account_id = ? AND token_hash = ?`,
		t.ID, t.TokenHash, toMillis(t.ExpiresAt), toMillis(t.CreatedAt), t.AccountID, oldHash,
	)
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if n == 0 {
		return core.ErrRefreshTokenNotFound
	}
	return nil
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	var (
		t                    core.RefreshToken
		expiresAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, token_hash, expires_at, created_at FROM refresh_tokens WHERE token_hash = ?`,
		tokenHash,
	).Scan(&t.ID, &t.AccountID, &t.TokenHash, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (s *Store) DeleteRefreshTokensByAccount(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete refresh tokens: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================
// Exchange codes
// ============================================

func (s *Store) CreateExchangeCode(ctx context.Context, c *core.ExchangeCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchange_codes (code_hash, email, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		c.CodeHash, c.Email, toMillis(c.ExpiresAt), toMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert exchange code: %w", err)
	}
	return nil
}

// ConsumeExchangeCode deletes the row and returns it in one statement, so
// at most one caller ever observes a given code.
func (s *Store) ConsumeExchangeCode(ctx context.Context, codeHash string) (*core.ExchangeCode, error) {
	var (
		c                    core.ExchangeCode
		expiresAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM exchange_codes WHERE code_hash = ? RETURNING code_hash, email, expires_at, created_at`,
		codeHash,
	).Scan(&c.CodeHash, &c.Email, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExchangeCodeNotFound
		}
		return nil, fmt.Errorf("consume exchange code: %w", err)
	}
	c.ExpiresAt = fromMillis(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func (s *Store) DeleteExpiredExchangeCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchange_codes WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired exchange codes: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
