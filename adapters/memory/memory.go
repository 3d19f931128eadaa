// Package memory is an in-process AuthStorage. Every operation holds one
// mutex, which gives the upsert and consume operations the same atomicity
// the SQL adapters get from the database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lborres/susi/core"
)

type Storage struct {
	mu sync.RWMutex

	accounts       map[string]*core.Account // by ID
	accountByEmail map[string]string        // email -> account ID
	links          map[linkKey]*core.IdentityLink

	refreshByHash  map[string]*core.RefreshToken
	refreshByOwner map[string]string // account ID -> token hash

	codes map[string]*core.ExchangeCode
}

type linkKey struct {
	provider string
	subject  string
}

var _ core.AuthStorage = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		accounts:       make(map[string]*core.Account),
		accountByEmail: make(map[string]string),
		links:          make(map[linkKey]*core.IdentityLink),
		refreshByHash:  make(map[string]*core.RefreshToken),
		refreshByOwner: make(map[string]string),
		codes:          make(map[string]*core.ExchangeCode),
	}
}

// ============================================
// Accounts
// ============================================

func (s *Storage) CreateAccount(_ context.Context, a *core.Account, links ...*core.IdentityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountByEmail[a.Email]; exists {
		return core.ErrEmailAlreadyInUse
	}
	for _, l := range links {
		if _, exists := s.links[linkKey{l.Provider, l.Subject}]; exists {
			return core.ErrIdentityLinkExists
		}
	}

	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	s.accounts[a.ID] = copyAccount(a)
	s.accountByEmail[a.Email] = a.ID
	for _, l := range links {
		l.AccountID = a.ID
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		stored := *l
		s.links[linkKey{l.Provider, l.Subject}] = &stored
	}
	return nil
}

func (s *Storage) GetAccountByID(_ context.Context, id string) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, core.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (s *Storage) GetAccountByEmail(_ context.Context, email string) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountByEmail[email]
	if !ok {
		return nil, core.ErrAccountNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

func (s *Storage) UpdateAccountStatus(_ context.Context, id string, status core.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return core.ErrAccountNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

// ============================================
// Identity links
// ============================================

func (s *Storage) CreateIdentityLink(_ context.Context, l *core.IdentityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey{l.Provider, l.Subject}
	if _, exists := s.links[key]; exists {
		return core.ErrIdentityLinkExists
	}
	if _, ok := s.accounts[l.AccountID]; !ok {
		return core.ErrAccountNotFound
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	stored := *l
	s.links[key] = &stored
	return nil
}

func (s *Storage) GetIdentityLink(_ context.Context, provider, subject string) (*core.IdentityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[linkKey{provider, subject}]
	if !ok {
		return nil, core.ErrIdentityLinkNotFound
	}
	out := *l
	return &out, nil
}

func (s *Storage) ListIdentityLinks(_ context.Context, accountID string) ([]*core.IdentityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.IdentityLink
	for _, l := range s.links {
		if l.AccountID == accountID {
			link := *l
			out = append(out, &link)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ============================================
// Refresh tokens
// ============================================

func (s *Storage) UpsertRefreshToken(_ context.Context, t *core.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.refreshByOwner[t.AccountID]; ok {
		delete(s.refreshByHash, old)
	}
	stored := *t
	s.refreshByHash[t.TokenHash] = &stored
	s.refreshByOwner[t.AccountID] = t.TokenHash
	return nil
}

func (s *Storage) RotateRefreshToken(_ context.Context, oldHash string, t *core.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.refreshByOwner[t.AccountID]; !ok || current != oldHash {
		return core.ErrRefreshTokenNotFound
	}
	delete(s.refreshByHash, oldHash)
	stored := *t
	s.refreshByHash[t.TokenHash] = &stored
	s.refreshByOwner[t.AccountID] = t.TokenHash
	return nil
}

func (s *Storage) GetRefreshTokenByHash(_ context.Context, tokenHash string) (*core.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshByHash[tokenHash]
	if !ok {
		return nil, core.ErrRefreshTokenNotFound
	}
	out := *t
	return &out, nil
}

func (s *Storage) DeleteRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteRefreshLocked(tokenHash)
	return nil
}

func (s *Storage) DeleteRefreshTokensByAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hash, ok := s.refreshByOwner[accountID]; ok {
		s.deleteRefreshLocked(hash)
	}
	return nil
}

func (s *Storage) DeleteExpiredRefreshTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for hash, t := range s.refreshByHash {
		if t.Expired(now) {
			s.deleteRefreshLocked(hash)
			count++
		}
	}
	return count, nil
}

func (s *Storage) deleteRefreshLocked(tokenHash string) {
	t, ok := s.refreshByHash[tokenHash]
	if !ok {
		return
	}
	delete(s.refreshByHash, tokenHash)
	if s.refreshByOwner[t.AccountID] == tokenHash {
		delete(s.refreshByOwner, t.AccountID)
	}
}

// RefreshTokenCount reports how many refresh rows exist for an account.
// It exists so tests can assert the single-row invariant.
func (s *Storage) RefreshTokenCount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.refreshByHash {
		if t.AccountID == accountID {
			count++
		}
	}
	return count
}

// ============================================
// Exchange codes
// ============================================

func (s *Storage) CreateExchangeCode(_ context.Context, c *core.ExchangeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	s.codes[c.CodeHash] = &stored
	return nil
}

func (s *Storage) ConsumeExchangeCode(_ context.Context, codeHash string) (*core.ExchangeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[codeHash]
	if !ok {
		return nil, core.ErrExchangeCodeNotFound
	}
	delete(s.codes, codeHash)
	return c, nil
}

func (s *Storage) DeleteExpiredExchangeCodes(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for hash, c := range s.codes {
		if c.Expired(now) {
			delete(s.codes, hash)
			count++
		}
	}
	return count, nil
}

func copyAccount(a *core.Account) *core.Account {
	out := *a
	out.Roles = append([]core.Role(nil), a.Roles...)
	if a.PasswordHash != nil {
		h := *a.PasswordHash
		out.PasswordHash = &h
	}
	if a.Image != nil {
		img := *a.Image
		out.Image = &img
	}
	return &out
}
