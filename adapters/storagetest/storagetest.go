// Package storagetest holds the behavioural contract every storage adapter
// must satisfy. Adapter test files call the Run* functions with a factory.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/crypto"
)

type AccountStore interface {
	core.AccountStorage
	core.IdentityLinkStorage
}

// RunAll exercises the full AuthStorage contract.
func RunAll(t *testing.T, newStore func(t *testing.T) core.AuthStorage) {
	t.Run("accounts", func(t *testing.T) {
		RunAccounts(t, func(t *testing.T) AccountStore { return newStore(t) })
	})
	t.Run("refresh tokens", func(t *testing.T) {
		RunRefreshTokens(t, func(t *testing.T) (core.RefreshTokenStorage, AccountStore) {
			s := newStore(t)
			return s, s
		})
	})
	t.Run("exchange codes", func(t *testing.T) {
		RunExchangeCodes(t, func(t *testing.T) core.ExchangeCodeStorage { return newStore(t) })
	})
}

// NewAccount returns an ACTIVE USER account with a fresh ID.
func NewAccount(email string) *core.Account {
	return &core.Account{
		ID:        uuid.NewString(),
		Email:     email,
		Status:    core.StatusActive,
		Roles:     []core.Role{core.RoleUser},
		Name:      "Test User",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newLink(provider, subject string) *core.IdentityLink {
	id, _ := crypto.NewID(crypto.PrefixIdentityLink)
	return &core.IdentityLink{ID: id, Provider: provider, Subject: subject}
}

func RunAccounts(t *testing.T, newStore func(t *testing.T) AccountStore) {
	t.Run("create and read back", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		hash := "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA"
		image := "https://example.com/a.png"
		a := NewAccount("alice@example.com")
		a.PasswordHash = &hash
		a.Image = &image
		a.Roles = []core.Role{core.RoleUser, core.RoleAdmin}

		require.NoError(t, s.CreateAccount(ctx, a, newLink(core.ProviderLocal, a.Email)))

		byID, err := s.GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		byEmail, err := s.GetAccountByEmail(ctx, a.Email)
		require.NoError(t, err)

		for _, got := range []*core.Account{byID, byEmail} {
			assert.Equal(t, a.ID, got.ID)
			assert.Equal(t, a.Email, got.Email)
			assert.Equal(t, core.StatusActive, got.Status)
			assert.Equal(t, []core.Role{core.RoleUser, core.RoleAdmin}, got.Roles)
			assert.Equal(t, "Test User", got.Name)
			require.NotNil(t, got.PasswordHash)
			assert.Equal(t, hash, *got.PasswordHash)
			require.NotNil(t, got.Image)
			assert.Equal(t, image, *got.Image)
			assert.WithinDuration(t, a.CreatedAt, got.CreatedAt, time.Second)
		}

		links, err := s.ListIdentityLinks(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, core.ProviderLocal, links[0].Provider)
		assert.Equal(t, a.Email, links[0].Subject)
		assert.Equal(t, a.ID, links[0].AccountID)
	})

	t.Run("federated-only account has no password", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		a := NewAccount("fed@example.com")

		require.NoError(t, s.CreateAccount(ctx, a, newLink(core.ProviderGoogle, "sub-1")))

		got, err := s.GetAccountByEmail(ctx, a.Email)
		require.NoError(t, err)
		assert.Nil(t, got.PasswordHash)
		assert.Nil(t, got.Image)
	})

	t.Run("duplicate email", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, NewAccount("dup@example.com")))

		err := s.CreateAccount(ctx, NewAccount("dup@example.com"))
		assert.ErrorIs(t, err, core.ErrEmailAlreadyInUse)
	})

	t.Run("duplicate link rolls back the account", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, NewAccount("first@example.com"), newLink(core.ProviderGoogle, "sub-1")))

		second := NewAccount("second@example.com")
		err := s.CreateAccount(ctx, second, newLink(core.ProviderGoogle, "sub-1"))
		assert.ErrorIs(t, err, core.ErrIdentityLinkExists)

		_, err = s.GetAccountByEmail(ctx, second.Email)
		assert.ErrorIs(t, err, core.ErrAccountNotFound)
	})

	t.Run("missing account", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.GetAccountByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, core.ErrAccountNotFound)
		_, err = s.GetAccountByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, core.ErrAccountNotFound)
		err = s.UpdateAccountStatus(ctx, uuid.NewString(), core.StatusSuspended)
		assert.ErrorIs(t, err, core.ErrAccountNotFound)
	})

	t.Run("update status", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		a := NewAccount("status@example.com")
		require.NoError(t, s.CreateAccount(ctx, a))

		require.NoError(t, s.UpdateAccountStatus(ctx, a.ID, core.StatusSuspended))

		got, err := s.GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusSuspended, got.Status)
	})

	t.Run("identity links", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		a := NewAccount("links@example.com")
		require.NoError(t, s.CreateAccount(ctx, a, newLink(core.ProviderLocal, a.Email)))

		link := newLink(core.ProviderGoogle, "google-sub")
		link.AccountID = a.ID
		require.NoError(t, s.CreateIdentityLink(ctx, link))

		got, err := s.GetIdentityLink(ctx, core.ProviderGoogle, "google-sub")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.AccountID)

		dup := newLink(core.ProviderGoogle, "google-sub")
		dup.AccountID = a.ID
		assert.ErrorIs(t, s.CreateIdentityLink(ctx, dup), core.ErrIdentityLinkExists)

		_, err = s.GetIdentityLink(ctx, core.ProviderGoogle, "other-sub")
		assert.ErrorIs(t, err, core.ErrIdentityLinkNotFound)

		links, err := s.ListIdentityLinks(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, links, 2)
	})
}

func newRefreshToken(accountID string, expiresAt time.Time) *core.RefreshToken {
	id, _ := crypto.NewID(crypto.PrefixRefreshToken)
	pair, _ := crypto.GenerateHashedToken()
	return &core.RefreshToken{
		ID:        id,
		AccountID: accountID,
		TokenHash: pair.Hash,
		ExpiresAt: expiresAt.UTC().Truncate(time.Millisecond),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// RunRefreshTokens checks the single-row-per-account contract. The second
// return value of newStore is used to create owning accounts and may be nil
// for stores without foreign keys.
func RunRefreshTokens(t *testing.T, newStore func(t *testing.T) (core.RefreshTokenStorage, AccountStore)) {
	owner := func(t *testing.T, accounts AccountStore, email string) string {
		a := NewAccount(email)
		if accounts != nil {
			require.NoError(t, accounts.CreateAccount(context.Background(), a))
		}
		return a.ID
	}

	t.Run("upsert replaces the previous token", func(t *testing.T) {
		ctx := context.Background()
		s, accounts := newStore(t)
		accountID := owner(t, accounts, "rt@example.com")

		first := newRefreshToken(accountID, time.Now().Add(time.Hour))
		second := newRefreshToken(accountID, time.Now().Add(2*time.Hour))
		require.NoError(t, s.UpsertRefreshToken(ctx, first))
		require.NoError(t, s.UpsertRefreshToken(ctx, second))

		_, err := s.GetRefreshTokenByHash(ctx, first.TokenHash)
		assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)

		got, err := s.GetRefreshTokenByHash(ctx, second.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, accountID, got.AccountID)
		assert.Equal(t, second.TokenHash, got.TokenHash)
		assert.WithinDuration(t, second.ExpiresAt, got.ExpiresAt, time.Second)
	})

	t.Run("delete by account is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s, accounts := newStore(t)
		accountID := owner(t, accounts, "logout@example.com")
		rt := newRefreshToken(accountID, time.Now().Add(time.Hour))
		require.NoError(t, s.UpsertRefreshToken(ctx, rt))

		require.NoError(t, s.DeleteRefreshTokensByAccount(ctx, accountID))
		require.NoError(t, s.DeleteRefreshTokensByAccount(ctx, accountID))

		_, err := s.GetRefreshTokenByHash(ctx, rt.TokenHash)
		assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)
	})

	t.Run("delete by hash", func(t *testing.T) {
		ctx := context.Background()
		s, accounts := newStore(t)
		accountID := owner(t, accounts, "hash@example.com")
		rt := newRefreshToken(accountID, time.Now().Add(time.Hour))
		require.NoError(t, s.UpsertRefreshToken(ctx, rt))

		require.NoError(t, s.DeleteRefreshToken(ctx, rt.TokenHash))
		require.NoError(t, s.DeleteRefreshToken(ctx, rt.TokenHash))

		_, err := s.GetRefreshTokenByHash(ctx, rt.TokenHash)
		assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)

		// A new token for the same account can still be stored
		next := newRefreshToken(accountID, time.Now().Add(time.Hour))
		require.NoError(t, s.UpsertRefreshToken(ctx, next))
		_, err = s.GetRefreshTokenByHash(ctx, next.TokenHash)
		assert.NoError(t, err)
	})

	t.Run("rotate replaces only the current token", func(t *testing.T) {
		ctx := context.Background()
		s, accounts := newStore(t)
		accountID := owner(t, accounts, "rotate@example.com")

		first := newRefreshToken(accountID, time.Now().Add(time.Hour))
		second := newRefreshToken(accountID, time.Now().Add(2*time.Hour))
		stale := newRefreshToken(accountID, time.Now().Add(time.Hour))
		require.NoError(t, s.UpsertRefreshToken(ctx, first))

		require.NoError(t, s.RotateRefreshToken(ctx, first.TokenHash, second))
		assert.ErrorIs(t, s.RotateRefreshToken(ctx, first.TokenHash, stale), core.ErrRefreshTokenNotFound)

		_, err := s.GetRefreshTokenByHash(ctx, first.TokenHash)
		assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)
		_, err = s.GetRefreshTokenByHash(ctx, stale.TokenHash)
		assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)
		got, err := s.GetRefreshTokenByHash(ctx, second.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.WithinDuration(t, second.ExpiresAt, got.ExpiresAt, time.Second)
	})

	t.Run("rotate after logout finds nothing", func(t *testing.T) {
		ctx := context.Background()
		s, accounts := newStore(t)
		accountID := owner(t, accounts, "gone@example.com")
		rt := newRefreshToken(accountID, time.Now().Add(time.Hour))
		require.NoError(t, s.UpsertRefreshToken(ctx, rt))
		require.NoError(t, s.DeleteRefreshTokensByAccount(ctx, accountID))

		next := newRefreshToken(accountID, time.Now().Add(time.Hour))
		assert.ErrorIs(t, s.RotateRefreshToken(ctx, rt.TokenHash, next), core.ErrRefreshTokenNotFound)
		_, err := s.GetRefreshTokenByHash(ctx, next.TokenHash)
		assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)
	})

	t.Run("concurrent rotations of one token have one winner", func(t *testing.T) {
		ctx := context.Background()
		s, accounts := newStore(t)
		accountID := owner(t, accounts, "rotrace@example.com")
		current := newRefreshToken(accountID, time.Now().Add(time.Hour))
		require.NoError(t, s.UpsertRefreshToken(ctx, current))

		const writers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.RotateRefreshToken(ctx, current.TokenHash, newRefreshToken(accountID, time.Now().Add(time.Hour)))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins, "exactly one rotation of a token may succeed")
	})

	t.Run("concurrent upserts leave one row", func(t *testing.T) {
		ctx := context.Background()
		s, accounts := newStore(t)
		accountID := owner(t, accounts, "race@example.com")

		const writers = 16
		tokens := make([]*core.RefreshToken, writers)
		for i := range tokens {
			tokens[i] = newRefreshToken(accountID, time.Now().Add(time.Hour))
		}

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for _, rt := range tokens {
			wg.Add(1)
			go func(rt *core.RefreshToken) {
				defer wg.Done()
				errs <- s.UpsertRefreshToken(ctx, rt)
			}(rt)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		live := 0
		for _, rt := range tokens {
			if _, err := s.GetRefreshTokenByHash(ctx, rt.TokenHash); err == nil {
				live++
			}
		}
		assert.Equal(t, 1, live, "exactly one refresh token must survive concurrent upserts")
	})
}

// RunExpiredRefreshTokenSweep checks DeleteExpiredRefreshTokens for stores
// that keep rows until swept.
func RunExpiredRefreshTokenSweep(t *testing.T, s core.RefreshTokenStorage, accounts AccountStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	var expired, live []*core.RefreshToken
	for i := 0; i < 3; i++ {
		a := NewAccount(fmt.Sprintf("sweep%d@example.com", i))
		if accounts != nil {
			require.NoError(t, accounts.CreateAccount(ctx, a))
		}
		expiry := now.Add(time.Hour)
		if i < 2 {
			expiry = now.Add(-time.Minute)
		}
		rt := newRefreshToken(a.ID, expiry)
		require.NoError(t, s.UpsertRefreshToken(ctx, rt))
		if i < 2 {
			expired = append(expired, rt)
		} else {
			live = append(live, rt)
		}
	}

	n, err := s.DeleteExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, rt := range expired {
		_, err := s.GetRefreshTokenByHash(ctx, rt.TokenHash)
		assert.ErrorIs(t, err, core.ErrRefreshTokenNotFound)
	}
	for _, rt := range live {
		_, err := s.GetRefreshTokenByHash(ctx, rt.TokenHash)
		assert.NoError(t, err)
	}
}

func newExchangeCode(email string, expiresAt time.Time) (string, *core.ExchangeCode) {
	pair, _ := crypto.GenerateHashedToken()
	return pair.Token, &core.ExchangeCode{
		CodeHash:  pair.Hash,
		Email:     email,
		ExpiresAt: expiresAt.UTC().Truncate(time.Millisecond),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func RunExchangeCodes(t *testing.T, newStore func(t *testing.T) core.ExchangeCodeStorage) {
	t.Run("consume is single use", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, code := newExchangeCode("alice@example.com", time.Now().Add(5*time.Minute))
		require.NoError(t, s.CreateExchangeCode(ctx, code))

		got, err := s.ConsumeExchangeCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", got.Email)
		assert.WithinDuration(t, code.ExpiresAt, got.ExpiresAt, time.Second)

		_, err = s.ConsumeExchangeCode(ctx, code.CodeHash)
		assert.ErrorIs(t, err, core.ErrExchangeCodeNotFound)
	})

	t.Run("expired codes are still returned once", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, code := newExchangeCode("late@example.com", time.Now().Add(-time.Second))
		require.NoError(t, s.CreateExchangeCode(ctx, code))

		got, err := s.ConsumeExchangeCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.True(t, got.Expired(time.Now()))

		_, err = s.ConsumeExchangeCode(ctx, code.CodeHash)
		assert.ErrorIs(t, err, core.ErrExchangeCodeNotFound)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := newStore(t).ConsumeExchangeCode(context.Background(), crypto.HashToken("nope"))
		assert.ErrorIs(t, err, core.ErrExchangeCodeNotFound)
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, code := newExchangeCode("race@example.com", time.Now().Add(5*time.Minute))
		require.NoError(t, s.CreateExchangeCode(ctx, code))

		const consumers = 16
		var wins, misses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < consumers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumeExchangeCode(ctx, code.CodeHash)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, core.ErrExchangeCodeNotFound):
					misses.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, wins.Load())
		assert.EqualValues(t, consumers-1, misses.Load())
	})
}

// RunExpiredExchangeCodeSweep checks DeleteExpiredExchangeCodes for stores
// that keep rows until swept.
func RunExpiredExchangeCodeSweep(t *testing.T, s core.ExchangeCodeStorage) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, stale := newExchangeCode("stale@example.com", now.Add(-time.Minute))
	_, fresh := newExchangeCode("fresh@example.com", now.Add(time.Minute))
	require.NoError(t, s.CreateExchangeCode(ctx, stale))
	require.NoError(t, s.CreateExchangeCode(ctx, fresh))

	n, err := s.DeleteExpiredExchangeCodes(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.ConsumeExchangeCode(ctx, stale.CodeHash)
	assert.ErrorIs(t, err, core.ErrExchangeCodeNotFound)
	_, err = s.ConsumeExchangeCode(ctx, fresh.CodeHash)
	assert.NoError(t, err)
}
