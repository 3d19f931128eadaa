package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/susi/adapters/storagetest"
	"github.com/lborres/susi/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "susi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Contract(t *testing.T) {
	storagetest.RunAll(t, func(t *testing.T) core.AuthStorage { return openTestStore(t) })
}

func TestStore_ExpiredSweeps(t *testing.T) {
	s := openTestStore(t)
	storagetest.RunExpiredRefreshTokenSweep(t, s, s)
	storagetest.RunExpiredExchangeCodeSweep(t, openTestStore(t))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOpen_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "susi.db")

	first, err := Open(ctx, path)
	require.NoError(t, err)
	a := storagetest.NewAccount("persist@example.com")
	require.NoError(t, first.CreateAccount(ctx, a))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.GetAccountByEmail(ctx, a.Email)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestStore_RefreshTokenRequiresAccount(t *testing.T) {
	s := openTestStore(t)

	err := s.UpsertRefreshToken(context.Background(), &core.RefreshToken{
		ID:        "rt-1",
		AccountID: "missing",
		TokenHash: "hash",
	})

	assert.ErrorIs(t, err, core.ErrAccountNotFound)
}

func TestRoles_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		roles []core.Role
		want  string
	}{
		{name: "none", roles: nil, want: ""},
		{name: "single", roles: []core.Role{core.RoleUser}, want: "USER"},
		{name: "multiple", roles: []core.Role{core.RoleUser, core.RoleAdmin}, want: "USER,ADMIN"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			joined := joinRoles(test.roles)
			assert.Equal(t, test.want, joined)
			assert.Equal(t, test.roles, splitRoles(joined))
		})
	}
}
