package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lborres/susi/adapters/memory"
	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/crypto"
	"github.com/lborres/susi/pkg/token"
)

const testSecret = "this-is-a-very-long-secret-key-that-is-at-least-32-bytes"

var errStorageDown = errors.New("storage unavailable")

// FakeStorage wraps the in-memory store and exposes error fields for
// behavior injection.
type FakeStorage struct {
	*memory.Storage

	getAccountErr    error
	createAccountErr error
	getLinkErr       error
	upsertErr        error
	getRefreshErr    error
	consumeErr       error
	sweepErr         error

	// beforeCreateAccount runs once before the first CreateAccount call so a
	// test can simulate a concurrent writer.
	beforeCreateAccount func()
	createCalls         atomic.Int32
}

func NewFakeStorage() *FakeStorage {
	return &FakeStorage{Storage: memory.New()}
}

func (f *FakeStorage) GetAccountByEmail(ctx context.Context, email string) (*core.Account, error) {
	if f.getAccountErr != nil {
		return nil, f.getAccountErr
	}
	return f.Storage.GetAccountByEmail(ctx, email)
}

func (f *FakeStorage) CreateAccount(ctx context.Context, a *core.Account, links ...*core.IdentityLink) error {
	if f.createCalls.Add(1) == 1 && f.beforeCreateAccount != nil {
		f.beforeCreateAccount()
	}
	if f.createAccountErr != nil {
		return f.createAccountErr
	}
	return f.Storage.CreateAccount(ctx, a, links...)
}

func (f *FakeStorage) GetIdentityLink(ctx context.Context, provider, subject string) (*core.IdentityLink, error) {
	if f.getLinkErr != nil {
		return nil, f.getLinkErr
	}
	return f.Storage.GetIdentityLink(ctx, provider, subject)
}

func (f *FakeStorage) UpsertRefreshToken(ctx context.Context, t *core.RefreshToken) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Storage.UpsertRefreshToken(ctx, t)
}

func (f *FakeStorage) RotateRefreshToken(ctx context.Context, oldHash string, t *core.RefreshToken) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Storage.RotateRefreshToken(ctx, oldHash, t)
}

func (f *FakeStorage) GetRefreshTokenByHash(ctx context.Context, hash string) (*core.RefreshToken, error) {
	if f.getRefreshErr != nil {
		return nil, f.getRefreshErr
	}
	return f.Storage.GetRefreshTokenByHash(ctx, hash)
}

func (f *FakeStorage) ConsumeExchangeCode(ctx context.Context, hash string) (*core.ExchangeCode, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.Storage.ConsumeExchangeCode(ctx, hash)
}

func (f *FakeStorage) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	if f.sweepErr != nil {
		return 0, f.sweepErr
	}
	return f.Storage.DeleteExpiredRefreshTokens(ctx, now)
}

// FakeProvider is a FederatedProfileFetcher returning a canned profile for
// one accepted code.
type FakeProvider struct {
	name      string
	validCode string
	profile   core.FederatedProfile
	err       error
}

func (f *FakeProvider) Name() string { return f.name }

func (f *FakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example.com/auth?state=" + state
}

func (f *FakeProvider) FetchProfile(_ context.Context, code string) (*core.FederatedProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	if code != f.validCode {
		return nil, core.ErrFederatedAuth
	}
	p := f.profile
	return &p, nil
}

func googleProvider(email, subject string) *FakeProvider {
	return &FakeProvider{
		name:      core.ProviderGoogle,
		validCode: "good-code",
		profile: core.FederatedProfile{
			Provider:      core.ProviderGoogle,
			Subject:       subject,
			Email:         email,
			EmailVerified: true,
			Name:          "Google User",
			Picture:       "https://example.com/p.png",
		},
	}
}

// FakeCache is a minimal core.Cache that counts calls.
type FakeCache struct {
	mu       sync.Mutex
	profiles map[string]*core.AccountProfile
	gets     int
	deletes  int
}

func NewFakeCache() *FakeCache {
	return &FakeCache{profiles: make(map[string]*core.AccountProfile)}
}

func (c *FakeCache) Get(email string) (*core.AccountProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	p, ok := c.profiles[email]
	if !ok {
		return nil, core.ErrCacheNotFound
	}
	return p, nil
}

func (c *FakeCache) Set(email string, p *core.AccountProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[email] = p
	return nil
}

func (c *FakeCache) Delete(email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	delete(c.profiles, email)
	return nil
}

func (c *FakeCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = make(map[string]*core.AccountProfile)
	return nil
}

// testClock is a settable clock shared by the service and the codec.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fastPasswords keeps Argon2id but with parameters cheap enough for tests.
func fastPasswords() *crypto.Argon2 {
	return &crypto.Argon2{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

// countingPasswords wraps a PasswordHandler and counts calls.
type countingPasswords struct {
	core.PasswordHandler
	hashes   atomic.Int32
	verifies atomic.Int32
}

func (c *countingPasswords) Hash(password string) (string, error) {
	c.hashes.Add(1)
	return c.PasswordHandler.Hash(password)
}

func (c *countingPasswords) Verify(password, hash string) (bool, error) {
	c.verifies.Add(1)
	return c.PasswordHandler.Verify(password, hash)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	service  *AuthService
	storage  *FakeStorage
	cache    *FakeCache
	clock    *testClock
	codec    *token.Codec
	provider *FakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	codec, err := token.New(token.Config{Secret: []byte(testSecret), Now: clock.Now})
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}
	env := &testEnv{
		storage:  NewFakeStorage(),
		cache:    NewFakeCache(),
		clock:    clock,
		codec:    codec,
		provider: googleProvider("carol@example.com", "google-sub-carol"),
	}
	env.service, err = NewAuthService(Options{
		Storage:   env.storage,
		Codec:     codec,
		Passwords: fastPasswords(),
		Cache:     env.cache,
		Providers: []core.FederatedProfileFetcher{env.provider},
		Logger:    discardLogger(),
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("NewAuthService() error = %v", err)
	}
	return env
}

// register creates an ACTIVE password account through the service.
func (e *testEnv) register(t *testing.T, email, password string) *core.AuthResult {
	t.Helper()
	result, err := e.service.Register(context.Background(), core.RegisterInput{Email: email, Password: password, Name: "Test"})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", email, err)
	}
	return result
}

func (e *testEnv) setStatus(t *testing.T, email string, status core.AccountStatus) {
	t.Helper()
	a, err := e.storage.Storage.GetAccountByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("GetAccountByEmail(%s) error = %v", email, err)
	}
	if err := e.storage.UpdateAccountStatus(context.Background(), a.ID, status); err != nil {
		t.Fatalf("UpdateAccountStatus() error = %v", err)
	}
}
