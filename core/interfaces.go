package core

import (
	"context"
	"time"
)

// Ports define interfaces for external dependencies

// ============================================
// STORAGE PORTS (Database operations)
// ============================================

// AccountStorage defines account-related database operations
type AccountStorage interface {
	// CreateAccount persists the account together with its initial identity
	// links in one atomic step. Returns ErrEmailAlreadyInUse or
	// ErrIdentityLinkExists on uniqueness violations.
	CreateAccount(ctx context.Context, a *Account, links ...*IdentityLink) error
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status AccountStatus) error
}

// IdentityLinkStorage defines external identity bindings
type IdentityLinkStorage interface {
	CreateIdentityLink(ctx context.Context, l *IdentityLink) error
	GetIdentityLink(ctx context.Context, provider, subject string) (*IdentityLink, error)
	ListIdentityLinks(ctx context.Context, accountID string) ([]*IdentityLink, error)
}

// RefreshTokenStorage keeps at most one refresh token per account
type RefreshTokenStorage interface {
	// UpsertRefreshToken atomically inserts the token or replaces the
	// account's existing one. Two rows for one account must never be visible.
	UpsertRefreshToken(ctx context.Context, t *RefreshToken) error

	// RotateRefreshToken replaces the account's token only while it still
	// has oldHash, otherwise it returns ErrRefreshTokenNotFound. Of two
	// callers rotating the same token, exactly one succeeds.
	RotateRefreshToken(ctx context.Context, oldHash string, t *RefreshToken) error

	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	DeleteRefreshToken(ctx context.Context, tokenHash string) error
	DeleteRefreshTokensByAccount(ctx context.Context, accountID string) error

	// Cleanup
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error)
}

// ExchangeCodeStorage keeps one-time redirect exchange codes
type ExchangeCodeStorage interface {
	CreateExchangeCode(ctx context.Context, c *ExchangeCode) error

	// ConsumeExchangeCode deletes the code and returns what was stored, in a
	// single atomic step. Returns ErrExchangeCodeNotFound when absent.
	ConsumeExchangeCode(ctx context.Context, codeHash string) (*ExchangeCode, error)

	DeleteExpiredExchangeCodes(ctx context.Context, now time.Time) (int, error)
}

type AuthStorage interface {
	AccountStorage
	IdentityLinkStorage
	RefreshTokenStorage
	ExchangeCodeStorage
}

// ============================================
// CREDENTIAL PORT
// ============================================

// PasswordHandler hashes and verifies passwords. Implementations must
// compare in constant time.
type PasswordHandler interface {
	Hash(password string) (string, error)
	Verify(password, hash string) (bool, error)
}

// ============================================
// IDENTITY PROVIDER PORT
// ============================================

// FederatedProfileFetcher performs a provider's authorization code exchange
// and returns the asserted profile. Failures wrap ErrFederatedAuth or
// ErrMissingEmailClaim.
type FederatedProfileFetcher interface {
	Name() string
	AuthCodeURL(state string) string
	FetchProfile(ctx context.Context, code string) (*FederatedProfile, error)
}

// ============================================
// CACHE PORT
// ============================================

// Cache defines account profile caching operations, keyed by email
type Cache interface {
	Get(email string) (*AccountProfile, error)
	Set(email string, profile *AccountProfile) error
	Delete(email string) error
	Clear() error
}

// CacheWithStats extends Cache with statistics tracking
type CacheWithStats interface {
	Cache
	Stats() CacheStats
}

// CacheConfig configures cache behavior
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

// CacheStats tracks cache performance metrics
type CacheStats struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Sets      int64         `json:"sets"`
	Deletes   int64         `json:"deletes"`
	Evictions int64         `json:"evictions"`
	Size      int           `json:"size"`
	TTL       time.Duration `json:"ttl"`
}

// ============================================
// AUTH HANDLER (for HTTP adapters)
// ============================================

// AuthHandler provides authentication operations for HTTP adapters
type AuthHandler interface {
	Register(ctx context.Context, input RegisterInput) (*AuthResult, error)
	Login(ctx context.Context, input LoginInput) (*AuthResult, error)
	FederatedLogin(ctx context.Context, profile FederatedProfile) (*AuthResult, error)
	ProviderLogin(ctx context.Context, provider, code string) (*AuthResult, error)
	AuthCodeURL(provider, state string) (string, error)
	RedirectSuccess(ctx context.Context, email string) (string, error)
	CompleteRedirectLogin(ctx context.Context, provider, code string) (string, error)
	ExchangeCode(ctx context.Context, code string) (*AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*AuthResult, error)
	Me(ctx context.Context, email string) (*AccountProfile, error)
	Logout(ctx context.Context, email string) error
	VerifyAccessToken(token string) (*Principal, error)
	CacheStats() (CacheStats, bool)
}

// ============================================
// HTTP PORT
// ============================================

// HTTPAdapter binds the endpoint registry to a web framework
type HTTPAdapter interface {
	RegisterRoutes(handler AuthHandler, basePath string) error

	// BuildProtectedMiddleware returns framework-specific middleware that
	// admits requests carrying a valid access token, and when role is set,
	// only principals holding it.
	BuildProtectedMiddleware(handler AuthHandler, role Role) interface{}
}
