// Package susi is a credential and session-issuing authority: it
// authenticates accounts by password or identity provider and issues the
// access and refresh tokens other services trust.
package susi

import (
	"log/slog"
	"strings"
	"time"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/cache"
	"github.com/lborres/susi/pkg/crypto"
	"github.com/lborres/susi/pkg/token"
	"github.com/lborres/susi/services"
)

// interfaces
type (
	AuthStorage         = core.AuthStorage
	RefreshTokenStorage = core.RefreshTokenStorage
	ExchangeCodeStorage = core.ExchangeCodeStorage
	Cache               = core.Cache

	HTTPAdapter = core.HTTPAdapter
	AuthHandler = core.AuthHandler

	FederatedProfileFetcher = core.FederatedProfileFetcher
	PasswordHandler         = core.PasswordHandler
)

// structs
type (
	TokenConfig = core.TokenConfig
	CacheConfig = core.CacheConfig
	CacheStats  = core.CacheStats
)

type (
	Account          = core.Account
	AccountProfile   = core.AccountProfile
	AccountStatus    = core.AccountStatus
	IdentityLink     = core.IdentityLink
	FederatedProfile = core.FederatedProfile
	AuthResult       = core.AuthResult
	Principal        = core.Principal
	Role             = core.Role
	RegisterInput    = core.RegisterInput
	LoginInput       = core.LoginInput
)

const (
	defaultBasePath = "/api/auth"
	defaultCacheTTL = 5 * time.Minute
	defaultCacheMax = 500
)

// Constructors & helpers (convenience re-exports)
var (
	NewInMemoryCache   = cache.NewInMemoryCache
	NewArgon2          = crypto.NewArgon2
	DefaultTokenConfig = core.DefaultTokenConfig
)

var (
	ErrInvalidCredentials = core.ErrInvalidCredentials
	ErrAccountNotActive   = core.ErrAccountNotActive
	ErrAccountNotFound    = core.ErrAccountNotFound
	ErrEmailAlreadyInUse  = core.ErrEmailAlreadyInUse
)

var (
	ErrRefreshTokenNotFound = core.ErrRefreshTokenNotFound
	ErrRefreshTokenExpired  = core.ErrRefreshTokenExpired
	ErrExchangeCodeNotFound = core.ErrExchangeCodeNotFound
	ErrExchangeCodeExpired  = core.ErrExchangeCodeExpired
	ErrTokenExpired         = core.ErrTokenExpired
	ErrTokenMalformed       = core.ErrTokenMalformed
	ErrFederatedAuth        = core.ErrFederatedAuth
	ErrMissingEmailClaim    = core.ErrMissingEmailClaim
)

var (
	ErrDBAdapterRequired   = core.ErrDBAdapterRequired
	ErrHTTPAdapterRequired = core.ErrHTTPAdapterRequired
	ErrSecretRequired      = core.ErrSecretRequired
	ErrSigningKeyWeak      = core.ErrSigningKeyWeak
)

type Config struct {
	// Secret is the HMAC key for every token, at least 32 bytes
	Secret string

	// Database stores accounts and identity links. It also stores refresh
	// tokens and exchange codes unless RefreshTokens or ExchangeCodes is set.
	Database      AuthStorage
	RefreshTokens RefreshTokenStorage
	ExchangeCodes ExchangeCodeStorage

	HTTP     HTTPAdapter
	BasePath string

	PasswordHasher PasswordHandler
	Providers      []FederatedProfileFetcher
	Tokens         TokenConfig

	CacheAdapter Cache
	DisableCache bool

	// SweepInterval is how often the Janitor removes expired rows
	SweepInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

type Susi struct {
	Auth     *services.AuthService
	Janitor  *services.Janitor
	BasePath string

	http HTTPAdapter
}

func New(config Config) (*Susi, error) {
	if config.Secret == "" {
		return nil, ErrSecretRequired
	}
	if config.Database == nil {
		return nil, ErrDBAdapterRequired
	}
	if config.HTTP == nil {
		return nil, ErrHTTPAdapterRequired
	}

	// Set Defaults

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cacheAdapter := config.CacheAdapter
	if cacheAdapter == nil && !config.DisableCache {
		cacheAdapter = NewInMemoryCache(CacheConfig{
			TTL:     defaultCacheTTL,
			MaxSize: defaultCacheMax,
		})
	}

	tokens := config.Tokens.WithDefaults()

	basePath := strings.TrimRight(config.BasePath, "/")
	if basePath == "" {
		basePath = defaultBasePath
	}

	refreshTokens := config.RefreshTokens
	if refreshTokens == nil {
		refreshTokens = config.Database
	}
	exchangeCodes := config.ExchangeCodes
	if exchangeCodes == nil {
		exchangeCodes = config.Database
	}

	codec, err := token.New(token.Config{
		Secret: []byte(config.Secret),
		Issuer: tokens.Issuer,
		Now:    config.Now,
	})
	if err != nil {
		return nil, err
	}

	auth, err := services.NewAuthService(services.Options{
		Storage:       config.Database,
		RefreshTokens: refreshTokens,
		ExchangeCodes: exchangeCodes,
		Codec:         codec,
		Passwords:     config.PasswordHasher,
		Cache:         cacheAdapter,
		Providers:     config.Providers,
		Tokens:        tokens,
		Logger:        logger,
		Now:           config.Now,
	})
	if err != nil {
		return nil, err
	}

	s := &Susi{
		Auth:     auth,
		Janitor:  services.NewJanitor(refreshTokens, exchangeCodes, config.SweepInterval, logger),
		BasePath: basePath,
		http:     config.HTTP,
	}

	if err := config.HTTP.RegisterRoutes(auth, basePath); err != nil {
		return nil, err
	}

	return s, nil
}

// Protected returns the HTTP adapter's middleware for routes of the host
// application. With a role, only principals holding it are admitted.
func (s *Susi) Protected(role ...Role) interface{} {
	var required Role
	if len(role) > 0 {
		required = role[0]
	}
	return s.http.BuildProtectedMiddleware(s.Auth, required)
}
