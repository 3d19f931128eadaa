package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/crypto"
	"github.com/lborres/susi/pkg/token"
)

const TokenTypeBearer = "Bearer"

type Options struct {
	// Storage holds accounts and identity links, and refresh tokens and
	// exchange codes unless overridden below.
	Storage       core.AuthStorage
	RefreshTokens core.RefreshTokenStorage
	ExchangeCodes core.ExchangeCodeStorage

	Codec     *token.Codec
	Passwords core.PasswordHandler
	Cache     core.Cache // optional
	Providers []core.FederatedProfileFetcher
	Tokens    core.TokenConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

type AuthService struct {
	accounts  AccountStore
	refresh   core.RefreshTokenStorage
	codes     *ExchangeCodes
	resolver  *IdentityResolver
	codec     *token.Codec
	passwords core.PasswordHandler
	cache     core.Cache
	providers map[string]core.FederatedProfileFetcher
	tokens    core.TokenConfig
	logger    *slog.Logger
	now       func() time.Time

	// placeholder is a hash of a random value, verified against when there
	// is no real password to check.
	placeholderOnce sync.Once
	placeholder     string
}

// Ensure AuthService implements AuthHandler
var _ core.AuthHandler = (*AuthService)(nil)

func NewAuthService(opts Options) (*AuthService, error) {
	if opts.Storage == nil {
		return nil, core.ErrDBAdapterRequired
	}
	if opts.Codec == nil {
		return nil, core.ErrSecretRequired
	}
	if opts.Passwords == nil {
		opts.Passwords = crypto.NewArgon2()
	}
	if opts.RefreshTokens == nil {
		opts.RefreshTokens = opts.Storage
	}
	if opts.ExchangeCodes == nil {
		opts.ExchangeCodes = opts.Storage
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tokens := opts.Tokens.WithDefaults()

	providers := make(map[string]core.FederatedProfileFetcher, len(opts.Providers))
	for _, p := range opts.Providers {
		key := strings.ToLower(p.Name())
		if _, dup := providers[key]; dup {
			return nil, fmt.Errorf("identity provider %q registered twice", p.Name())
		}
		providers[key] = p
	}

	return &AuthService{
		accounts:  opts.Storage,
		refresh:   opts.RefreshTokens,
		codes:     NewExchangeCodes(opts.ExchangeCodes, tokens.ExchangeCodeTTL, opts.Now),
		resolver:  NewIdentityResolver(opts.Storage, opts.Logger, opts.Now),
		codec:     opts.Codec,
		passwords: opts.Passwords,
		cache:     opts.Cache,
		providers: providers,
		tokens:    tokens,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

// Register creates a password account and signs it in
func (s *AuthService) Register(ctx context.Context, input core.RegisterInput) (*core.AuthResult, error) {
	input.Email = NormalizeEmail(input.Email)
	if err := validateRegisterInput(input); err != nil {
		return nil, err
	}

	// Step 1: Check if the email is taken
	_, err := s.accounts.GetAccountByEmail(ctx, input.Email)
	if err == nil {
		return nil, core.ErrEmailAlreadyInUse
	}
	if !errors.Is(err, core.ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to check existing account: %w", err)
	}

	// Step 2: Hash the password
	hashedPassword, err := s.passwords.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// Step 3: Create the account with its local identity link
	linkID, err := crypto.NewID(crypto.PrefixIdentityLink)
	if err != nil {
		return nil, fmt.Errorf("failed to generate link id: %w", err)
	}
	now := s.now()
	account := &core.Account{
		ID:           uuid.NewString(),
		Email:        input.Email,
		PasswordHash: &hashedPassword,
		Status:       core.StatusActive,
		Roles:        []core.Role{core.RoleUser},
		Name:         strings.TrimSpace(input.Name),
		CreatedAt:    now,
	}
	link := &core.IdentityLink{
		ID:        linkID,
		Provider:  core.ProviderLocal,
		Subject:   input.Email,
		CreatedAt: now,
	}
	if err := s.accounts.CreateAccount(ctx, account, link); err != nil {
		if errors.Is(err, core.ErrEmailAlreadyInUse) {
			return nil, core.ErrEmailAlreadyInUse
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	s.logger.Info("account registered", "account_id", account.ID)

	// Step 4: Issue tokens
	return s.issueTokenPair(ctx, account)
}

// Login authenticates with email and password. Every credential failure is
// reported as ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, input core.LoginInput) (*core.AuthResult, error) {
	email := NormalizeEmail(input.Email)
	if email == "" {
		return nil, core.ErrEmailRequired
	}
	if input.Password == "" {
		return nil, core.ErrPasswordRequired
	}

	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			s.verifyPlaceholder(input.Password)
			return nil, core.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	// Federated-only accounts have no password to check
	if account.PasswordHash == nil {
		s.verifyPlaceholder(input.Password)
		return nil, core.ErrInvalidCredentials
	}

	valid, err := s.passwords.Verify(input.Password, *account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		return nil, core.ErrInvalidCredentials
	}

	if err := requireActive(account); err != nil {
		return nil, err
	}
	return s.issueTokenPair(ctx, account)
}

// FederatedLogin signs in the account bound to an already verified
// provider profile, creating or linking it when needed.
func (s *AuthService) FederatedLogin(ctx context.Context, profile core.FederatedProfile) (*core.AuthResult, error) {
	account, err := s.resolver.Resolve(ctx, profile)
	if err != nil {
		return nil, err
	}
	if err := requireActive(account); err != nil {
		return nil, err
	}
	return s.issueTokenPair(ctx, account)
}

func (s *AuthService) ProviderLogin(ctx context.Context, provider, code string) (*core.AuthResult, error) {
	profile, err := s.fetchProfile(ctx, provider, code)
	if err != nil {
		return nil, err
	}
	return s.FederatedLogin(ctx, *profile)
}

func (s *AuthService) AuthCodeURL(provider, state string) (string, error) {
	p, err := s.provider(provider)
	if err != nil {
		return "", err
	}
	return p.AuthCodeURL(state), nil
}

// RedirectSuccess issues a one-time exchange code for an email the caller
// has already authenticated. No tokens are issued here.
func (s *AuthService) RedirectSuccess(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", core.ErrEmailRequired
	}
	return s.codes.Issue(ctx, email)
}

// CompleteRedirectLogin finishes a provider redirect: the profile is fetched,
// bound to an account and handed back as an exchange code.
func (s *AuthService) CompleteRedirectLogin(ctx context.Context, provider, code string) (string, error) {
	profile, err := s.fetchProfile(ctx, provider, code)
	if err != nil {
		return "", err
	}
	account, err := s.resolver.Resolve(ctx, *profile)
	if err != nil {
		return "", err
	}
	return s.RedirectSuccess(ctx, account.Email)
}

func (s *AuthService) ExchangeCode(ctx context.Context, code string) (*core.AuthResult, error) {
	email, err := s.codes.Redeem(ctx, code)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return nil, core.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if err := requireActive(account); err != nil {
		return nil, err
	}
	return s.issueTokenPair(ctx, account)
}

// Refresh rotates the account's refresh token. The presented token is looked
// up by hash; a token that is no longer stored is rejected even if its
// signature is still valid.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*core.AuthResult, error) {
	if refreshToken == "" {
		return nil, core.ErrTokenRequired
	}

	tokenHash := crypto.HashToken(refreshToken)
	stored, err := s.refresh.GetRefreshTokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, core.ErrRefreshTokenNotFound) {
			return nil, core.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if stored.Expired(s.now()) {
		s.logger.Warn("expired refresh token presented", "account_id", stored.AccountID)
		if err := s.refresh.DeleteRefreshToken(ctx, tokenHash); err != nil {
			s.logger.Error("failed to delete expired refresh token", "error", err)
		}
		return nil, core.ErrRefreshTokenExpired
	}

	account, err := s.accounts.GetAccountByID(ctx, stored.AccountID)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return nil, core.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if err := requireActive(account); err != nil {
		return nil, err
	}
	return s.issueTokenPairReplacing(ctx, account, tokenHash)
}

// Me returns the account profile for an authenticated email. The account
// status gate does not apply here.
func (s *AuthService) Me(ctx context.Context, email string) (*core.AccountProfile, error) {
	email = NormalizeEmail(email)

	// Try cache first if caching is enabled
	if s.cache != nil {
		if profile, err := s.cache.Get(email); err == nil {
			return profile, nil
		}
	}

	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return nil, core.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	profile, err := s.profile(ctx, account)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		// We don't fail the request if caching fails
		_ = s.cache.Set(email, profile)
	}
	return profile, nil
}

// Logout drops the account's refresh token. Access tokens already issued
// stay valid until they expire. Unknown emails are ignored.
func (s *AuthService) Logout(ctx context.Context, email string) error {
	email = NormalizeEmail(email)

	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return nil
		}
		return fmt.Errorf("failed to find account: %w", err)
	}

	if err := s.refresh.DeleteRefreshTokensByAccount(ctx, account.ID); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Delete(email)
	}
	s.logger.Debug("account logged out", "account_id", account.ID)
	return nil
}

func (s *AuthService) VerifyAccessToken(raw string) (*core.Principal, error) {
	claims, err := s.codec.VerifyAccess(raw)
	if err != nil {
		return nil, err
	}
	return &core.Principal{
		Email:       token.SubjectOf(claims),
		Authorities: token.AuthoritiesOf(claims),
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func (s *AuthService) CacheStats() (core.CacheStats, bool) {
	withStats, ok := s.cache.(core.CacheWithStats)
	if !ok {
		return core.CacheStats{}, false
	}
	return withStats.Stats(), true
}

// issueTokenPair signs a fresh access/refresh pair and makes the new refresh
// token the account's only live one.
func (s *AuthService) issueTokenPair(ctx context.Context, account *core.Account) (*core.AuthResult, error) {
	return s.issueTokenPairReplacing(ctx, account, "")
}

// issueTokenPairReplacing issues a pair whose refresh token takes the place
// of oldHash. When another request already rotated oldHash away, it fails
// with ErrRefreshTokenNotFound and issues nothing.
func (s *AuthService) issueTokenPairReplacing(ctx context.Context, account *core.Account, oldHash string) (*core.AuthResult, error) {
	accessToken, err := s.codec.IssueAccessToken(account.Email, account.RoleNames(), s.tokens.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refreshToken, err := s.codec.IssueRefreshToken(account.Email, s.tokens.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	id, err := crypto.NewID(crypto.PrefixRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token id: %w", err)
	}
	now := s.now()
	record := &core.RefreshToken{
		ID:        id,
		AccountID: account.ID,
		TokenHash: crypto.HashToken(refreshToken),
		ExpiresAt: now.Add(s.tokens.RefreshTTL),
		CreatedAt: now,
	}
	if oldHash == "" {
		err = s.refresh.UpsertRefreshToken(ctx, record)
	} else {
		err = s.refresh.RotateRefreshToken(ctx, oldHash, record)
	}
	if err != nil {
		if errors.Is(err, core.ErrRefreshTokenNotFound) {
			s.logger.Warn("refresh token already rotated", "account_id", account.ID)
			return nil, core.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	profile, err := s.profile(ctx, account)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("issued token pair", "account_id", account.ID)
	return &core.AuthResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.tokens.AccessTTL / time.Second),
		Account:      profile,
	}, nil
}

func (s *AuthService) profile(ctx context.Context, account *core.Account) (*core.AccountProfile, error) {
	links, err := s.accounts.ListIdentityLinks(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identity links: %w", err)
	}
	return core.NewAccountProfile(account, links), nil
}

func (s *AuthService) provider(name string) (core.FederatedProfileFetcher, error) {
	p, ok := s.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrProviderNotSupported, name)
	}
	return p, nil
}

func (s *AuthService) fetchProfile(ctx context.Context, provider, code string) (*core.FederatedProfile, error) {
	p, err := s.provider(provider)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, core.ErrCodeRequired
	}
	profile, err := p.FetchProfile(ctx, code)
	if err != nil {
		s.logger.Warn("identity provider rejected login", "provider", p.Name(), "error", err)
		return nil, err
	}
	return profile, nil
}

// verifyPlaceholder spends one password verification on a throwaway hash so
// that a login for an unknown or password-less account takes as long as a
// wrong password.
func (s *AuthService) verifyPlaceholder(password string) {
	s.placeholderOnce.Do(func() {
		secret, err := crypto.GenerateToken(0)
		if err == nil {
			s.placeholder, err = s.passwords.Hash(secret)
		}
		if err != nil {
			s.logger.Error("failed to prepare placeholder password hash", "error", err)
		}
	})
	if s.placeholder != "" {
		_, _ = s.passwords.Verify(password, s.placeholder)
	}
}

func requireActive(account *core.Account) error {
	if account.Status != core.StatusActive {
		return &core.AccountNotActiveError{Status: account.Status}
	}
	return nil
}
