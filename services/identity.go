package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/crypto"
)

// AccountStore is the part of storage the resolver needs.
type AccountStore interface {
	core.AccountStorage
	core.IdentityLinkStorage
}

// IdentityResolver maps an external (provider, subject) identity onto a
// local account, linking or creating one as needed.
type IdentityResolver struct {
	store  AccountStore
	logger *slog.Logger
	now    func() time.Time
}

func NewIdentityResolver(store AccountStore, logger *slog.Logger, now func() time.Time) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &IdentityResolver{store: store, logger: logger, now: now}
}

// Resolve looks the identity up by link first, then by email, and only then
// creates a new ACTIVE account. A concurrent request creating the same
// account or link is tolerated by re-reading once.
func (r *IdentityResolver) Resolve(ctx context.Context, profile core.FederatedProfile) (*core.Account, error) {
	profile.Email = NormalizeEmail(profile.Email)
	if profile.Email == "" {
		return nil, core.ErrMissingEmailClaim
	}
	if profile.Subject == "" || profile.Provider == "" {
		return nil, fmt.Errorf("%w: profile without provider subject", core.ErrFederatedAuth)
	}

	account, err := r.resolve(ctx, profile)
	if errors.Is(err, core.ErrEmailAlreadyInUse) || errors.Is(err, core.ErrIdentityLinkExists) {
		r.logger.Warn("identity resolution raced, retrying",
			"provider", profile.Provider,
			"email", profile.Email,
		)
		account, err = r.resolve(ctx, profile)
	}
	return account, err
}

func (r *IdentityResolver) resolve(ctx context.Context, profile core.FederatedProfile) (*core.Account, error) {
	// 1. Known link
	link, err := r.store.GetIdentityLink(ctx, profile.Provider, profile.Subject)
	switch {
	case err == nil:
		account, err := r.store.GetAccountByID(ctx, link.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load linked account: %w", err)
		}
		return account, nil
	case !errors.Is(err, core.ErrIdentityLinkNotFound):
		return nil, fmt.Errorf("failed to get identity link: %w", err)
	}

	newLink, err := r.newLink(profile)
	if err != nil {
		return nil, err
	}

	// 2. Existing account with the same email
	account, err := r.store.GetAccountByEmail(ctx, profile.Email)
	switch {
	case err == nil:
		newLink.AccountID = account.ID
		if err := r.store.CreateIdentityLink(ctx, newLink); err != nil {
			return nil, err
		}
		r.logger.Info("linked identity to existing account",
			"provider", profile.Provider,
			"account_id", account.ID,
		)
		return account, nil
	case !errors.Is(err, core.ErrAccountNotFound):
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	// 3. New account
	account = &core.Account{
		ID:        uuid.NewString(),
		Email:     profile.Email,
		Status:    core.StatusActive,
		Roles:     []core.Role{core.RoleUser},
		Name:      profile.Name,
		CreatedAt: r.now(),
	}
	if profile.Picture != "" {
		picture := profile.Picture
		account.Image = &picture
	}
	if err := r.store.CreateAccount(ctx, account, newLink); err != nil {
		return nil, err
	}
	r.logger.Info("created account from federated identity",
		"provider", profile.Provider,
		"account_id", account.ID,
	)
	return account, nil
}

func (r *IdentityResolver) newLink(profile core.FederatedProfile) (*core.IdentityLink, error) {
	id, err := crypto.NewID(crypto.PrefixIdentityLink)
	if err != nil {
		return nil, fmt.Errorf("failed to generate link id: %w", err)
	}
	return &core.IdentityLink{
		ID:        id,
		Provider:  profile.Provider,
		Subject:   profile.Subject,
		CreatedAt: r.now(),
	}, nil
}
