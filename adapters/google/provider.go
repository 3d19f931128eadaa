// Package google fetches a verified FederatedProfile from Google by trading an
// authorization code for tokens and validating the returned id_token.
package google

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/lborres/susi/core"
)

const (
	Issuer  = "https://accounts.google.com"
	JWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// Google has issued id_tokens with and without the scheme.
var validIssuers = map[string]bool{
	Issuer:                true,
	"accounts.google.com": true,
}

var DefaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint defaults to Google's. Tests point it at a local server.
	Endpoint oauth2.Endpoint

	// Verifier defaults to one backed by Google's published signing keys.
	Verifier *oidc.IDTokenVerifier

	HTTPClient *http.Client

	// AllowUnverifiedEmail accepts profiles whose email_verified claim is false.
	AllowUnverifiedEmail bool
}

type Provider struct {
	oauth           *oauth2.Config
	verifier        *oidc.IDTokenVerifier
	httpClient      *http.Client
	allowUnverified bool
}

var _ core.FederatedProfileFetcher = (*Provider)(nil)

// idTokenClaims are the profile claims Google puts in its id_token.
type idTokenClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
	HostedDomain  string `json:"hd"`
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("google client id and secret are required")
	}

	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = googleoauth.Endpoint
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	verifier := cfg.Verifier
	if verifier == nil {
		keyCtx := ctx
		if cfg.HTTPClient != nil {
			keyCtx = oidc.ClientContext(ctx, cfg.HTTPClient)
		}
		verifier = oidc.NewVerifier(Issuer, oidc.NewRemoteKeySet(keyCtx, JWKSURL), &oidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: true,
		})
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:        verifier,
		httpClient:      cfg.HTTPClient,
		allowUnverified: cfg.AllowUnverifiedEmail,
	}, nil
}

func (p *Provider) Name() string {
	return core.ProviderGoogle
}

func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// FetchProfile exchanges code at the token endpoint and returns the profile
// carried by the verified id_token.
func (p *Provider) FetchProfile(ctx context.Context, code string) (*core.FederatedProfile, error) {
	if code == "" {
		return nil, core.ErrCodeRequired
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %w", core.ErrFederatedAuth, err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", core.ErrFederatedAuth)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token: %w", core.ErrFederatedAuth, err)
	}
	if !validIssuers[idToken.Issuer] {
		return nil, fmt.Errorf("%w: unexpected issuer %q", core.ErrFederatedAuth, idToken.Issuer)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: id_token claims: %w", core.ErrFederatedAuth, err)
	}
	if claims.Email == "" {
		return nil, core.ErrMissingEmailClaim
	}
	if !claims.EmailVerified && !p.allowUnverified {
		return nil, fmt.Errorf("%w: email %s is not verified", core.ErrFederatedAuth, claims.Email)
	}

	return &core.FederatedProfile{
		Provider:      core.ProviderGoogle,
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		GivenName:     claims.GivenName,
		FamilyName:    claims.FamilyName,
		Picture:       claims.Picture,
		Locale:        claims.Locale,
		HostedDomain:  claims.HostedDomain,
	}, nil
}
