package core

import "time"

type AccountStatus string

const (
	StatusActive    AccountStatus = "ACTIVE"
	StatusSuspended AccountStatus = "SUSPENDED"
	StatusDeleted   AccountStatus = "DELETED"
	StatusPending   AccountStatus = "PENDING"
)

// Valid reports whether s is one of the known account statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeleted, StatusPending:
		return true
	}
	return false
}

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Identity provider names as stored on IdentityLink.Provider
const (
	ProviderLocal  = "local"
	ProviderGoogle = "GOOGLE"
)

// Account represents a local user account
//
// This is the "identity" - who someone is. One account per email.
type Account struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	PasswordHash *string       `json:"-"` // nil for federated-only accounts
	Status       AccountStatus `json:"status"`
	Roles        []Role        `json:"roles"`
	Name         string        `json:"name"`
	Image        *string       `json:"image,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// RoleNames returns the account roles as plain strings, in order.
func (a *Account) RoleNames() []string {
	names := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		names = append(names, string(r))
	}
	return names
}

// IdentityLink binds an account to an external (provider, subject) pair
//
// This is the "credential" - how someone proves who they are
type IdentityLink struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Provider  string    `json:"provider"` // "local", "GOOGLE"
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}

// RefreshToken is the single live refresh credential of an account
type RefreshToken struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	TokenHash string    `json:"-"` // Never expose in JSON (security!)
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ExchangeCode carries an authenticated email across a redirect
type ExchangeCode struct {
	CodeHash  string    `json:"-"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *ExchangeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// FederatedProfile is the identity asserted by an external provider
type FederatedProfile struct {
	Provider      string `json:"provider"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"givenName,omitempty"`
	FamilyName    string `json:"familyName,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
	HostedDomain  string `json:"hd,omitempty"`
}

// AccountProfile is the model returned to clients
type AccountProfile struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	Name      string        `json:"name"`
	Image     *string       `json:"image,omitempty"`
	Roles     []Role        `json:"roles"`
	Status    AccountStatus `json:"status"`
	Providers []string      `json:"providers,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// NewAccountProfile builds the client view of an account and its links.
func NewAccountProfile(a *Account, links []*IdentityLink) *AccountProfile {
	p := &AccountProfile{
		ID:        a.ID,
		Email:     a.Email,
		Name:      a.Name,
		Image:     a.Image,
		Roles:     append([]Role(nil), a.Roles...),
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
	}
	for _, l := range links {
		p.Providers = append(p.Providers, l.Provider)
	}
	return p
}

// AuthResult is returned by every token-issuing operation
type AuthResult struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	TokenType    string          `json:"tokenType"`
	ExpiresIn    int64           `json:"expiresIn"` // access token lifetime in seconds
	Account      *AccountProfile `json:"account"`
}

// Principal is the identity carried by a verified access token
type Principal struct {
	Email       string    `json:"email"`
	Authorities []string  `json:"authorities"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// HasAuthority reports whether the principal was granted the given role.
func (p *Principal) HasAuthority(role Role) bool {
	for _, a := range p.Authorities {
		if a == string(role) {
			return true
		}
	}
	return false
}

type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
