package core

import (
	"errors"
	"fmt"
)

// Authentication Related Errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")    // 401 Unauthorized
	ErrAccountNotActive   = errors.New("account is not active")        // 401 Unauthorized
	ErrAccountNotFound    = errors.New("account not found")            // 401 Unauthorized
	ErrEmailAlreadyInUse  = errors.New("email address already in use") // 409 Conflict
)

// Token errors
var (
	ErrRefreshTokenNotFound  = errors.New("refresh token not found")
	ErrRefreshTokenExpired   = errors.New("refresh token expired")
	ErrExchangeCodeNotFound  = errors.New("exchange code not found")
	ErrExchangeCodeExpired   = errors.New("exchange code expired")
	ErrTokenMalformed        = errors.New("token is malformed")
	ErrTokenExpired          = errors.New("token is expired")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
	ErrTokenTypeMismatch     = errors.New("unexpected token type")
	ErrMissingAuthHeader     = errors.New("missing authorization header")
)

var ErrCacheNotFound = errors.New("profile not found in cache")

// Federated identity errors
var (
	ErrFederatedAuth        = errors.New("federated authentication failed")         // 401
	ErrMissingEmailClaim    = errors.New("email not provided by identity provider") // 401
	ErrProviderNotSupported = errors.New("identity provider not supported")         // 404
	ErrInvalidState         = errors.New("invalid or missing oauth2 state")         // 401
	ErrIdentityLinkNotFound = errors.New("identity link not found")
	ErrIdentityLinkExists   = errors.New("identity already linked to an account") // 409
)

// Validation errors (client input)
var (
	ErrInvalidAuthHeader = errors.New("invalid authorization format, expected 'Bearer <token>'") // 401
	ErrEmailRequired     = errors.New("email is required")                                       // 400
	ErrPasswordRequired  = errors.New("password is required")                                    // 400
	ErrPasswordTooShort  = errors.New("password is too short")                                   // 400
	ErrPasswordTooLong   = errors.New("password is too long")                                    // 400
	ErrInvalidEmail      = errors.New("invalid email format")                                    // 400
	ErrCodeRequired      = errors.New("code is required")                                        // 400
	ErrTokenRequired     = errors.New("refresh token is required")                               // 400
)

// Config errors (server-side configuration)
var (
	ErrDBAdapterRequired   = errors.New("database adapter is required") // 500
	ErrHTTPAdapterRequired = errors.New("adapter is required")          // 500
	ErrSecretRequired      = errors.New("secret is required")           // 500
	ErrSigningKeyWeak      = errors.New("signing key too weak")         // 500
)

// AccountNotActiveError carries the status that failed the ACTIVE gate.
// It matches ErrAccountNotActive with errors.Is.
type AccountNotActiveError struct {
	Status AccountStatus
}

func (e *AccountNotActiveError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAccountNotActive.Error(), e.Status)
}

func (e *AccountNotActiveError) Is(target error) bool {
	return target == ErrAccountNotActive
}

// IsAuthFailure reports whether err is an authentication outcome that must be
// surfaced to callers as a plain "unauthorized".
func IsAuthFailure(err error) bool {
	for _, target := range []error{
		ErrInvalidCredentials,
		ErrAccountNotActive,
		ErrAccountNotFound,
		ErrRefreshTokenNotFound,
		ErrRefreshTokenExpired,
		ErrExchangeCodeNotFound,
		ErrExchangeCodeExpired,
		ErrTokenMalformed,
		ErrTokenExpired,
		ErrTokenSignatureInvalid,
		ErrTokenTypeMismatch,
		ErrMissingAuthHeader,
		ErrInvalidAuthHeader,
		ErrInvalidState,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidationError reports whether err was caused by bad client input.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrEmailRequired,
		ErrPasswordRequired,
		ErrPasswordTooShort,
		ErrPasswordTooLong,
		ErrInvalidEmail,
		ErrCodeRequired,
		ErrTokenRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
