package services

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/lborres/susi/core"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
	maxEmailLength    = 254
)

// NormalizeEmail is the canonical form under which accounts are stored
// and looked up.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return core.ErrEmailRequired
	}
	if len(email) > maxEmailLength {
		return core.ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	// Reject display-name forms such as "Alice <a@x.com>"
	if err != nil || addr.Address != email {
		return core.ErrInvalidEmail
	}
	return nil
}

func validatePassword(password string) error {
	if password == "" {
		return core.ErrPasswordRequired
	}
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return core.ErrPasswordTooShort
	}
	if n > MaxPasswordLength {
		return core.ErrPasswordTooLong
	}
	return nil
}

func validateRegisterInput(input core.RegisterInput) error {
	if err := validateEmail(input.Email); err != nil {
		return err
	}
	return validatePassword(input.Password)
}
