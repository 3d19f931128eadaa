package fiber

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/crypto"
)

const (
	msgUnauthorized = "unauthorized"
	msgInternal     = "An unexpected error occurred"
)

var errInvalidBody = errors.New("invalid request body")

func fiberCtx(rc *core.RequestContext) fiber.Ctx {
	return rc.Request.(fiber.Ctx)
}

func handleRegister(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	var input core.RegisterInput
	if err := c.Bind().Body(&input); err != nil {
		return errInvalidBody
	}

	result, err := rc.Auth.Register(c.Context(), input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(result)
}

func handleLogin(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	var input core.LoginInput
	if err := c.Bind().Body(&input); err != nil {
		return errInvalidBody
	}

	result, err := rc.Auth.Login(c.Context(), input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(result)
}

// handleRefresh accepts the refresh token in the JSON body or, failing that,
// as a Bearer credential.
func handleRefresh(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	var input core.RefreshInput
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&input); err != nil {
			return errInvalidBody
		}
	}
	if input.RefreshToken == "" {
		input.RefreshToken, _ = bearerToken(c)
	}

	result, err := rc.Auth.Refresh(c.Context(), input.RefreshToken)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(result)
}

func handleExchangeCode(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	var input core.CodeInput
	if err := c.Bind().Body(&input); err != nil {
		return errInvalidBody
	}

	result, err := rc.Auth.ExchangeCode(c.Context(), input.Code)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(result)
}

func handleMe(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	profile, err := rc.Auth.Me(c.Context(), rc.Principal.Email)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(profile)
}

func handleLogout(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	if err := rc.Auth.Logout(c.Context(), rc.Principal.Email); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func handleProviderLogin(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	var input core.CodeInput
	if err := c.Bind().Body(&input); err != nil {
		return errInvalidBody
	}

	result, err := rc.Auth.ProviderLogin(c.Context(), c.Params("provider"), input.Code)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(result)
}

// handleAuthorize starts a redirect login. The state travels to the provider
// in clear and comes back to us hashed in an HttpOnly cookie.
func handleAuthorize(config Config, cookiePath string) func(*core.RequestContext) error {
	return func(rc *core.RequestContext) error {
		c := fiberCtx(rc)

		state, err := crypto.GenerateHashedToken()
		if err != nil {
			return err
		}
		target, err := rc.Auth.AuthCodeURL(c.Params("provider"), state.Token)
		if err != nil {
			return err
		}

		c.Cookie(&fiber.Cookie{
			Name:     config.StateCookieName,
			Value:    state.Hash,
			Path:     cookiePath,
			MaxAge:   int((10 * time.Minute) / time.Second),
			Secure:   config.SecureCookies,
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
		return c.Redirect().Status(http.StatusFound).To(target)
	}
}

// handleCallback finishes a redirect login and sends the browser to the
// frontend with a one-time exchange code, never with a bearer token.
func handleCallback(config Config, cookiePath string) func(*core.RequestContext) error {
	return func(rc *core.RequestContext) error {
		c := fiberCtx(rc)

		stateHash := c.Cookies(config.StateCookieName)
		c.Cookie(&fiber.Cookie{
			Name:     config.StateCookieName,
			Path:     cookiePath,
			Expires:  time.Unix(0, 0),
			Secure:   config.SecureCookies,
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})

		if reason := c.Query("error"); reason != "" {
			return fmt.Errorf("%w: provider returned %s", core.ErrFederatedAuth, reason)
		}

		state := c.Query("state")
		if state == "" || stateHash == "" {
			return core.ErrInvalidState
		}
		if ok, err := crypto.VerifyToken(state, stateHash); err != nil || !ok {
			return core.ErrInvalidState
		}

		code, err := rc.Auth.CompleteRedirectLogin(c.Context(), c.Params("provider"), c.Query("code"))
		if err != nil {
			return err
		}

		target := config.FrontendURL + "/google-login-success?code=" + url.QueryEscape(code)
		return c.Redirect().Status(http.StatusFound).To(target)
	}
}

func handleCacheStats(rc *core.RequestContext) error {
	c := fiberCtx(rc)

	stats, ok := rc.Auth.CacheStats()
	if !ok {
		return c.Status(http.StatusNotFound).JSON(core.ErrorResponse{Error: "cache disabled"})
	}
	return c.Status(http.StatusOK).JSON(stats)
}

// bearerToken reads the credential of an "Authorization: Bearer" header.
func bearerToken(c fiber.Ctx) (string, error) {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return "", core.ErrMissingAuthHeader
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", core.ErrInvalidAuthHeader
	}
	return strings.TrimSpace(token), nil
}

// writeError maps errors to HTTP responses. Authentication failures share
// one body so callers cannot tell which check failed.
func (a *Adapter) writeError(c fiber.Ctx, err error) error {
	status := mapErrorToStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err,
		)
	}
	return c.Status(status).JSON(core.ErrorResponse{Error: errorMessage(err, status)})
}

// mapErrorToStatus maps susi error types to HTTP status codes
func mapErrorToStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch {
	case errors.Is(err, core.ErrFederatedAuth),
		errors.Is(err, core.ErrMissingEmailClaim),
		core.IsAuthFailure(err):
		return http.StatusUnauthorized

	case errors.Is(err, core.ErrEmailAlreadyInUse),
		errors.Is(err, core.ErrIdentityLinkExists):
		return http.StatusConflict

	case errors.Is(err, errInvalidBody),
		core.IsValidationError(err):
		return http.StatusBadRequest

	case errors.Is(err, core.ErrProviderNotSupported):
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error, status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return msgInternal
	case errors.Is(err, core.ErrFederatedAuth):
		return core.ErrFederatedAuth.Error()
	case errors.Is(err, core.ErrMissingEmailClaim):
		return core.ErrMissingEmailClaim.Error()
	case status == http.StatusUnauthorized:
		return msgUnauthorized
	case errors.Is(err, core.ErrProviderNotSupported):
		return core.ErrProviderNotSupported.Error()
	default:
		return err.Error()
	}
}
