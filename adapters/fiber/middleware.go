package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/susi/core"
)

type principalKey struct{}

// BuildProtectedMiddleware creates a Fiber middleware that validates access
// tokens and stores the principal in the context for downstream handlers.
func (a *Adapter) BuildProtectedMiddleware(handler core.AuthHandler, role core.Role) interface{} {
	return a.requireAuth(handler, role)
}

func (a *Adapter) requireAuth(handler core.AuthHandler, role core.Role) fiber.Handler {
	return func(c fiber.Ctx) error {
		token, err := bearerToken(c)
		if err != nil {
			return a.writeError(c, err)
		}

		// Refresh tokens are rejected here by their token_type claim
		principal, err := handler.VerifyAccessToken(token)
		if err != nil {
			return a.writeError(c, err)
		}

		if role != "" && !principal.HasAuthority(role) {
			return c.Status(http.StatusForbidden).JSON(core.ErrorResponse{Error: "forbidden"})
		}

		c.Locals(principalKey{}, principal)
		return c.Next()
	}
}

// PrincipalFrom returns the principal stored by the protected middleware.
func PrincipalFrom(c fiber.Ctx) (*core.Principal, bool) {
	p, ok := c.Locals(principalKey{}).(*core.Principal)
	return p, ok
}
