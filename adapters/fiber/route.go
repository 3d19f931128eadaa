// Package fiber serves the susi endpoints on a Fiber v3 application.
package fiber

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/services"
)

const defaultStateCookie = "susi_oauth_state"

type Config struct {
	// FrontendURL receives the browser after a provider callback, at
	// FrontendURL + "/google-login-success?code=...".
	FrontendURL string

	StateCookieName string
	SecureCookies   bool

	// Plugins are extra endpoints served next to the base ones. Each must
	// carry its own Handler.
	Plugins []core.Endpoint

	Logger *slog.Logger
}

type Adapter struct {
	app    *fiber.App
	config Config
	logger *slog.Logger
}

var _ core.HTTPAdapter = (*Adapter)(nil)

func New(app *fiber.App, config ...Config) *Adapter {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.StateCookieName == "" {
		cfg.StateCookieName = defaultStateCookie
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{app: app, config: cfg, logger: cfg.Logger}
}

// RegisterRoutes mounts every registry endpoint under basePath, binding base
// endpoints to this adapter's handlers by OperationID.
func (a *Adapter) RegisterRoutes(handler core.AuthHandler, basePath string) error {
	registry := services.NewEndpointRegistry()
	if len(a.config.Plugins) > 0 {
		if err := registry.RegisterPlugin(a.config.Plugins); err != nil {
			return err
		}
	}

	handlers := a.handlers(basePath)
	api := a.app.Group(basePath)

	for _, ep := range registry.Endpoints() {
		if ep.Handler == nil {
			h, ok := handlers[ep.Metadata.OperationID]
			if !ok {
				return fmt.Errorf("no fiber handler for operation %q", ep.Metadata.OperationID)
			}
			ep.Handler = h
		}

		route := a.bind(handler, *ep)
		methods := []string{ep.Method}
		if ep.Metadata.RequiresAuth {
			api.Add(methods, ep.Path, a.requireAuth(handler, ep.Metadata.RequiredRole), route)
		} else {
			api.Add(methods, ep.Path, route)
		}
		a.logger.Debug("registered route", "method", ep.Method, "path", basePath+ep.Path, "operation", ep.Metadata.OperationID)
	}
	return nil
}

func (a *Adapter) handlers(basePath string) map[string]func(*core.RequestContext) error {
	cookiePath := strings.TrimRight(basePath, "/") + "/oauth2"
	return map[string]func(*core.RequestContext) error{
		services.OpRegister:      handleRegister,
		services.OpLogin:         handleLogin,
		services.OpRefresh:       handleRefresh,
		services.OpExchangeCode:  handleExchangeCode,
		services.OpMe:            handleMe,
		services.OpLogout:        handleLogout,
		services.OpProviderLogin: handleProviderLogin,
		services.OpAuthorize:     handleAuthorize(a.config, cookiePath),
		services.OpCallback:      handleCallback(a.config, cookiePath),
		services.OpCacheStats:    handleCacheStats,
	}
}

// bind adapts a framework-agnostic handler to fiber, mapping any returned
// error to a response.
func (a *Adapter) bind(handler core.AuthHandler, ep core.Endpoint) fiber.Handler {
	return func(c fiber.Ctx) error {
		principal, _ := PrincipalFrom(c)
		err := ep.Handler(&core.RequestContext{
			Request:   c,
			Auth:      handler,
			Principal: principal,
		})
		if err != nil {
			return a.writeError(c, err)
		}
		return nil
	}
}
