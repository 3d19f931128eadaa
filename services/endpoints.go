package services

import (
	"fmt"
	"sort"

	"github.com/lborres/susi/core"
)

// Operation IDs of the base endpoints. Adapters bind handlers by these.
const (
	OpRegister      = "register"
	OpLogin         = "login"
	OpRefresh       = "refresh"
	OpExchangeCode  = "exchangeCode"
	OpMe            = "me"
	OpLogout        = "logout"
	OpProviderLogin = "providerLogin"
	OpAuthorize     = "authorize"
	OpCallback      = "callback"
	OpCacheStats    = "cacheStats"
)

// BaseEndpoints returns framework-agnostic endpoint specifications
// for all core authentication endpoints.
//
// Each endpoint is a template:
// - Path and Method are set
// - Handler is nil (provided by adapters)
// - Metadata contains OpenAPI information
//
// This allows multiple adapters (Fiber, Gin, Echo) to share the same
// endpoint definitions while providing their own framework-specific handlers.
func BaseEndpoints() []core.Endpoint {
	return []core.Endpoint{
		{
			Path:   "/register",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpRegister,
				Description: "Register an account with email and password",
				RequestBody: core.RegisterInput{},
			},
		},
		{
			Path:   "/login",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpLogin,
				Description: "Sign in with email and password",
				RequestBody: core.LoginInput{},
			},
		},
		{
			Path:   "/refresh",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpRefresh,
				Description: "Rotate the refresh token and issue a new token pair",
				RequestBody: core.RefreshInput{},
			},
		},
		{
			Path:   "/exchange",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpExchangeCode,
				Description: "Trade a one-time redirect code for a token pair",
				RequestBody: core.CodeInput{},
			},
		},
		{
			Path:   "/me",
			Method: "GET",
			Metadata: core.EndpointMetadata{
				OperationID:  OpMe,
				Description:  "Get the profile of the authenticated account",
				RequiresAuth: true,
			},
		},
		{
			Path:   "/logout",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID:  OpLogout,
				Description:  "Revoke the refresh token of the authenticated account",
				RequiresAuth: true,
			},
		},
		{
			Path:   "/oauth2/:provider/login",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: OpProviderLogin,
				Description: "Sign in with an authorization code from an identity provider",
				RequestBody: core.CodeInput{},
			},
		},
		{
			Path:   "/oauth2/:provider/authorize",
			Method: "GET",
			Metadata: core.EndpointMetadata{
				OperationID: OpAuthorize,
				Description: "Redirect the browser to the identity provider",
			},
		},
		{
			Path:   "/oauth2/:provider/callback",
			Method: "GET",
			Metadata: core.EndpointMetadata{
				OperationID: OpCallback,
				Description: "Complete a provider redirect and hand an exchange code to the frontend",
			},
		},
		{
			Path:   "/cache/stats",
			Method: "GET",
			Metadata: core.EndpointMetadata{
				OperationID:  OpCacheStats,
				Description:  "Profile cache statistics",
				RequiresAuth: true,
				RequiredRole: core.RoleAdmin,
			},
		},
	}
}

// EndpointRegistry manages a collection of framework-agnostic endpoints
// and handles conflict detection for duplicate METHOD:PATH combinations.
//
// It starts with base authentication endpoints and supports registration of
// additional plugin endpoints with automatic conflict detection.
type EndpointRegistry struct {
	// endpoints stores all registered endpoints keyed by "METHOD:PATH"
	endpoints map[string]*core.Endpoint
}

// NewEndpointRegistry creates a new registry with all base authentication endpoints
// pre-registered.
func NewEndpointRegistry() *EndpointRegistry {
	reg := &EndpointRegistry{
		endpoints: make(map[string]*core.Endpoint),
	}

	// Register all base endpoints
	base := BaseEndpoints()
	for i := range base {
		_ = reg.register(&base[i])
	}

	return reg
}

// register adds a single endpoint to the registry with conflict detection.
// Returns error if an endpoint with the same METHOD:PATH already exists.
func (r *EndpointRegistry) register(ep *core.Endpoint) error {
	key := fmt.Sprintf("%s:%s", ep.Method, ep.Path)

	if _, exists := r.endpoints[key]; exists {
		return fmt.Errorf("endpoint conflict: %s %s already registered", ep.Method, ep.Path)
	}

	r.endpoints[key] = ep
	return nil
}

// RegisterPlugin registers additional plugin endpoints to the registry.
// Returns error if any plugin endpoint conflicts with existing endpoints
// or with other plugin endpoints in the same batch.
//
// If an error occurs, no endpoints from the plugin are registered.
func (r *EndpointRegistry) RegisterPlugin(endpoints []core.Endpoint) error {
	// First, check for conflicts with existing endpoints
	for i := range endpoints {
		ep := &endpoints[i]
		key := fmt.Sprintf("%s:%s", ep.Method, ep.Path)

		if _, exists := r.endpoints[key]; exists {
			return fmt.Errorf("plugin endpoint conflict: %s %s already registered", ep.Method, ep.Path)
		}
	}

	// Check for conflicts within the plugin set itself
	seen := make(map[string]bool)
	for i := range endpoints {
		ep := &endpoints[i]
		key := fmt.Sprintf("%s:%s", ep.Method, ep.Path)

		if seen[key] {
			return fmt.Errorf("plugin contains duplicate endpoint: %s %s", ep.Method, ep.Path)
		}
		seen[key] = true
	}

	// No conflicts found, register all plugin endpoints
	for i := range endpoints {
		ep := &endpoints[i]
		r.endpoints[fmt.Sprintf("%s:%s", ep.Method, ep.Path)] = ep
	}

	return nil
}

// Endpoints returns all registered endpoints (both base and plugin
// endpoints) ordered by path, then method.
func (r *EndpointRegistry) Endpoints() []*core.Endpoint {
	result := make([]*core.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		result = append(result, ep)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Path != result[j].Path {
			return result[i].Path < result[j].Path
		}
		return result[i].Method < result[j].Method
	})
	return result
}

// Lookup finds an endpoint by its OperationID.
func (r *EndpointRegistry) Lookup(operationID string) (*core.Endpoint, bool) {
	for _, ep := range r.endpoints {
		if ep.Metadata.OperationID == operationID {
			return ep, true
		}
	}
	return nil, false
}
