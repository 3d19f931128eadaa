package core

// EndpointProvider provides a list of endpoints to register dynamically
type EndpointProvider interface {
	GetEndpoints() []Endpoint
}

type Endpoint struct {
	Path     string
	Method   string
	Handler  func(ctx *RequestContext) error
	Metadata EndpointMetadata
}

type EndpointMetadata struct {
	OperationID  string
	Description  string
	RequiresAuth bool
	RequiredRole Role // empty means any authenticated principal
	RequestBody  interface{}
	Responses    map[int]interface{}
}

type RequestContext struct {
	// Framework-agnostic context
	Request   interface{} // could be *http.Request, fiber.Ctx, etc
	Auth      AuthHandler
	Principal *Principal // set on endpoints with RequiresAuth
}

// ErrorResponse represents an error response structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

type RefreshInput struct {
	RefreshToken string `json:"refreshToken"`
}

type CodeInput struct {
	Code string `json:"code"`
}
