package fiber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/susi/adapters/memory"
	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/cache"
	"github.com/lborres/susi/pkg/crypto"
	"github.com/lborres/susi/pkg/token"
	"github.com/lborres/susi/services"
)

const (
	basePath    = "/api/auth"
	password    = "SecurePass123!"
	frontendURL = "https://app.example.com"
)

// stubProvider accepts the code "good" and asserts a fixed Google identity.
type stubProvider struct{}

func (stubProvider) Name() string { return core.ProviderGoogle }

func (stubProvider) AuthCodeURL(state string) string {
	return "https://idp.example.com/auth?state=" + url.QueryEscape(state)
}

func (stubProvider) FetchProfile(_ context.Context, code string) (*core.FederatedProfile, error) {
	if code != "good" {
		return nil, core.ErrFederatedAuth
	}
	return &core.FederatedProfile{
		Provider:      core.ProviderGoogle,
		Subject:       "google-sub-1",
		Email:         "carol@example.com",
		EmailVerified: true,
		Name:          "Carol",
	}, nil
}

type testServer struct {
	app     *fiber.App
	storage *memory.Storage
	hasher  *crypto.Argon2
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, plugins ...core.Endpoint) *testServer {
	t.Helper()

	codec, err := token.New(token.Config{Secret: []byte("this-is-a-very-long-secret-key-that-is-at-least-32-bytes")})
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}
	ts := &testServer{
		app:     fiber.New(),
		storage: memory.New(),
		hasher:  &crypto.Argon2{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
	}
	service, err := services.NewAuthService(services.Options{
		Storage:   ts.storage,
		Codec:     codec,
		Passwords: ts.hasher,
		Cache:     cache.NewInMemoryCache(core.CacheConfig{TTL: time.Minute, MaxSize: 10}),
		Providers: []core.FederatedProfileFetcher{stubProvider{}},
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewAuthService() error = %v", err)
	}

	adapter := New(ts.app, Config{FrontendURL: frontendURL + "/", Plugins: plugins, Logger: discardLogger()})
	if err := adapter.RegisterRoutes(service, basePath); err != nil {
		t.Fatalf("RegisterRoutes() error = %v", err)
	}
	return ts
}

// do sends a request and decodes a JSON response body when there is one.
func (ts *testServer) do(t *testing.T, method, path string, body interface{}, bearer string, cookies ...*http.Cookie) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, basePath+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := ts.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	var decoded map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (ts *testServer) register(t *testing.T, email string) map[string]interface{} {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/register", map[string]string{"email": email, "password": password}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, body = %v", resp.StatusCode, body)
	}
	return body
}

func (ts *testServer) seedAdmin(t *testing.T, email string) {
	t.Helper()
	hash, err := ts.hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	err = ts.storage.CreateAccount(context.Background(), &core.Account{
		ID:           "admin-1",
		Email:        email,
		PasswordHash: &hash,
		Status:       core.StatusActive,
		Roles:        []core.Role{core.RoleUser, core.RoleAdmin},
	}, &core.IdentityLink{ID: "l-admin", Provider: core.ProviderLocal, Subject: email})
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// Requirement: register and login issue a Bearer token pair; client errors
// map to 400 and 409, credential failures to a generic 401.
func TestRegisterAndLogin(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
		wantError  string
	}{
		{name: "register", path: "/register", body: map[string]string{"email": "new@example.com", "password": password}, wantStatus: http.StatusCreated},
		{name: "register duplicate", path: "/register", body: map[string]string{"email": "ALICE@example.com", "password": password}, wantStatus: http.StatusConflict, wantError: core.ErrEmailAlreadyInUse.Error()},
		{name: "register invalid email", path: "/register", body: map[string]string{"email": "nope", "password": password}, wantStatus: http.StatusBadRequest, wantError: core.ErrInvalidEmail.Error()},
		{name: "register short password", path: "/register", body: map[string]string{"email": "b@example.com", "password": "short"}, wantStatus: http.StatusBadRequest, wantError: core.ErrPasswordTooShort.Error()},
		{name: "register malformed body", path: "/register", body: "not an object", wantStatus: http.StatusBadRequest, wantError: "invalid request body"},
		{name: "login", path: "/login", body: map[string]string{"email": "alice@example.com", "password": password}, wantStatus: http.StatusOK},
		{name: "login wrong password", path: "/login", body: map[string]string{"email": "alice@example.com", "password": "wrong-password"}, wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "login unknown email", path: "/login", body: map[string]string{"email": "ghost@example.com", "password": password}, wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			ts := newTestServer(t)
			ts.register(t, "alice@example.com")

			// Act
			resp, body := ts.do(t, http.MethodPost, test.path, test.body, "")

			// Assert
			if resp.StatusCode != test.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, test.wantStatus, body)
			}
			if test.wantError != "" {
				if got := str(body, "error"); got != test.wantError {
					t.Errorf("error = %q, want %q", got, test.wantError)
				}
				return
			}
			if str(body, "accessToken") == "" || str(body, "refreshToken") == "" || str(body, "tokenType") != "Bearer" {
				t.Errorf("unexpected token response %v", body)
			}
		})
	}
}

// Requirement: suspended accounts get the same 401 body as bad credentials.
func TestLogin_SuspendedAccount(t *testing.T) {
	ts := newTestServer(t)
	registered := ts.register(t, "alice@example.com")
	account := registered["account"].(map[string]interface{})
	if err := ts.storage.UpdateAccountStatus(context.Background(), str(account, "id"), core.StatusSuspended); err != nil {
		t.Fatalf("UpdateAccountStatus() error = %v", err)
	}

	resp, body := ts.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": password}, "")

	if resp.StatusCode != http.StatusUnauthorized || str(body, "error") != "unauthorized" {
		t.Errorf("got %d %v, want 401 unauthorized", resp.StatusCode, body)
	}
}

// Requirement: protected routes accept only access tokens.
func TestMe_RequiresAccessToken(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.register(t, "alice@example.com")

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "access token", header: "Bearer " + str(tokens, "accessToken"), wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + str(tokens, "accessToken"), wantStatus: http.StatusOK},
		{name: "refresh token", header: "Bearer " + str(tokens, "refreshToken"), wantStatus: http.StatusUnauthorized},
		{name: "no header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer garbage", wantStatus: http.StatusUnauthorized},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			req := httptest.NewRequest(http.MethodGet, basePath+"/me", nil)
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}

			// Act
			resp, err := ts.app.Test(req)

			// Assert
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			if resp.StatusCode != test.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, test.wantStatus)
			}
		})
	}
}

func TestMe_ReturnsProfile(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.register(t, "alice@example.com")

	resp, body := ts.do(t, http.MethodGet, "/me", nil, str(tokens, "accessToken"))

	if resp.StatusCode != http.StatusOK || str(body, "email") != "alice@example.com" {
		t.Errorf("got %d %v", resp.StatusCode, body)
	}
	if _, leaked := body["passwordHash"]; leaked {
		t.Error("profile must not expose the password hash")
	}
}

// Requirement: refresh accepts the token in the body or as Bearer, and a
// rotated token cannot be replayed.
func TestRefresh(t *testing.T) {
	// Arrange
	ts := newTestServer(t)
	tokens := ts.register(t, "alice@example.com")

	// Act
	viaBody, first := ts.do(t, http.MethodPost, "/refresh", map[string]string{"refreshToken": str(tokens, "refreshToken")}, "")
	replay, _ := ts.do(t, http.MethodPost, "/refresh", map[string]string{"refreshToken": str(tokens, "refreshToken")}, "")
	viaHeader, _ := ts.do(t, http.MethodPost, "/refresh", nil, str(first, "refreshToken"))
	missing, missingBody := ts.do(t, http.MethodPost, "/refresh", nil, "")

	// Assert
	if viaBody.StatusCode != http.StatusOK {
		t.Errorf("refresh via body status = %d", viaBody.StatusCode)
	}
	if replay.StatusCode != http.StatusUnauthorized {
		t.Errorf("replayed refresh status = %d, want 401", replay.StatusCode)
	}
	if viaHeader.StatusCode != http.StatusOK {
		t.Errorf("refresh via header status = %d", viaHeader.StatusCode)
	}
	if missing.StatusCode != http.StatusBadRequest || str(missingBody, "error") != core.ErrTokenRequired.Error() {
		t.Errorf("missing token: got %d %v", missing.StatusCode, missingBody)
	}
}

// Requirement: logout returns 204 and revokes the refresh token.
func TestLogout(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.register(t, "alice@example.com")

	resp, _ := ts.do(t, http.MethodPost, "/logout", nil, str(tokens, "accessToken"))
	refresh, _ := ts.do(t, http.MethodPost, "/refresh", map[string]string{"refreshToken": str(tokens, "refreshToken")}, "")
	unauthenticated, _ := ts.do(t, http.MethodPost, "/logout", nil, "")

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("logout status = %d, want 204", resp.StatusCode)
	}
	if refresh.StatusCode != http.StatusUnauthorized {
		t.Errorf("refresh after logout status = %d, want 401", refresh.StatusCode)
	}
	if unauthenticated.StatusCode != http.StatusUnauthorized {
		t.Errorf("logout without token status = %d, want 401", unauthenticated.StatusCode)
	}
}

// Requirement: cache statistics are visible to ADMIN principals only.
func TestCacheStats_RequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	user := ts.register(t, "alice@example.com")
	ts.seedAdmin(t, "root@example.com")
	_, admin := ts.do(t, http.MethodPost, "/login", map[string]string{"email": "root@example.com", "password": password}, "")

	asUser, _ := ts.do(t, http.MethodGet, "/cache/stats", nil, str(user, "accessToken"))
	asAdmin, stats := ts.do(t, http.MethodGet, "/cache/stats", nil, str(admin, "accessToken"))

	if asUser.StatusCode != http.StatusForbidden {
		t.Errorf("user status = %d, want 403", asUser.StatusCode)
	}
	if asAdmin.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", asAdmin.StatusCode)
	}
	if _, ok := stats["hits"]; !ok {
		t.Errorf("stats body missing hits: %v", stats)
	}
}

func TestProviderLogin(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		code       string
		wantStatus int
		wantError  string
	}{
		{name: "valid code", provider: "google", code: "good", wantStatus: http.StatusOK},
		{name: "rejected code", provider: "google", code: "bad", wantStatus: http.StatusUnauthorized, wantError: core.ErrFederatedAuth.Error()},
		{name: "empty code", provider: "google", code: "", wantStatus: http.StatusBadRequest, wantError: core.ErrCodeRequired.Error()},
		{name: "unknown provider", provider: "github", code: "good", wantStatus: http.StatusNotFound, wantError: core.ErrProviderNotSupported.Error()},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			ts := newTestServer(t)

			resp, body := ts.do(t, http.MethodPost, "/oauth2/"+test.provider+"/login", map[string]string{"code": test.code}, "")

			if resp.StatusCode != test.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, test.wantStatus, body)
			}
			if test.wantError != "" && str(body, "error") != test.wantError {
				t.Errorf("error = %q, want %q", str(body, "error"), test.wantError)
			}
		})
	}
}

// authorize runs the redirect start and returns the state sent to the
// provider together with the state cookie.
func (ts *testServer) authorize(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	resp, _ := ts.do(t, http.MethodGet, "/oauth2/google/authorize", nil, "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", resp.StatusCode)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil || location.Host != "idp.example.com" {
		t.Fatalf("unexpected redirect %q", resp.Header.Get("Location"))
	}
	for _, c := range resp.Cookies() {
		if c.Name == defaultStateCookie {
			if !c.HttpOnly {
				t.Error("state cookie must be HttpOnly")
			}
			return location.Query().Get("state"), c
		}
	}
	t.Fatal("authorize did not set the state cookie")
	return "", nil
}

// Requirement: the redirect flow ends at the frontend with a one-time code
// that the exchange endpoint trades for tokens exactly once.
func TestRedirectLoginFlow(t *testing.T) {
	// Arrange
	ts := newTestServer(t)
	state, cookie := ts.authorize(t)

	// Act
	callback, _ := ts.do(t, http.MethodGet, "/oauth2/google/callback?code=good&state="+url.QueryEscape(state), nil, "",
		&http.Cookie{Name: cookie.Name, Value: cookie.Value})

	// Assert
	if callback.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", callback.StatusCode)
	}
	target := callback.Header.Get("Location")
	if !strings.HasPrefix(target, frontendURL+"/google-login-success?code=") {
		t.Fatalf("callback redirected to %q", target)
	}
	parsed, _ := url.Parse(target)
	code := parsed.Query().Get("code")
	if strings.Contains(target, "accessToken") {
		t.Error("redirect URL must not carry tokens")
	}

	exchanged, tokens := ts.do(t, http.MethodPost, "/exchange", map[string]string{"code": code}, "")
	if exchanged.StatusCode != http.StatusOK || str(tokens, "accessToken") == "" {
		t.Fatalf("exchange got %d %v", exchanged.StatusCode, tokens)
	}
	replay, body := ts.do(t, http.MethodPost, "/exchange", map[string]string{"code": code}, "")
	if replay.StatusCode != http.StatusUnauthorized || str(body, "error") != "unauthorized" {
		t.Errorf("replayed code got %d %v, want 401", replay.StatusCode, body)
	}
}

func TestRedirectCallback_Failures(t *testing.T) {
	tests := []struct {
		name       string
		query      func(state string) string
		sendCookie bool
		wantStatus int
	}{
		{name: "missing cookie", query: func(s string) string { return "code=good&state=" + url.QueryEscape(s) }, wantStatus: http.StatusUnauthorized},
		{name: "state mismatch", query: func(string) string { return "code=good&state=forged" }, sendCookie: true, wantStatus: http.StatusUnauthorized},
		{name: "missing state", query: func(string) string { return "code=good" }, sendCookie: true, wantStatus: http.StatusUnauthorized},
		{name: "provider rejected code", query: func(s string) string { return "code=bad&state=" + url.QueryEscape(s) }, sendCookie: true, wantStatus: http.StatusUnauthorized},
		{name: "user denied consent", query: func(s string) string { return "error=access_denied&state=" + url.QueryEscape(s) }, sendCookie: true, wantStatus: http.StatusUnauthorized},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			ts := newTestServer(t)
			state, cookie := ts.authorize(t)
			var cookies []*http.Cookie
			if test.sendCookie {
				cookies = append(cookies, &http.Cookie{Name: cookie.Name, Value: cookie.Value})
			}

			// Act
			resp, _ := ts.do(t, http.MethodGet, "/oauth2/google/callback?"+test.query(state), nil, "", cookies...)

			// Assert
			if resp.StatusCode != test.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, test.wantStatus)
			}
		})
	}
}

// Requirement: plugin endpoints are served with the base ones, and
// conflicting plugins fail route registration.
func TestRegisterRoutes_Plugins(t *testing.T) {
	ping := core.Endpoint{
		Path:   "/ping",
		Method: http.MethodGet,
		Handler: func(rc *core.RequestContext) error {
			return rc.Request.(fiber.Ctx).SendString("pong")
		},
		Metadata: core.EndpointMetadata{OperationID: "ping"},
	}
	ts := newTestServer(t, ping)

	resp, err := ts.app.Test(httptest.NewRequest(http.MethodGet, basePath+"/ping", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("plugin route: %v, %v", resp, err)
	}

	conflicting := New(fiber.New(), Config{Plugins: []core.Endpoint{{Path: "/login", Method: http.MethodPost, Handler: ping.Handler}}})
	if err := conflicting.RegisterRoutes(nil, basePath); err == nil {
		t.Error("RegisterRoutes() should reject a plugin that shadows a base route")
	}
}

// Requirement: unexpected errors become a generic 500 body.
func TestWriteError_Internal(t *testing.T) {
	app := fiber.New()
	adapter := New(app, Config{Logger: discardLogger()})
	app.Get("/boom", func(c fiber.Ctx) error {
		return adapter.writeError(c, errors.New("connection refused: 10.0.0.3:5432"))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	var body core.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode != http.StatusInternalServerError || body.Error != "An unexpected error occurred" {
		t.Errorf("got %d %+v", resp.StatusCode, body)
	}
}

// Requirement: mapErrorToStatus maps susi errors to HTTP status codes
func TestMapErrorToStatus_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "invalid credentials", err: core.ErrInvalidCredentials, wantStatus: http.StatusUnauthorized},
		{name: "account not active", err: &core.AccountNotActiveError{Status: core.StatusSuspended}, wantStatus: http.StatusUnauthorized},
		{name: "account not found", err: core.ErrAccountNotFound, wantStatus: http.StatusUnauthorized},
		{name: "refresh token expired", err: core.ErrRefreshTokenExpired, wantStatus: http.StatusUnauthorized},
		{name: "exchange code not found", err: core.ErrExchangeCodeNotFound, wantStatus: http.StatusUnauthorized},
		{name: "wrapped token expiry", err: fmt.Errorf("%w: detail", core.ErrTokenExpired), wantStatus: http.StatusUnauthorized},
		{name: "federated auth", err: core.ErrFederatedAuth, wantStatus: http.StatusUnauthorized},
		{name: "missing email claim", err: core.ErrMissingEmailClaim, wantStatus: http.StatusUnauthorized},
		{name: "invalid state", err: core.ErrInvalidState, wantStatus: http.StatusUnauthorized},
		{name: "email in use", err: core.ErrEmailAlreadyInUse, wantStatus: http.StatusConflict},
		{name: "link exists", err: core.ErrIdentityLinkExists, wantStatus: http.StatusConflict},
		{name: "email required", err: core.ErrEmailRequired, wantStatus: http.StatusBadRequest},
		{name: "code required", err: core.ErrCodeRequired, wantStatus: http.StatusBadRequest},
		{name: "provider not supported", err: fmt.Errorf("%w: github", core.ErrProviderNotSupported), wantStatus: http.StatusNotFound},
		{name: "unknown errors", err: errors.New("unknown error"), wantStatus: http.StatusInternalServerError},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			status := mapErrorToStatus(test.err)

			// Assert
			if status != test.wantStatus {
				t.Errorf("mapErrorToStatus should map error to %d; got %d", test.wantStatus, status)
			}
		})
	}
}

func TestErrorMessage_HidesAuthFailureKind(t *testing.T) {
	for _, err := range []error{core.ErrInvalidCredentials, core.ErrAccountNotFound, core.ErrRefreshTokenNotFound, core.ErrTokenSignatureInvalid} {
		if got := errorMessage(err, mapErrorToStatus(err)); got != "unauthorized" {
			t.Errorf("errorMessage(%v) = %q, want unauthorized", err, got)
		}
	}
}
