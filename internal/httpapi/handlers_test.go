package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/auth/authtest"
)

const testPassword = "Passw0rd!"

type apiClient struct {
	baseURL string
	client  *http.Client
	engine  *auth.Engine
	store   *authtest.MemoryStore
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	store := authtest.NewMemoryStore()
	codec, err := auth.NewCodec("test-secret")
	require.NoError(t, err)
	engine, err := auth.NewEngine(store, codec, auth.WithBcryptCost(auth.MinBcryptCost))
	require.NoError(t, err)
	require.NoError(t, engine.EnsureBuiltinPermissions(context.Background()))

	log, _ := test.NewNullLogger()
	base := []Option{WithLogger(log), WithRateLimit(100, 100)}
	api := New(engine, ReadyProbe{Ping: engine.Ping}, "test", append(base, opts...)...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		engine:  engine,
		store:   store,
		t:       t,
	}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			require.NoError(c.t, err)
			raw = string(b)
		}
		payload = bytes.NewReader([]byte(raw))
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// login registers (when needed) and logs in, returning the token response.
func (c *apiClient) login(email, role string) tokenResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/register", "", registerRequest{
		Name: "User " + email, Email: email, Password: testPassword, Role: role,
	})
	require.Contains(c.t, []int{http.StatusCreated, http.StatusConflict}, resp.StatusCode)

	resp = c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: email, Password: testPassword})
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	return decodeBody[tokenResponse](c.t, resp)
}

func TestHealthEndpoints(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody[map[string]any](t, resp)["status"])

	resp = c.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c.store.Fail = errors.New("connection refused")
	resp = c.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	c.store.Fail = nil

	resp = c.do(http.MethodGet, "/v1/info", "", nil)
	assert.Equal(t, "test", decodeBody[map[string]any](t, resp)["version"])
}

func TestSessionLifecycle(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/auth/register", "", registerRequest{
		Name: "Alice", Email: "Alice@Example.com", Password: testPassword,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "alice@example.com", created["email"])
	assert.Equal(t, "user", created["role"])
	assert.NotContains(t, created, "password_hash")
	assert.Equal(t, "/v1/users/"+created["id"].(string), resp.Header.Get("Location"))

	resp = c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "alice@example.com", Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody[tokenResponse](t, resp)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Len(t, tokens.RefreshToken, 96)
	require.NotNil(t, tokens.User)

	resp = c.do(http.MethodGet, "/v1/me", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody[identityResponse](t, resp)
	assert.Equal(t, "alice@example.com", me.Email)
	assert.Equal(t, []string{}, me.Permissions)

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: tokens.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodeBody[tokenResponse](t, resp)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)
	assert.Nil(t, rotated.User)

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: tokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do(http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: rotated.RefreshToken})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = c.do(http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: rotated.RefreshToken})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: rotated.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterAndLoginErrors(t *testing.T) {
	c := newTestAPI(t)
	c.login("bob@example.com", "")

	tests := []struct {
		name string
		path string
		body any
		code int
	}{
		{"duplicate email", "/v1/auth/register", registerRequest{Name: "Bob", Email: "BOB@example.com", Password: testPassword}, http.StatusConflict},
		{"weak password", "/v1/auth/register", registerRequest{Name: "Eve", Email: "eve@example.com", Password: "password"}, http.StatusBadRequest},
		{"bad email", "/v1/auth/register", registerRequest{Name: "Eve", Email: "not-an-email", Password: testPassword}, http.StatusBadRequest},
		{"unknown role", "/v1/auth/register", registerRequest{Name: "Eve", Email: "eve@example.com", Password: testPassword, Role: "root"}, http.StatusBadRequest},
		{"unknown field", "/v1/auth/register", `{"name":"Eve","email":"eve@example.com","password":"Passw0rd!","admin":true}`, http.StatusBadRequest},
		{"empty body", "/v1/auth/login", "", http.StatusBadRequest},
		{"wrong password", "/v1/auth/login", loginRequest{Email: "bob@example.com", Password: "Wrong0ne!"}, http.StatusUnauthorized},
		{"unknown user", "/v1/auth/login", loginRequest{Email: "nobody@example.com", Password: testPassword}, http.StatusUnauthorized},
		{"garbage refresh", "/v1/auth/refresh", refreshRequest{RefreshToken: "deadbeef"}, http.StatusUnauthorized},
		{"missing refresh", "/v1/auth/refresh", refreshRequest{}, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.do(http.MethodPost, tc.path, "", tc.body)
			assert.Equal(t, tc.code, resp.StatusCode)
			body := decodeBody[map[string]any](t, resp)
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["request_id"])
		})
	}
}

func TestCredentialFailuresLookAlike(t *testing.T) {
	c := newTestAPI(t)
	c.login("carol@example.com", "")

	wrong := decodeBody[map[string]any](t, c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "carol@example.com", Password: "Wrong0ne!"}))
	unknown := decodeBody[map[string]any](t, c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "dave@example.com", Password: testPassword}))
	assert.Equal(t, wrong["error"], unknown["error"])
}

func TestStoreOutageIsServiceUnavailable(t *testing.T) {
	c := newTestAPI(t)
	c.store.Fail = errors.New("connection reset")
	defer func() { c.store.Fail = nil }()

	resp := c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "x@example.com", Password: testPassword})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.NotContains(t, body["error"], "connection reset")
}

func TestUnknownRoute(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp = c.do(http.MethodGet, "/v1/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
