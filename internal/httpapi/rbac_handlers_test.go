package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devosphere.org/internal/auth"
)

func TestAdminRoutesRequireRole(t *testing.T) {
	c := newTestAPI(t)
	user := c.login("user@example.com", "")

	resp := c.do(http.MethodGet, "/v1/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = c.do(http.MethodGet, "/v1/users", "not.a.jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")

	resp = c.do(http.MethodGet, "/v1/users", user.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "insufficient_scope")

	resp = c.do(http.MethodGet, "/v1/permissions", user.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminManagesUsers(t *testing.T) {
	c := newTestAPI(t)
	admin := c.login("admin@example.com", "admin")
	target := c.login("target@example.com", "")

	resp := c.do(http.MethodGet, "/v1/users", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[map[string][]auth.User](t, resp)["users"]
	require.Len(t, list, 2)
	assert.Equal(t, "target@example.com", list[0].Email)

	resp = c.do(http.MethodGet, "/v1/users/"+target.User.ID, admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do(http.MethodPut, "/v1/users/"+target.User.ID, admin.AccessToken, map[string]any{"role": "manager", "name": "Promoted"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[auth.User](t, resp)
	assert.Equal(t, auth.RoleManager, updated.Role)
	assert.Equal(t, "Promoted", updated.Name)

	// The existing access token picks up the new role on its next use.
	resp = c.do(http.MethodGet, "/v1/me", target.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, auth.RoleManager, decodeBody[identityResponse](t, resp).Role)

	resp = c.do(http.MethodDelete, "/v1/users/"+target.User.ID, admin.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = c.do(http.MethodGet, "/v1/me", target.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: target.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do(http.MethodDelete, "/v1/users/"+target.User.ID, admin.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManagerCannotChangeRoles(t *testing.T) {
	c := newTestAPI(t)
	manager := c.login("manager@example.com", "manager")
	target := c.login("member@example.com", "")

	resp := c.do(http.MethodPut, "/v1/users/"+target.User.ID, manager.AccessToken, map[string]any{"name": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do(http.MethodPut, "/v1/users/"+target.User.ID, manager.AccessToken, map[string]any{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = c.do(http.MethodGet, "/v1/permissions", manager.AccessToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do(http.MethodDelete, "/v1/users/"+target.User.ID, manager.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestManagerCannotEditPrivilegedAccounts(t *testing.T) {
	c := newTestAPI(t)
	admin := c.login("admin@example.com", "admin")
	manager := c.login("manager@example.com", "manager")
	peer := c.login("peer@example.com", "manager")

	for _, body := range []map[string]any{
		{"password": "Hij4cked!Pw"},
		{"email": "taken-over@example.com"},
		{"name": "Renamed"},
	} {
		resp := c.do(http.MethodPut, "/v1/users/"+admin.User.ID, manager.AccessToken, body)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "admin target %v", body)
		resp = c.do(http.MethodPut, "/v1/users/"+peer.User.ID, manager.AccessToken, body)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "manager target %v", body)
	}

	resp := c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "admin@example.com", Password: "Hij4cked!Pw"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "admin@example.com", Password: testPassword})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do(http.MethodPut, "/v1/users/missing", manager.AccessToken, map[string]any{"name": "Ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = c.do(http.MethodPut, "/v1/users/"+manager.User.ID, admin.AccessToken, map[string]any{"name": "Still editable by admins"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do(http.MethodPut, "/v1/users/"+manager.User.ID, admin.AccessToken, map[string]any{"password": "R3set!Secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: manager.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPermissionManagement(t *testing.T) {
	c := newTestAPI(t)
	admin := c.login("root@example.com", "admin")
	member := c.login("member@example.com", "")

	// Role alone is not enough for catalog changes.
	resp := c.do(http.MethodPost, "/v1/permissions", admin.AccessToken, createPermissionRequest{Key: "reports.view", Label: "View reports"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err := c.engine.SetUserPermissions(context.Background(), admin.User.ID, []string{auth.PermPermissionsManage})
	require.NoError(t, err)

	resp = c.do(http.MethodPost, "/v1/permissions", admin.AccessToken, createPermissionRequest{Key: "Reports.View", Label: "View reports"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "reports.view", decodeBody[auth.PermissionEntry](t, resp).Key)

	resp = c.do(http.MethodPost, "/v1/permissions", admin.AccessToken, createPermissionRequest{Key: "reports.view", Label: "Again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = c.do(http.MethodPost, "/v1/permissions", admin.AccessToken, createPermissionRequest{Key: "Bad Key!", Label: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = c.do(http.MethodPut, "/v1/users/"+member.User.ID+"/permissions", admin.AccessToken, setPermissionsRequest{Permissions: []string{"reports.view"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"reports.view"}, decodeBody[auth.User](t, resp).Permissions)

	resp = c.do(http.MethodPut, "/v1/users/"+member.User.ID+"/permissions", admin.AccessToken, setPermissionsRequest{Permissions: []string{"not.in.catalog"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = c.do(http.MethodGet, "/v1/me", member.AccessToken, nil)
	assert.Equal(t, []string{"reports.view"}, decodeBody[identityResponse](t, resp).Permissions)

	resp = c.do(http.MethodDelete, "/v1/permissions/reports.view", admin.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = c.do(http.MethodDelete, "/v1/permissions/reports.view", admin.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = c.do(http.MethodGet, "/v1/permissions", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decodeBody[map[string][]auth.PermissionEntry](t, resp)["permissions"]
	assert.Len(t, entries, len(auth.BuiltinPermissions))
}
