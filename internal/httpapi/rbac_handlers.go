package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"devosphere.org/internal/auth"
)

type updateUserRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createPermissionRequest struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.engine.ListUsers(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.engine.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser lets managers edit plain user accounts. Role changes and
// edits of manager or admin accounts are reserved to admins.
func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	actor, _ := auth.IdentityFromContext(r.Context())
	if !auth.CheckRole(actor, auth.RoleAdmin) {
		if req.Role != nil {
			a.denyUpdate(w, r, actor, id, "role change")
			return
		}
		target, err := a.engine.GetUser(r.Context(), id)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if target.Role != auth.RoleUser {
			a.denyUpdate(w, r, actor, id, "privileged target")
			return
		}
	}

	user, err := a.engine.UpdateUser(r.Context(), id, auth.UpdateUserInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	changed := []string{}
	if req.Name != nil {
		changed = append(changed, "name")
	}
	if req.Email != nil {
		changed = append(changed, "email")
	}
	if req.Password != nil {
		changed = append(changed, "password")
	}
	if req.Role != nil {
		changed = append(changed, "role")
	}
	a.audit(r, "users.update", map[string]any{"target_id": user.ID, "fields": changed})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) denyUpdate(w http.ResponseWriter, r *http.Request, actor auth.Identity, targetID, reason string) {
	a.audit(r, "users.update_denied", map[string]any{"target_id": targetID, "reason": reason, "actor_role": actor.Role})
	challenge(w, r, http.StatusForbidden, realm+`, error="insufficient_scope"`, "forbidden")
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.engine.DeleteUser(r.Context(), id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r, "users.delete", map[string]any{"target_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetUserPermissions(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.engine.SetUserPermissions(r.Context(), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r, "users.permissions.set", map[string]any{"target_id": user.ID, "permissions": user.Permissions})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.ListPermissions(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": entries})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := a.engine.CreatePermission(r.Context(), req.Key, req.Label, req.Description)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r, "permissions.create", map[string]any{"key": entry.Key})
	w.Header().Set("Location", "/v1/permissions/"+entry.Key)
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := a.engine.RemovePermission(r.Context(), key); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r, "permissions.delete", map[string]any{"key": key})
	w.WriteHeader(http.StatusNoContent)
}
