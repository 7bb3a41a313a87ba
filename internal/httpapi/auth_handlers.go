package httpapi

import (
	"net/http"
	"time"

	"devosphere.org/internal/audit"
	"devosphere.org/internal/auth"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	TokenType        string     `json:"token_type"`
	AccessToken      string     `json:"access_token"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshToken     string     `json:"refresh_token"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	User             *auth.User `json:"user,omitempty"`
}

type identityResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Role        auth.Role `json:"role"`
	Permissions []string  `json:"permissions"`
}

func newTokenResponse(p auth.TokenPair, u *auth.User) tokenResponse {
	return tokenResponse{
		TokenType:        "Bearer",
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
		User:             u,
	}
}

func tokenMeta(r *http.Request) auth.TokenMeta {
	return auth.TokenMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.engine.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r, "auth.register", map[string]any{"user_id": user.ID, "role": user.Role})
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.engine.Login(r.Context(), req.Email, req.Password, tokenMeta(r))
	if err != nil {
		a.audit(r, "auth.login_failed", map[string]any{"ip": clientIP(r)})
		handleAuthError(w, r, err)
		return
	}
	a.audit(r, "auth.login", map[string]any{"user_id": res.User.ID})
	writeJSON(w, http.StatusOK, newTokenResponse(res.TokenPair, &res.User))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.engine.Refresh(r.Context(), req.RefreshToken, tokenMeta(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, nil))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.Logout(r.Context(), req.RefreshToken); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r, "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, identityResponse{
		ID:          id.ID,
		Email:       id.Email,
		Name:        id.Name,
		Role:        id.Role,
		Permissions: id.PermissionList(),
	})
}

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	if err := audit.LogEventTo(r.Context(), a.log, event, fields); err != nil {
		a.log.WithError(err).Warn("audit log failed")
	}
}
