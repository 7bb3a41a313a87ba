package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"devosphere.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	realm      = `Bearer realm="devosphere"`
)

// Authenticate resolves the bearer token into an identity loaded from the
// store and puts it on the request context.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			challenge(w, r, http.StatusUnauthorized, realm, err.Error())
			return
		}

		id, err := a.engine.Authenticate(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrInvalidToken):
			challenge(w, r, http.StatusUnauthorized, realm+`, error="invalid_token"`, "invalid or expired token")
			return
		default:
			handleAuthError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// RequireRole admits identities whose role is one of allowed.
func RequireRole(allowed ...auth.Role) func(http.Handler) http.Handler {
	return gate(func(id auth.Identity) error { return auth.RequireRole(id, allowed...) })
}

// RequirePermissions admits identities holding every listed permission.
func RequirePermissions(required ...string) func(http.Handler) http.Handler {
	return gate(func(id auth.Identity) error { return auth.RequirePermissions(id, required...) })
}

func gate(check func(auth.Identity) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				challenge(w, r, http.StatusUnauthorized, realm, "authentication required")
				return
			}
			if err := check(id); err != nil {
				challenge(w, r, http.StatusForbidden, realm+`, error="insufficient_scope"`, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func challenge(w http.ResponseWriter, r *http.Request, code int, header, msg string) {
	w.Header().Set("WWW-Authenticate", header)
	writeError(w, r, code, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
