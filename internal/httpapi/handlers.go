package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/obs"
)

const (
	serviceName  = "devosphere-authority"
	maxBodyBytes = 1 << 20
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe reports readiness through Ping, usually the engine's store ping.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// API is the HTTP surface of the authority.
type API struct {
	engine     *auth.Engine
	readyProbe readinessChecker
	version    string
	log        logrus.FieldLogger
	rateBurst  int
	ratePerSec float64
	trustProxy bool
	now        func() time.Time
}

// Option configures API.
type Option func(*API)

// WithLogger sets the request and audit logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRateLimit sets the per-client token bucket applied to /v1/auth.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithTrustedProxy makes the router take the client address from
// X-Forwarded-For or X-Real-IP. Enable it only behind a proxy that
// overwrites those headers.
func WithTrustedProxy(trust bool) Option {
	return func(a *API) { a.trustProxy = trust }
}

func New(engine *auth.Engine, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		engine:     engine,
		readyProbe: rp,
		version:    version,
		log:        obs.Logger(),
		rateBurst:  10,
		ratePerSec: 5,
		now:        time.Now,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed, instrumented handler tree.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	if a.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(propagateRequestID)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)
	r.Use(a.logging)
	r.Use(SecurityHeaders)
	r.Use(CORS)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(MaxBodyBytes(maxBodyBytes))

		r.Route("/auth", func(r chi.Router) {
			r.Use(RateLimit(a.rateBurst, a.ratePerSec))
			r.Post("/register", a.handleRegister)
			r.Post("/login", a.handleLogin)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.Authenticate)
			r.Get("/me", a.handleMe)

			r.Route("/users", func(r chi.Router) {
				r.With(RequireRole(auth.RoleAdmin)).Get("/", a.handleListUsers)
				r.With(RequireRole(auth.RoleAdmin)).Get("/{id}", a.handleGetUser)
				r.With(RequireRole(auth.RoleAdmin, auth.RoleManager)).Put("/{id}", a.handleUpdateUser)
				r.With(RequireRole(auth.RoleAdmin)).Delete("/{id}", a.handleDeleteUser)
				r.With(RequireRole(auth.RoleAdmin), RequirePermissions(auth.PermPermissionsManage)).
					Put("/{id}/permissions", a.handleSetUserPermissions)
			})

			r.Route("/permissions", func(r chi.Router) {
				r.With(RequireRole(auth.RoleAdmin, auth.RoleManager)).Get("/", a.handleListPermissions)
				r.Group(func(r chi.Router) {
					r.Use(RequireRole(auth.RoleAdmin), RequirePermissions(auth.PermPermissionsManage))
					r.Post("/", a.handleCreatePermission)
					r.Delete("/{key}", a.handleDeletePermission)
				})
			})
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		a.log.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "store unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthError maps engine errors onto status codes. Credential and token
// failures get fixed messages so responses do not reveal which check failed.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail), errors.Is(err, auth.ErrDuplicateKey):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
