// ABOUTME: HTTP authentication for the WebSocket upgrade and REST endpoints
// ABOUTME: Accepts a bearer header or ?token=, or query identity in anonymous dev mode

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

// ErrMissingCredentials means the request carried no token or identity.
var ErrMissingCredentials = errors.New("missing credentials")

// Authenticator resolves request identities. With a nil verifier it runs in
// anonymous mode and trusts the userId, role and name query parameters.
type Authenticator struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. Pass a nil verifier for
// anonymous development mode.
func NewAuthenticator(verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{verifier: verifier, logger: logger.With("component", "auth")}
	if verifier == nil {
		a.logger.Warn("no jwt secret configured: identities are taken from query parameters")
	}
	return a
}

// Anonymous reports whether the authenticator trusts query parameters.
func (a *Authenticator) Anonymous() bool { return a.verifier == nil }

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticate resolves the identity behind r. Browsers cannot set headers
// on a WebSocket upgrade, so ?token= is accepted as well.
func (a *Authenticator) Authenticate(r *http.Request) (registry.Identity, error) {
	if a.verifier == nil {
		return anonymousIdentity(r)
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		var errMsg string
		token, errMsg = extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			return registry.Identity{}, errors.Join(ErrMissingCredentials, errors.New(errMsg))
		}
	}
	return a.verifier.Verify(token)
}

func anonymousIdentity(r *http.Request) (registry.Identity, error) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		return registry.Identity{}, ErrMissingCredentials
	}
	role, err := ParseRole(q.Get("role"))
	if err != nil {
		return registry.Identity{}, err
	}
	name := q.Get("name")
	if name == "" {
		name = userID
	}
	return registry.Identity{UserID: userID, Role: role, DisplayName: name}, nil
}

// Middleware authenticates every request and stores the identity in its context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			a.logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole creates an HTTP middleware that admits only the given role.
// Must be used after Middleware.
func RequireRole(role store.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if id.Role != role {
				writeError(w, http.StatusForbidden, strings.ToLower(string(role))+" role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
