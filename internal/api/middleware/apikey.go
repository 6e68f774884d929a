package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pkgmw "github.com/querygate/querygate/pkg/middleware"
	"github.com/querygate/querygate/pkg/models"
)

// APIKeyAuth resolves the caller principal for every request.
//
// When keys are configured, requests outside the public paths must carry a
// valid key via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//   - api_key query parameter (WebSocket clients)
//
// and the principal is the one the key maps to. Without keys, the principal
// is the X-Client-Id header, falling back to the client IP. The principal
// is what the rate limiter budgets against.
type APIKeyAuth struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewAPIKeyAuth creates the middleware from a key → principal map.
func NewAPIKeyAuth(keys map[string]string) *APIKeyAuth {
	a := &APIKeyAuth{keys: make(map[string]string, len(keys))}
	for k, p := range keys {
		a.keys[k] = p
	}
	return a
}

// Enabled returns whether API key auth is active.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// AddKey adds a key at runtime.
func (a *APIKeyAuth) AddKey(key, principal string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = principal
}

// RemoveKey removes a key at runtime. Removing the last key disables auth.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

// Middleware attaches the principal or rejects the request with 401.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string

		switch {
		case isPublicPath(r.URL.Path):
			id = anonymousID(r)
		case !a.Enabled():
			id = anonymousID(r)
		default:
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
				return
			}
			principal, ok := a.lookup(apiKey)
			if !ok {
				respondUnauthorized(w, "Invalid API key.")
				return
			}
			id = principal
		}

		ctx := pkgmw.SetPrincipal(r.Context(), &models.Principal{ID: id})
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("querygate.principal", id))
		notePrincipal(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *APIKeyAuth) lookup(candidate string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	found, principal := false, ""
	for key, p := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found, principal = true, p
		}
	}
	return principal, found
}

func anonymousID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-Id")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="querygate"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
