package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/querygate/querygate/internal/api/middleware"
	pkgmw "github.com/querygate/querygate/pkg/middleware"
)

// principalEcho writes the resolved principal ID as the response body.
func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(pkgmw.PrincipalID(r.Context())))
	})
}

func TestAPIKeyAuth_DisabledUsesClientID(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Fatal("Expected auth to be disabled without keys")
	}
	handler := auth.Middleware(principalEcho())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-Client-Id", "alice")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Body.String(); got != "alice" {
		t.Errorf("principal = %q, want %q", got, "alice")
	}
}

func TestAPIKeyAuth_DisabledFallsBackToIP(t *testing.T) {
	handler := middleware.NewAPIKeyAuth(nil).Middleware(principalEcho())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Body.String(); got != "10.1.2.3" {
		t.Errorf("principal = %q, want %q", got, "10.1.2.3")
	}
}

func TestAPIKeyAuth_ValidKeyMapsPrincipal(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(map[string]string{
		"test-key-1": "team-a",
		"test-key-2": "team-b",
	})
	handler := auth.Middleware(principalEcho())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer test-key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "team-a" {
		t.Errorf("Bearer key: status = %d principal = %q, want 200 team-a", w.Code, w.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req2.Header.Set("X-API-Key", "test-key-2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK || w2.Body.String() != "team-b" {
		t.Errorf("X-API-Key: status = %d principal = %q, want 200 team-b", w2.Code, w2.Body.String())
	}

	req3 := httptest.NewRequest(http.MethodGet, "/api/v1/subscribe?topic=t&api_key=test-key-2", nil)
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)

	if w3.Code != http.StatusOK || w3.Body.String() != "team-b" {
		t.Errorf("api_key query: status = %d principal = %q, want 200 team-b", w3.Code, w3.Body.String())
	}
}

func TestAPIKeyAuth_InvalidKey(t *testing.T) {
	handler := middleware.NewAPIKeyAuth(map[string]string{"valid-key": "svc"}).Middleware(principalEcho())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Invalid key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	handler := middleware.NewAPIKeyAuth(map[string]string{"valid-key": "svc"}).Middleware(principalEcho())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	handler := middleware.NewAPIKeyAuth(map[string]string{"valid-key": "svc"}).Middleware(principalEcho())

	for _, path := range []string{"/health", "/version", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Public path %q: status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestAPIKeyAuth_AddRemoveKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)

	auth.AddKey("runtime-key", "ops")
	if !auth.Enabled() {
		t.Error("Should be enabled after AddKey")
	}

	handler := auth.Middleware(principalEcho())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-API-Key", "runtime-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "ops" {
		t.Errorf("Runtime key: status = %d principal = %q", w.Code, w.Body.String())
	}

	auth.RemoveKey("runtime-key")
	if auth.Enabled() {
		t.Error("Should be disabled after removing last key")
	}
}

func TestLoggerPreservesStatus(t *testing.T) {
	handler := middleware.Logger(middleware.NewAPIKeyAuth(nil).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}
