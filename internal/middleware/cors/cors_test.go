package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/apron/internal/config"
)

func TestPreflightAnsweredInGateway(t *testing.T) {
	h := New(config.CorsConfig{AllowedOrigins: []string{"*"}})
	upstream := false
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream = true
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	handler.ServeHTTP(w, r)

	if upstream {
		t.Fatal("preflights must never reach the next handler")
	}
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected allow origin %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected allow methods to be set")
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	h := New(config.CorsConfig{AllowedOrigins: []string{"https://good.example.com"}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	r.Header.Set("Origin", "https://evil.example.net")
	r.Header.Set("Access-Control-Request-Method", "POST")
	h.HandlePreflight(w, r)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("expected no allow-origin header for a disallowed origin")
	}
}

func TestWildcardSubdomain(t *testing.T) {
	h := New(config.CorsConfig{AllowedOrigins: []string{"*.example.com"}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.Header.Set("Origin", "https://app.example.com")
	h.ApplyHeaders(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected the origin to be echoed, got %q", got)
	}
}

func TestOptionsWithoutRequestMethodIsNotPreflight(t *testing.T) {
	h := New(config.CorsConfig{AllowedOrigins: []string{"*"}})
	r := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	r.Header.Set("Origin", "https://app.example.com")
	if h.IsPreflight(r) {
		t.Error("OPTIONS without Access-Control-Request-Method is a normal request")
	}
}

func TestApplyHeadersSkipsNonCORSRequests(t *testing.T) {
	h := New(config.CorsConfig{AllowedOrigins: []string{"*"}})
	w := httptest.NewRecorder()
	h.ApplyHeaders(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("requests without Origin get no CORS headers")
	}
}
