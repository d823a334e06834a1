package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := NewChain(tag("outer"), tag("inner")).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := "outer,inner,handler"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("execution order %q, want %q", got, want)
	}
}

func TestCorrelationIDSeedsContextAndHeader(t *testing.T) {
	var seen *RequestContext
	h := Correlation()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromRequest(r)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.Header.Set(CorrelationHeader, "attacker-supplied")
	h.ServeHTTP(w, r)

	if seen == nil || seen.CorrelationID == "" {
		t.Fatal("expected a request context with a correlation id")
	}
	if seen.CorrelationID == "attacker-supplied" {
		t.Error("inbound correlation ids must not be trusted")
	}
	if got := w.Header().Get(CorrelationHeader); got != seen.CorrelationID {
		t.Errorf("response header %q does not match context id %q", got, seen.CorrelationID)
	}
}

func TestRecoveryWritesErrorDocument(t *testing.T) {
	h := NewChain(Recovery(), Correlation()).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"errorType":"Internal"`) {
		t.Errorf("expected the canonical error document, got %s", w.Body.String())
	}
}

func TestBodyLimitRejectsDeclaredOversize(t *testing.T) {
	h := BodyLimit(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for an oversized body")
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(strings.Repeat("x", 20)))
	h.ServeHTTP(w, r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestBodyLimitPassesSmallBody(t *testing.T) {
	called := false
	h := BodyLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	if !called {
		t.Fatal("expected the handler to run")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "10.0.0.1:4312", "", "10.0.0.1"},
		{"forwarded", "10.0.0.1:4312", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:4312", "203.0.113.9, 198.51.100.2", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
