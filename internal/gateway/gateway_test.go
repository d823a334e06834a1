package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/retry"
)

const testJwtSecret = "gateway-test-secret"

func fastRetryPolicy() *retry.Policy {
	return &retry.Policy{
		MaxRetries:      retry.DefaultMaxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
		Multiplier:      2,
	}
}

// newTestGateway builds a gateway routing to the given users backend.
func newTestGateway(t *testing.T, usersURL string) *Gateway {
	t.Helper()
	yaml := fmt.Sprintf(`
environment: development
gate:
  services:
    users: %q
  allowed_routes:
    - service: users
      methods: [POST]
      path_prefix: /api/Auth
      public: true
    - service: users
      methods: [GET, POST]
      path_prefix: /api/users
      requires_auth: true
    - service: users
      methods: [GET, HEAD]
      path_prefix: /api/open
  cache_vary_headers: [Accept]
jwt:
  secret_key: %q
  issuer: users-service
  audience: apron-clients
  validate_issuer: true
  validate_audience: true
  validate_lifetime: true
  validate_issuer_signing_key: true
`, usersURL, testJwtSecret)

	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	gw, err := New(cfg, "test", WithRetryPolicy(fastRetryPolicy()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw
}

func mintToken(t *testing.T, gw *Gateway, extra map[string]interface{}) string {
	t.Helper()
	claims := map[string]interface{}{
		"sub":   "user-42",
		"email": "u@example.com",
		"name":  "Test User",
		"role":  "admin",
		"iss":   "users-service",
		"aud":   "apron-clients",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	token, err := gw.Validator().GenerateToken(claims)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func TestPublicPostForwardsWithGatewayHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		io.WriteString(w, `{"token":"abc"}`)
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/Auth/login", strings.NewReader(`{"user":"x"}`))
	gw.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if seen.Get("X-Gateway-Service") != "users" {
		t.Errorf("expected X-Gateway-Service: users, got %q", seen.Get("X-Gateway-Service"))
	}
	if seen.Get("X-Gateway-Request-Id") == "" {
		t.Error("expected a request id header upstream")
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a correlation id on the response")
	}
}

func TestProtectedRouteWithoutTokenIs401NoUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users/7", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if calls.Load() != 0 {
		t.Error("the upstream must not be called for an unauthorized request")
	}

	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("expected a JSON error document: %v", err)
	}
	if doc["errorType"] != "Unauthorized" || doc["correlationId"] == "" {
		t.Errorf("unexpected error document %v", doc)
	}
}

func TestProtectedRouteWithTokenInjectsUserHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		io.WriteString(w, "[]")
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader("{}"))
	r.Header.Set("Authorization", "Bearer "+mintToken(t, gw, nil))
	gw.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if seen.Get("X-User-Id") != "user-42" {
		t.Errorf("expected X-User-Id, got %q", seen.Get("X-User-Id"))
	}
	if seen.Get("X-User-Email") != "u@example.com" {
		t.Errorf("expected X-User-Email, got %q", seen.Get("X-User-Email"))
	}
	if seen.Get("X-User-Role") != "admin" {
		t.Errorf("expected X-User-Role, got %q", seen.Get("X-User-Role"))
	}
	if seen.Get("Authorization") == "" {
		t.Error("Authorization must reach the upstream")
	}
}

func TestUnconfiguredRouteIs403(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected upstream call")
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/not-configured", nil))

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestConcurrentCacheableGetsCoalesceAndCache(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"items":[1,2,3]}`)
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)

	const concurrent = 5
	bodies := make([]string, concurrent)
	var wg sync.WaitGroup
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/open/items", nil))
			bodies[i] = w.Body.String()
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call for identical concurrent GETs, got %d", got)
	}
	for i, body := range bodies {
		if body != `{"items":[1,2,3]}` {
			t.Errorf("caller %d body %q", i, body)
		}
	}

	// A later request inside the TTL is served from the cache.
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/open/items", nil))
	if w.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected X-Cache: HIT, got %q", w.Header().Get("X-Cache"))
	}
	if calls.Load() != 1 {
		t.Error("the cached request must not hit the upstream")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)

	// POST requests are not cacheable, so each goes straight to the forwarder.
	// Every 502 counts as a failure; with retries the breaker's five-failure
	// threshold is crossed inside the first two requests.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/Auth/login", nil))
	}

	before := calls.Load()
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/Auth/login", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from the open breaker, got %d", w.Code)
	}
	if calls.Load() != before {
		t.Error("an open breaker must not generate upstream connections")
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("expected a JSON error document: %v", err)
	}
	if doc["correlationId"] == "" {
		t.Error("expected a correlation id in the fast-fail document")
	}
	if doc["errorCode"] != "CIRCUIT_OPEN" {
		t.Errorf("expected CIRCUIT_OPEN, got %v", doc["errorCode"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)

	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health/live = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health?deep=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/health?deep=true = %d, want 200", w.Code)
	}
	var doc struct {
		Status   string                     `json:"status"`
		Services map[string]json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decoding health document: %v", err)
	}
	if doc.Status != "Healthy" {
		t.Errorf("expected Healthy, got %q", doc.Status)
	}
	if _, ok := doc.Services["users"]; !ok {
		t.Error("expected a users snapshot")
	}
}

func TestDeepHealthWithDownUpstreamIsDegradedHTTP200(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1")

	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health?deep=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("deep health must stay HTTP 200, got %d", w.Code)
	}
	var doc struct {
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &doc)
	if doc.Status != "Degraded" {
		t.Errorf("expected Degraded overall, got %q", doc.Status)
	}
}

func TestDeepParameterIsStrict(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	gw := newTestGateway(t, backend.URL)

	for _, q := range []string{"deep=0", "deep=", "deep=yes", "deep=TRUEish"} {
		w := httptest.NewRecorder()
		gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("/health?%s = %d, want 400", q, w.Code)
		}
	}

	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health?deep=FALSE", nil))
	if w.Code != http.StatusOK {
		t.Errorf("deep=FALSE is case-insensitively valid, got %d", w.Code)
	}
}

func TestPayloadTooLargeIs413(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected upstream call")
	}))
	defer backend.Close()

	yaml := fmt.Sprintf(`
gate:
  services: {users: %q}
  allowed_routes:
    - {service: users, methods: [POST], path_prefix: /api/Auth, public: true}
  max_payload_size_bytes: 16
`, backend.URL)
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	gw, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/Auth/login", strings.NewReader(strings.Repeat("x", 64)))
	gw.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestCorsPreflightAnsweredInGateway(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflights must not reach the upstream")
	}))
	defer backend.Close()

	yaml := fmt.Sprintf(`
gate:
  services: {users: %q}
  allowed_routes:
    - {service: users, methods: [GET], path_prefix: /api/open}
  cors: {allowed_origins: ["*"]}
`, backend.URL)
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	gw, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/open", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "GET")
	gw.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS allow headers")
	}
}

func TestCachePurgeEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"n":1}`)
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)

	// Populate the cache.
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/open/items", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("seed request failed: %d", w.Code)
	}

	w = httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache?pattern=users/api/open/**", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("purge failed: %d %s", w.Code, w.Body.String())
	}
	var doc struct {
		Purged int `json:"purged"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decoding purge response: %v", err)
	}
	if doc.Purged != 1 {
		t.Errorf("expected 1 purged entry, got %d", doc.Purged)
	}

	w = httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("purge without a pattern must be 400, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/info", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var doc struct {
		Version  string            `json:"version"`
		Services map[string]string `json:"services"`
		Routes   []json.RawMessage `json:"routes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decoding info: %v", err)
	}
	if doc.Version != "test" || len(doc.Routes) != 3 {
		t.Errorf("unexpected info document %+v", doc)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL)

	// Generate one request so counters exist.
	gw.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/not-configured", nil))

	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "apron_requests_total") {
		t.Error("expected the apron namespace in the metrics exposition")
	}
}
