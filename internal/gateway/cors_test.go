package gateway_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/gateway"
)

func okHandler(t *testing.T, wantCalled bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wantCalled {
			t.Errorf("inner handler called for %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_Preflight(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://board.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         7200,
	})
	handler := wrap(okHandler(t, false))

	req := httptest.NewRequest(http.MethodOptions, "/tasks/abc/claim", nil)
	req.Header.Set("Origin", "https://board.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":  "https://board.example.com",
		"Access-Control-Allow-Methods": "GET, POST",
		"Access-Control-Allow-Headers": "Content-Type, Authorization",
		"Access-Control-Max-Age":       "7200",
		"Vary":                         "Origin",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS_OriginMatching(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://board.example.com/", "https://*.agents.example.com"},
	}
	cases := []struct {
		origin string
		want   string
	}{
		{"https://board.example.com", "https://board.example.com"},
		{"HTTPS://BOARD.EXAMPLE.COM", "HTTPS://BOARD.EXAMPLE.COM"},
		{"https://ci.agents.example.com", "https://ci.agents.example.com"},
		{"https://agents.example.com", ""},
		{"https://evil.com", ""},
		{"https://evil.com/.agents.example.com", ""},
		{"", ""},
	}
	handler := gateway.NewCORSMiddleware(cfg)(okHandler(t, true))
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%q: got %d", tc.origin, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
			t.Errorf("origin %q: allow-origin = %q, want %q", tc.origin, got, tc.want)
		}
		if tc.want != "" && !strings.Contains(rec.Header().Get("Access-Control-Expose-Headers"), "X-Trace-Id") {
			t.Errorf("origin %q: trace header not exposed", tc.origin)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") != "" {
			t.Errorf("origin %q: preflight headers on a simple request", tc.origin)
		}
	}
}

func TestCORS_WildcardUsesDefaults(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
	})(okHandler(t, false))

	req := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, gateway.AgentHeader) {
		t.Fatalf("default headers missing %s: %q", gateway.AgentHeader, got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Fatalf("default methods missing PATCH: %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "" {
		t.Fatalf("wildcard responses should not vary by origin, got %q", got)
	}
}

func TestCORS_DisallowedPreflightStillAnswered(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://board.example.com"},
	})(okHandler(t, false))

	req := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got allow-origin %q", got)
	}
}

func TestCORS_Disabled(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        false,
		AllowedOrigins: []string{"*"},
	})(okHandler(t, true))

	req := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "https://board.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("disabled middleware should pass OPTIONS through, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers when disabled, got %q", got)
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	var readErr error
	handler := gateway.RequestSizeLimitMiddleware(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"title":"small"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}

	req = httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(strings.Repeat("x", 200)))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	var tooLarge *http.MaxBytesError
	if !errors.As(readErr, &tooLarge) {
		t.Fatalf("expected *http.MaxBytesError, got %v", readErr)
	}
	if tooLarge.Limit != 100 {
		t.Fatalf("limit = %d, want 100", tooLarge.Limit)
	}
}
