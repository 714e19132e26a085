package gateway_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/taskboard/internal/audit"
	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/gateway"
	"github.com/basket/taskboard/internal/shared"
)

type fakeVerifier map[string]shared.Actor

func (f fakeVerifier) VerifyAccess(token string) (shared.Actor, error) {
	if token == "expired" {
		return shared.Actor{}, auth.ErrTokenExpired
	}
	a, ok := f[token]
	if !ok {
		return shared.Actor{}, errors.New("bad signature")
	}
	return a, nil
}

type fakeChecker map[string]bool

func (f fakeChecker) Allow(role, capability string) bool { return f[role+"/"+capability] }
func (f fakeChecker) PolicyVersion() string { return "test" }

var verifier = fakeVerifier{"good": {UserID: "u1", Email: "u1@example.com", Role: "user"}}

func TestAuthMiddleware_AttachesActor(t *testing.T) {
	am := gateway.NewAuthMiddleware(verifier)

	var got shared.Actor
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.ActorFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/tasks", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.UserID != "u1" || got.Role != "user" {
		t.Fatalf("unexpected actor %+v", got)
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	am := gateway.NewAuthMiddleware(verifier)
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	}))

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", `{"error":"Authentication required"}`},
		{"not bearer", "Basic abc", `{"error":"Authentication required"}`},
		{"expired", "Bearer expired", `{"error":"Token expired"}`},
		{"invalid", "Bearer nope", `{"error":"Invalid token"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if body := rec.Body.String(); body != tt.want+"\n" {
				t.Fatalf("expected %s, got %q", tt.want, body)
			}
		})
	}
}

func TestAuthMiddleware_QueryTokenOnlyWhenStreaming(t *testing.T) {
	am := gateway.NewAuthMiddleware(verifier)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest("GET", "/ws?token=good", nil)
	rec := httptest.NewRecorder()
	am.Wrap(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("plain middleware: expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	am.Streaming().Wrap(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("streaming middleware: expected 200, got %d", rec.Code)
	}
}

func TestRequireCapability(t *testing.T) {
	checker := fakeChecker{"user/tasks.read": true}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	userCtx := shared.WithActor(httptest.NewRequest("GET", "/", nil).Context(), shared.Actor{UserID: "u1", Role: "user"})

	rec := httptest.NewRecorder()
	gateway.RequireCapability(checker, "tasks.read")(ok).ServeHTTP(rec, httptest.NewRequest("GET", "/tasks", nil).WithContext(userCtx))
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed capability: expected 200, got %d", rec.Code)
	}

	before := audit.DenyCount()
	rec = httptest.NewRecorder()
	gateway.RequireCapability(checker, "tasks.archive")(ok).ServeHTTP(rec, httptest.NewRequest("POST", "/tasks/archive-column", nil).WithContext(userCtx))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied capability: expected 403, got %d", rec.Code)
	}
	if after := audit.DenyCount(); after != before+1 {
		t.Fatalf("expected denial to be audited, got %d -> %d", before, after)
	}

	rec = httptest.NewRecorder()
	gateway.RequireCapability(checker, "users.manage")(ok).ServeHTTP(rec, httptest.NewRequest("GET", "/users", nil).WithContext(userCtx))
	if body := rec.Body.String(); body != `{"error":"Admin access required"}`+"\n" {
		t.Fatalf("unexpected body %q", body)
	}
}
