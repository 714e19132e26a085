package gateway

import (
	"errors"
	"net/http"

	"github.com/basket/taskboard/internal/audit"
	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/metrics"
	"github.com/basket/taskboard/internal/policy"
	"github.com/basket/taskboard/internal/shared"
)

// TokenVerifier resolves an access token to its principal. *auth.Service
// satisfies it.
type TokenVerifier interface {
	VerifyAccess(token string) (shared.Actor, error)
}

// AuthMiddleware validates bearer access tokens and attaches the actor to
// the request context.
type AuthMiddleware struct {
	verifier TokenVerifier
	// allowQuery accepts ?token= for browser transports that cannot set
	// headers (websocket, EventSource).
	allowQuery bool
}

func NewAuthMiddleware(v TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: v}
}

// Streaming returns a copy that also reads the token query parameter.
func (am *AuthMiddleware) Streaming() *AuthMiddleware {
	return &AuthMiddleware{verifier: am.verifier, allowQuery: true}
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r, am.allowQuery)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		actor, err := am.verifier.VerifyAccess(token)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "Token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.WithActor(r.Context(), actor)))
	})
}

// ExtractToken reads the bearer token from the Authorization header and,
// when allowQuery is set, from the token query parameter.
func ExtractToken(r *http.Request, allowQuery bool) string {
	if tok := auth.BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// RequireCapability rejects actors whose role lacks capability. Denials are
// audited and counted.
func RequireCapability(checker policy.Checker, capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := shared.ActorFrom(r.Context())
			if checker != nil && checker.Allow(actor.Role, capability) {
				next.ServeHTTP(w, r)
				return
			}
			version := ""
			if checker != nil {
				version = checker.PolicyVersion()
			}
			audit.Record(r.Context(), audit.DecisionDeny, capability, "role "+actor.Role+" lacks capability", version, actor.Email)
			metrics.PolicyDenials.Inc()
			msg := "Insufficient permissions"
			if capability == policy.CapUsersManage {
				msg = "Admin access required"
			}
			writeError(w, http.StatusForbidden, msg)
		})
	}
}
