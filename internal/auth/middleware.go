package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is private so no other package can read or shadow the subject.
type contextKey string

const subjectKey contextKey = "subject"

// TokenCookie is the cookie RequireAuth falls back to when no header is sent.
const TokenCookie = "devflow_token"

// RequireAuth rejects requests without a valid operator token with 401 and
// stores the token subject in the request context otherwise.
//
// Token sources, first match wins:
//  1. Authorization: Bearer <jwt>
//  2. the devflow_token cookie
//  3. the access_token query parameter (browsers cannot set headers on a
//     WebSocket handshake)
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractToken(r)
			if raw == "" {
				unauthorized(w, "authentication required")
				return
			}
			subject, err := tokens.Validate(raw)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the authenticated subject, or ("", false) when
// auth is disabled or the request never went through RequireAuth.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok && s != ""
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("access_token")
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="devflow"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"` + message + `"}`))
}
