package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/devflow-exec/internal/auth"
	"github.com/sakif/devflow-exec/internal/service"
)

// AuthHandler issues and clears operator tokens.
//
// HANDLER RESPONSIBILITIES:
//   - HandleToken  → exchange the operator password for a JWT
//   - HandleLogout → clear the token cookie
//   - HandleMe     → report who the current token belongs to
type AuthHandler struct {
	auth   *service.AuthService
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(authService *service.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: authService, logger: logger}
}

type tokenRequest struct {
	Password string `json:"password"`
}

// TokenResponse is returned by a successful login.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleToken checks the operator password and issues a token.
//
// HTTP: POST /auth/token
// REQUEST BODY: {"password":"..."}
//
// The token is returned in the body for CLI and script clients and also set
// as an HttpOnly cookie for browsers. The cookie is SameSite=Strict: it only
// exists to let a browser open the run stream, where custom headers cannot
// be set.
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.auth.Login(r.Context(), body.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     res.Token,
		TokenType: "Bearer",
		ExpiresAt: res.ExpiresAt,
	})
}

// HandleLogout clears the token cookie.
//
// HTTP: POST /auth/logout
//
// Tokens are stateless, so a bearer token copied elsewhere stays valid until
// it expires; logout only removes the browser's copy.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1, // delete immediately
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the subject of the caller's token.
//
// HTTP: GET /api/me
// Auth: Required (RequireAuth middleware stores the subject in context)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		// Only reachable if the route is mounted without RequireAuth.
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "authentication required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subject": subject})
}
