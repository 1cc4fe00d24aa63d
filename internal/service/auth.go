package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/auth"
)

// OperatorSubject is the token subject issued to the single operator account.
const OperatorSubject = "operator"

// AuthService exchanges the operator password for a bearer token.
//
//	AuthHandler (HTTP) → AuthService → PasswordService (bcrypt)
//	                                 ↘ TokenService (JWT)
//
// There is exactly one account. Its bcrypt hash comes from configuration
// (DEVFLOW_ADMIN_PASSWORD_HASH), so there is no user table to look it up in.
type AuthService struct {
	passwordHash string
	tokens       *auth.TokenService
	passwords    *auth.PasswordService
	logger       *slog.Logger
}

// NewAuthService creates an AuthService with all required dependencies.
func NewAuthService(
	passwordHash string,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		passwordHash: passwordHash,
		tokens:       tokens,
		passwords:    passwords,
		logger:       logger,
	}
}

// AuthResult is returned by Login. The handler sets the cookie from it and
// echoes it back as JSON for non-browser clients.
type AuthResult struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Login checks the operator password and issues a token.
//
// A wrong password and a malformed hash both come back as Unauthorized; the
// caller never learns which. Only the hash problem is logged, at error level,
// because it means the server is misconfigured.
func (s *AuthService) Login(_ context.Context, password string) (*AuthResult, error) {
	if password == "" {
		return nil, apperror.ValidationFailed("password", "password is required")
	}

	if err := s.passwords.Verify(s.passwordHash, password); err != nil {
		if !errors.Is(err, auth.ErrInvalidPassword) {
			s.logger.Error("operator password hash is unusable", slog.String("error", err.Error()))
		} else {
			s.logger.Warn("operator login failed")
		}
		return nil, apperror.Unauthorized("invalid credentials")
	}

	token, err := s.tokens.Generate(OperatorSubject)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token: %w", err)
	}

	s.logger.Info("operator authenticated")

	return &AuthResult{
		Token:     token,
		Subject:   OperatorSubject,
		ExpiresAt: time.Now().Add(s.tokens.TTL()),
	}, nil
}

// ValidateToken validates a JWT string and returns the subject it encodes.
func (s *AuthService) ValidateToken(tokenStr string) (string, error) {
	subject, err := s.tokens.Validate(tokenStr)
	if err != nil {
		return "", apperror.Unauthorized("invalid or expired token")
	}
	return subject, nil
}
