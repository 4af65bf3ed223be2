package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gersonrivera27/STACKPOS/internal/services"
	"github.com/gersonrivera27/STACKPOS/types"
)

// Authenticator is the authentication surface the HTTP layer depends on.
type Authenticator interface {
	Login(ctx context.Context, identifier, password, clientIP string) (services.LoginResult, error)
	PINLogin(ctx context.Context, accountID int, pin, clientIP string) (services.LoginResult, error)
	Refresh(ctx context.Context, refreshToken, clientIP string) (services.LoginResult, error)
	Logout(ctx context.Context, caller types.Account, refreshToken, clientIP string) error
	Authenticate(ctx context.Context, accessToken string) (types.Account, error)
	CheckAPIRateLimit(clientIP string) error
}

// AccountLister lists the accounts shown on the PIN pad.
type AccountLister interface {
	ListActive(ctx context.Context) ([]types.PublicAccount, error)
}

// AuthHandler provides the login, token and profile endpoints.
type AuthHandler struct {
	auth     Authenticator
	accounts AccountLister
	logger   *slog.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(auth Authenticator, accounts AccountLister, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{auth: auth, accounts: accounts, logger: logger}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, auth Authenticator, accounts AccountLister, logger *slog.Logger) {
	handler := NewAuthHandler(auth, accounts, logger)

	r.Post("/login", handler.Login)
	r.Post("/pin-login", handler.PINLogin)
	r.Post("/refresh", handler.Refresh)
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(auth, handler.logger), APIRateLimit(auth, handler.logger))
		r.Post("/logout", handler.Logout)
		r.Get("/verify", handler.Verify)
		r.Get("/profile", handler.Profile)
		r.Get("/users", handler.Users)
	})
}

type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
}

type PINLoginRequest struct {
	UserID int    `json:"user_id"`
	PIN    string `json:"pin"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LoginResponse is returned by every login and refresh endpoint. Token and
// account fields are only present on success.
type LoginResponse struct {
	Success      bool                 `json:"success"`
	Message      string               `json:"message"`
	AccessToken  string               `json:"access_token,omitempty"`
	RefreshToken string               `json:"refresh_token,omitempty"`
	TokenType    string               `json:"token_type,omitempty"`
	ExpiresIn    int                  `json:"expires_in,omitempty"`
	Account      *types.PublicAccount `json:"account,omitempty"`
}

type VerifyResponse struct {
	Valid   bool                `json:"valid"`
	Account types.PublicAccount `json:"account"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.UsernameOrEmail = strings.TrimSpace(req.UsernameOrEmail)
	if req.UsernameOrEmail == "" {
		writeError(w, http.StatusUnprocessableEntity, "username_or_email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "password is required")
		return
	}

	result, err := h.auth.Login(r.Context(), req.UsernameOrEmail, req.Password, clientIP(r))
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

func (h *AuthHandler) PINLogin(w http.ResponseWriter, r *http.Request) {
	var req PINLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.UserID < 1 {
		writeError(w, http.StatusUnprocessableEntity, "user_id is required")
		return
	}
	if strings.TrimSpace(req.PIN) == "" {
		writeError(w, http.StatusUnprocessableEntity, "pin is required")
		return
	}

	result, err := h.auth.PINLogin(r.Context(), req.UserID, req.PIN, clientIP(r))
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "refresh_token is required")
		return
	}

	result, err := h.auth.Refresh(r.Context(), req.RefreshToken, clientIP(r))
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	caller, err := AccountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "refresh_token is required")
		return
	}

	if err := h.auth.Logout(r.Context(), caller, req.RefreshToken, clientIP(r)); err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	account, err := AccountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Account: account.Public()})
}

// Profile returns the caller's account including login metadata.
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	account, err := AccountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Users lists active accounts for the PIN pad.
func (h *AuthHandler) Users(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.ListActive(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func loginResponse(result services.LoginResult) LoginResponse {
	resp := LoginResponse{
		Success: result.Success,
		Message: result.Message,
		Account: result.Account,
	}
	if result.Tokens != nil {
		resp.AccessToken = result.Tokens.AccessToken
		resp.RefreshToken = result.Tokens.RefreshToken
		resp.TokenType = result.Tokens.TokenType
		resp.ExpiresIn = result.Tokens.ExpiresIn
	}
	return resp
}

// writeAuthError maps service errors to HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.logger, err)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var throttled *services.ThrottledError
	switch {
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(throttled.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
	case errors.Is(err, services.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, "refresh token revoked or not found")
	case errors.Is(err, services.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, services.ErrInactiveAccount):
		writeError(w, http.StatusUnauthorized, "account is inactive")
	default:
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
