package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gersonrivera27/STACKPOS/config"
	"github.com/gersonrivera27/STACKPOS/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, _ := newMockedServer(t, nil)
	return s
}

func newMockedServer(t *testing.T, trustedProxies []string) (*Server, sqlmock.Sqlmock) {
	t.Helper()

	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		ServerPort:     0,
		AllowedOrigins: []string{"http://localhost:5001"},
		TrustedProxies: trustedProxies,
		Auth: config.AuthConfig{
			JWTSecret:       "test-signing-secret",
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
	}

	audit := services.NewAuditService(nil, logger)
	s, err := newServer(cfg, dbConn, audit, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Close()
		audit.Close()
	})
	return s, mock
}

func TestServerRoutes(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, ":8080", s.httpServer.Addr)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK},
		{name: "verify needs a token", method: http.MethodGet, path: "/api/auth/verify", status: http.StatusUnauthorized},
		{name: "audit needs a token", method: http.MethodGet, path: "/api/audit/logs", status: http.StatusUnauthorized},
		{name: "login validates", method: http.MethodPost, path: "/api/auth/login", status: http.StatusUnprocessableEntity},
		{name: "unknown route", method: http.MethodGet, path: "/api/orders", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestServerCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5001")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5001", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRejectsMissingSecret(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(t.Context(), config.Config{Auth: config.AuthConfig{AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour}}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET_KEY")
}

var accountColumns = []string{
	"id", "username", "email", "hashed_password", "pin_hash",
	"full_name", "role", "is_active", "created_at", "last_login",
}

func postLogin(router http.Handler, remoteAddr, forwardedFor, identifier string) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"username_or_email":%q,"password":"wrong-password"}`, identifier)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	s, mock := newMockedServer(t, nil)
	for i := 0; i < 5; i++ {
		mock.ExpectQuery("FROM users").WillReturnRows(sqlmock.NewRows(accountColumns))
	}

	for i := 0; i < 5; i++ {
		rec := postLogin(s.Router(), "198.51.100.7:4000", fmt.Sprintf("203.0.113.%d", i+1), fmt.Sprintf("ghost-%d", i))
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i+1)
	}

	rec := postLogin(s.Router(), "198.51.100.7:4000", "203.0.113.99", "ghost-final")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginHonoursForwardedForFromTrustedProxy(t *testing.T) {
	s, mock := newMockedServer(t, []string{"10.0.0.0/8"})
	for i := 0; i < 6; i++ {
		mock.ExpectQuery("FROM users").WillReturnRows(sqlmock.NewRows(accountColumns))
	}

	for i := 0; i < 6; i++ {
		rec := postLogin(s.Router(), "10.0.0.2:443", fmt.Sprintf("203.0.113.%d", i+1), fmt.Sprintf("ghost-%d", i))
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i+1)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewServerRejectsBadTrustedProxy(t *testing.T) {
	dbConn, _, err := sqlmock.New()
	require.NoError(t, err)
	defer dbConn.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := services.NewAuditService(nil, logger)
	defer audit.Close()

	cfg := config.Config{
		TrustedProxies: []string{"not-an-address"},
		Auth:           config.AuthConfig{JWTSecret: "test-signing-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour},
	}
	_, err = newServer(cfg, dbConn, audit, logger)
	assert.ErrorContains(t, err, "trusted proxies")
}
